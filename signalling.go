package mediagraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// Signalling message types.
const (
	SignalRegister = "register" // Producer announces itself
	SignalOffer    = "offer"    // Viewer offer, forwarded by the server
	SignalAnswer   = "answer"   // Producer answer for one viewer
	SignalBye      = "bye"      // Viewer left
	SignalError    = "error"
)

const signallingWriteTimeout = 5 * time.Second

// SignalMessage is one JSON message on the signalling socket.
type SignalMessage struct {
	Type    string                     `json:"type"`
	PeerID  string                     `json:"peerId,omitempty"`
	Role    string                     `json:"role,omitempty"`
	SDP     *webrtc.SessionDescription `json:"sdp,omitempty"`
	Message string                     `json:"message,omitempty"`
}

// SignallingClient is a producer connection to a signalling server.
type SignallingClient struct {
	id   string
	uri  string
	conn *websocket.Conn

	writeMu sync.Mutex
}

// DialSignalling connects to uri and registers as a producer under a fresh
// peer id.
func DialSignalling(ctx context.Context, uri string) (*SignallingClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial signalling server %s: %w", uri, err)
	}
	c := &SignallingClient{id: uuid.NewString(), uri: uri, conn: conn}
	if err := c.Send(SignalMessage{Type: SignalRegister, PeerID: c.id, Role: "producer"}); err != nil {
		conn.Close()
		return nil, err
	}
	log().WithFields(logrus.Fields{"uri": uri, "peer": c.id}).Info("registered with signalling server")
	return c, nil
}

// ID returns the producer's peer id.
func (c *SignallingClient) ID() string { return c.id }

// Send writes one message.
func (c *SignallingClient) Send(m SignalMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(signallingWriteTimeout))
	if err := c.conn.WriteJSON(m); err != nil {
		return fmt.Errorf("failed to send %s: %w", m.Type, err)
	}
	return nil
}

// Serve answers viewer offers with b until ctx is cancelled or the
// connection drops.
func (c *SignallingClient) Serve(ctx context.Context, b *Broadcaster) error {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	for {
		var m SignalMessage
		if err := c.conn.ReadJSON(&m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("signalling read: %w", err)
		}

		entry := log().WithFields(logrus.Fields{"type": m.Type, "peer": m.PeerID})
		switch m.Type {
		case SignalOffer:
			if m.SDP == nil {
				entry.Warn("offer without session description")
				continue
			}
			answer, err := b.Answer(m.PeerID, *m.SDP)
			if err != nil {
				entry.WithError(err).Error("failed to answer offer")
				c.Send(SignalMessage{Type: SignalError, PeerID: m.PeerID, Message: err.Error()})
				continue
			}
			if err := c.Send(SignalMessage{Type: SignalAnswer, PeerID: m.PeerID, SDP: answer}); err != nil {
				return err
			}
		case SignalBye:
			if err := b.RemovePeer(m.PeerID); err != nil && !errors.Is(err, ErrUnknownPeer) {
				entry.WithError(err).Warn("peer close failed")
			}
		case SignalError:
			entry.WithField("message", m.Message).Warn("signalling server error")
		default:
			entry.Debug("signalling message ignored")
		}
	}
}

// Close sends a close frame and closes the connection.
func (c *SignallingClient) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
