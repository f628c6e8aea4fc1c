package mediagraph

// MessageType classifies status messages posted on a pipeline bus.
type MessageType uint8

const (
	MessageOther MessageType = iota
	MessageEOS
	MessageError
	MessageWarning
	MessageInfo
	MessageStateChanged
)

func (t MessageType) String() string {
	switch t {
	case MessageEOS:
		return "eos"
	case MessageError:
		return "error"
	case MessageWarning:
		return "warning"
	case MessageInfo:
		return "info"
	case MessageStateChanged:
		return "state-changed"
	default:
		return "other"
	}
}

// Message is a status message copied off the bus.
type Message struct {
	Type   MessageType
	Source string // Name of the posting element
	Text   string // Error, warning or info text
	Debug  string // Engine debug detail

	// Set for MessageStateChanged.
	OldState string
	NewState string
}
