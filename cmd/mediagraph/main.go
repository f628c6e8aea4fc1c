// Command mediagraph builds a media graph from flags or a manifest and
// runs it until end of stream, an error, or an interrupt.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thesyncim/mediagraph"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := mediagraph.DefaultConfig()

	root := &cobra.Command{
		Use:   "mediagraph",
		Short: "Play, transcode or broadcast media through a processing graph",
		Long: `mediagraph builds a graph of media elements and runs it.

  --file PATH                   play a local file
  --url URL --output PATH       download an MP4 stream and re-encode it to a file
  --webrtc ws://HOST:PORT       broadcast a test pattern over WebRTC`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	f := root.Flags()
	f.StringVar(&cfg.File, "file", cfg.File, "local media file to play")
	f.StringVar(&cfg.URL, "url", cfg.URL, "web URL to stream from")
	f.StringVar(&cfg.Output, "output", cfg.Output, "output file path for --url")
	f.StringVar(&cfg.SignallingURI, "webrtc", cfg.SignallingURI, "signalling server uri, e.g. ws://127.0.0.1:8443")
	f.StringVar(&cfg.Manifest, "manifest", cfg.Manifest, "HCL manifest replacing the built-in graphs")
	f.StringVar(&cfg.Graph, "graph", cfg.Graph, "graph to run from --manifest (default: first)")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")

	pf := root.PersistentFlags()
	pf.StringVar(&cfg.Engine, "engine", cfg.Engine, "media engine: auto, gst or sim")
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	pf.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")

	root.AddCommand(newGraphsCmd(&cfg))
	return root
}

func newGraphsCmd(cfg *mediagraph.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "graphs [manifest]",
		Short: "List and validate the graphs of a manifest (built-in when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				m   *mediagraph.Manifest
				err error
			)
			if len(args) == 1 {
				m, err = mediagraph.LoadManifest(args[0], cfg.Vars())
			} else {
				m, err = mediagraph.BuiltinManifest(cfg.Vars())
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, name := range m.Names() {
				spec, _ := m.Graph(name)
				status := "ok"
				if err := spec.Validate(); err != nil {
					status = err.Error()
				}
				fmt.Fprintf(out, "%-16s %2d nodes  %s\n", name, len(spec.Nodes), status)
			}
			return nil
		},
	}
}

func run(ctx context.Context, cfg mediagraph.Config) error {
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	mediagraph.SetLogger(logger)

	engine, err := cfg.NewEngine()
	if err != nil {
		return err
	}

	loop := mediagraph.NewLoop()
	player, err := mediagraph.NewPlayer(engine, loop, cfg)
	if err != nil {
		logger.WithError(err).Error("player creation failed")
		return err
	}
	defer player.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		loop.Quit()
		return nil
	})
	if cfg.MetricsAddr != "" {
		startMetrics(gctx, g, cfg.MetricsAddr, player, logger)
	}

	if err := player.Play(); err != nil {
		cancel()
		g.Wait()
		return err
	}
	loop.Run()

	if err := player.Stop(); err != nil {
		logger.WithError(err).Warn("stop failed")
	}
	cancel()
	if err := g.Wait(); err != nil {
		return err
	}

	stats := player.Graph().Stats()
	logger.WithFields(logrus.Fields{
		"messages": stats.Messages,
		"errors":   stats.Errors,
	}).Info("player finished")
	if stats.Errors > 0 {
		return fmt.Errorf("%s: %s", stats.LastErrorFrom, stats.LastError)
	}
	return nil
}

func startMetrics(ctx context.Context, g *errgroup.Group, addr string, player mediagraph.Player, logger *logrus.Logger) {
	var b *mediagraph.Broadcaster
	if p, ok := player.(interface{ Broadcaster() *mediagraph.Broadcaster }); ok {
		b = p.Broadcaster()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(mediagraph.NewStatsCollector(player.Graph(), b))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		logger.WithField("addr", addr).Info("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
}
