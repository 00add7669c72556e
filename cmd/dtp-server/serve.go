package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muurk/dtp/internal/config"
	"github.com/muurk/dtp/internal/event"
	"github.com/muurk/dtp/internal/logging"
	"github.com/muurk/dtp/internal/metrics"
	"github.com/muurk/dtp/internal/server"
	"github.com/muurk/dtp/internal/ui"
)

// Relay modes
const (
	modeEcho      = "echo"
	modeBroadcast = "broadcast"
	modeLog       = "log"
)

// Serve command and flags
var (
	configPath       string
	host             string
	port             int
	logLevel         string
	handshakeTimeout time.Duration
	messageTTL       time.Duration
	maxFrameSize     int
	suite            string
	compression      string
	metricsAddr      string
	mode             string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server",
	Long: `Start the dtp server and accept client connections.

Settings are read from the config file and overridden by flags. The
--mode flag selects what happens to received messages:

  echo       send each message back to the client that sent it (default)
  broadcast  send each message to every connected client
  log        only print received messages

Set --metrics-addr to expose prometheus metrics over HTTP.`,
	Example: `  # Serve on the default port, address resolved from the host name
  dtp-server serve

  # Serve on all interfaces with a handshake deadline
  dtp-server serve --host 0.0.0.0 --handshake-timeout 5s

  # Relay messages between clients and expose metrics
  dtp-server serve --mode broadcast --metrics-addr :9090

  # Only accept ascon sessions with zstd compressed payloads
  dtp-server serve --suite ascon128a --compression zstd`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Config file (default: $XDG_CONFIG_HOME/dtp/config.yaml)")
	serveCmd.Flags().StringVar(&host, "host", "", "Address to bind (empty = address the host name resolves to)")
	serveCmd.Flags().IntVar(&port, "port", config.DefaultPort, "TCP port (0 = pick a free port)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().DurationVar(&handshakeTimeout, "handshake-timeout", 0, "Deadline for a client's key exchange (0 = none)")
	serveCmd.Flags().DurationVar(&messageTTL, "message-ttl", 0, "Reject messages older than this (0 = accept any age)")
	serveCmd.Flags().IntVar(&maxFrameSize, "max-frame-size", config.DefaultMaxFrameSize, "Largest accepted frame in bytes")
	serveCmd.Flags().StringVar(&suite, "suite", "", "Only accept this cipher suite (xchacha20poly1305, ascon128a)")
	serveCmd.Flags().StringVar(&compression, "compression", "", "Payload compression (s2, zstd); must match the clients")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address (e.g. :9090)")
	serveCmd.Flags().StringVar(&mode, "mode", modeEcho, "What to do with received messages (echo, broadcast, log)")
}

// loadConfig reads the config file and applies the flags that were set
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = host
	}
	if flags.Changed("port") {
		cfg.Server.Port = port
	}
	if flags.Changed("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("handshake-timeout") {
		cfg.Server.HandshakeTimeout = handshakeTimeout
	}
	if flags.Changed("message-ttl") {
		cfg.Server.MessageTTL = messageTTL
	}
	if flags.Changed("max-frame-size") {
		cfg.Server.MaxFrameSize = maxFrameSize
	}
	if flags.Changed("suite") {
		cfg.Server.Suite = suite
	}
	if flags.Changed("compression") {
		cfg.Codec.Compression = compression
	}
	if flags.Changed("metrics-addr") {
		cfg.Server.MetricsAddr = metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	switch mode {
	case modeEcho, modeBroadcast, modeLog:
	default:
		return fmt.Errorf("unknown mode %q (expected echo, broadcast or log)", mode)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := logging.Initialize(cfg.LogLevel); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()

	cdc, err := cfg.NewCodec()
	if err != nil {
		return err
	}
	accepted, err := cfg.ServerSuite()
	if err != nil {
		return err
	}

	var collector *metrics.Collector
	if cfg.Server.MetricsAddr != "" {
		collector = metrics.New(metrics.Config{Subsystem: "server"})
	}

	printer := ui.NewPrinter(os.Stdout)
	srv := server.New(server.Options{
		Codec:            cdc,
		Suite:            accepted,
		MaxFrameSize:     cfg.Server.MaxFrameSize,
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		MessageTTL:       cfg.Server.MessageTTL,
		Metrics:          collector,
	})
	relay := newRelay(srv, printer, mode)
	sub := srv.Subscribe()
	go relay.run(sub)
	defer srv.Unsubscribe(sub)

	if err := srv.Start(cfg.Server.Host, cfg.Server.Port); err != nil {
		printer.PrintError("Failed to start server", err, []string{
			"Check that no other process is bound to the port",
			"Use --port 0 to pick a free port",
		})
		return err
	}
	addr, err := srv.Addr()
	if err != nil {
		return err
	}

	suiteName := "any"
	if accepted != 0 {
		suiteName = accepted.String()
	}
	params := map[string]string{
		"Address": addr.String(),
		"Codec":   cdc.Name(),
		"Suites":  suiteName,
		"Mode":    mode,
	}
	if cfg.Server.HandshakeTimeout > 0 {
		params["Handshake"] = cfg.Server.HandshakeTimeout.String()
	}

	var metricsSrv *metrics.Server
	if collector != nil {
		metricsSrv, err = collector.Serve(cfg.Server.MetricsAddr)
		if err != nil {
			_ = srv.Stop()
			return fmt.Errorf("failed to serve metrics: %w", err)
		}
		params["Metrics"] = "http://" + displayAddr(metricsSrv.Addr().String()) + "/metrics"
	}
	printer.PrintHeader("DTP Server", "dtp-server serve", params)

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case <-ctx.Done():
		logging.Info("Shutdown signal received, stopping server...")
		serveErr = srv.Stop()
	case <-srv.Done():
		serveErr = srv.Err()
		logging.Error("Server stopped unexpectedly", zap.Error(serveErr))
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("Metrics server shutdown failed", zap.Error(err))
		}
	}
	return serveErr
}

// displayAddr replaces an empty or wildcard host with localhost
func displayAddr(addr string) string {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(h); h != "" && (ip == nil || !ip.IsUnspecified()) {
		return addr
	}
	return net.JoinHostPort("localhost", p)
}

// relay prints server events and applies the relay mode to received
// messages
type relay struct {
	srv     *server.Server
	printer *ui.Printer
	mode    string
}

func newRelay(srv *server.Server, printer *ui.Printer, mode string) *relay {
	return &relay{srv: srv, printer: printer, mode: mode}
}

func (r *relay) run(sub *event.Subscription) {
	for ev := range sub.C {
		r.handle(ev)
	}
}

func (r *relay) handle(ev event.Event) {
	stamp := ui.TimestampStyle.Render(ev.Time.Format("15:04:05"))
	id := strconv.FormatUint(ev.ClientID, 10)

	switch ev.Kind {
	case event.Connect:
		addr := "unknown"
		if a, err := r.srv.ClientAddr(ev.ClientID); err == nil {
			addr = a.String()
		}
		r.printer.Println(stamp + " " + ui.StatusConnectedStyle.Render(ui.OnlineMarker+" client "+id) + " connected from " + addr)

	case event.Disconnect:
		r.printer.Println(stamp + " " + ui.SystemMessageStyle.Render("client "+id+" disconnected"))

	case event.Receive:
		r.printer.Println(stamp + " " + ui.PeerMessageStyle.Render("client "+id+": ") + ui.FormatPayload(ev.Payload))

		var err error
		switch r.mode {
		case modeEcho:
			err = r.srv.Send(ev.Payload, ev.ClientID)
		case modeBroadcast:
			err = r.srv.Send(ev.Payload)
		}
		if err != nil {
			logging.Warn("Relay failed",
				zap.Uint64("client_id", ev.ClientID),
				zap.String("mode", r.mode),
				zap.Error(err),
			)
		}
	}
}

