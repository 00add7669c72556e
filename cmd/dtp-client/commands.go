package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/muurk/dtp/internal/client"
	"github.com/muurk/dtp/internal/config"
	"github.com/muurk/dtp/internal/event"
	"github.com/muurk/dtp/internal/logging"
	"github.com/muurk/dtp/internal/ui"
)

// resolveConfigPath returns --config or the default location
func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.DefaultPath()
}

// loadConfig reads the config file and applies the global flags that were set
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Client.Server = serverAddr
	}
	if flags.Changed("suite") {
		cfg.Client.Suite = suite
	}
	if flags.Changed("compression") {
		cfg.Codec.Compression = compression
	}
	if flags.Changed("timeout") {
		cfg.Client.Timeout = timeout
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newClient builds a disconnected client from cfg
func newClient(cfg *config.Config) (*client.Client, error) {
	cdc, err := cfg.NewCodec()
	if err != nil {
		return nil, err
	}
	st, err := cfg.ClientSuite()
	if err != nil {
		return nil, err
	}
	return client.New(client.Options{
		Codec:      cdc,
		Suite:      st,
		MessageTTL: cfg.Client.MessageTTL,
	}), nil
}

// connect dials the configured server within the configured timeout
func connect(c *client.Client, cfg *config.Config) error {
	ctx := context.Background()
	if cfg.Client.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Client.Timeout)
		defer cancel()
	}
	return c.Connect(ctx, cfg.Client.Server)
}

var connectTips = []string{
	"Check that dtp-server is running and reachable",
	"Verify the address with --server host:port",
	"Both ends must use the same --compression",
}

// Chat command
var nickname string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an interactive chat with the server",
	Long: `Connect to a dtp server and open an interactive chat screen.

Typed lines are sent as {"from": <nickname>, "text": <line>} when a nickname
is set, and as plain strings otherwise. Messages from the server appear in
the transcript as they arrive.`,
	Example: `  # Chat with the server from the config file
  dtp-client chat

  # Chat with a specific server under a nickname
  dtp-client chat --server 10.0.0.5:29275 --nickname alice`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&nickname, "nickname", "n", "", "Name sent with each message (default from config)")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// Logs would draw over the chat screen unless stderr is redirected
	if err := logging.Initialize(cfg.LogLevel); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()

	if cmd.Flags().Changed("nickname") {
		cfg.Client.Nickname = nickname
	}

	c, err := newClient(cfg)
	if err != nil {
		return err
	}
	events := c.Subscribe(event.Receive, event.Disconnect)
	defer c.Unsubscribe(events)

	if err := connect(c, cfg); err != nil {
		ui.NewPrinter(os.Stderr).PrintError("Connection failed", err, connectTips)
		return err
	}
	defer func() { _ = c.Disconnect() }()

	return ui.RunChat(ui.ChatConfig{
		Server:   cfg.Client.Server,
		Nickname: cfg.Client.Nickname,
		Sender:   c,
		Events:   events.C,
	})
}

// Send command
var (
	sendJSON bool
	sendWait time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send one message and exit",
	Long: `Connect to a dtp server, send one message and disconnect.

The arguments are joined with spaces and sent as a string. With --json the
message is parsed as JSON and sent as the resulting value. With --wait the
command waits for one reply from the server and prints it.`,
	Example: `  # Send a greeting
  dtp-client send Hello, world!

  # Send a structured payload and wait for the echo
  dtp-client send --json '{"from": "ops", "text": "ping"}' --wait 2s`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Parse the message as JSON")
	sendCmd.Flags().DurationVarP(&sendWait, "wait", "w", 0, "Wait this long for a reply (0 = don't wait)")
}

// parsePayload turns the command arguments into the payload to send
func parsePayload(args []string, asJSON bool) (any, error) {
	text := strings.Join(args, " ")
	if !asJSON {
		return text, nil
	}
	var payload any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON message: %w", err)
	}
	return payload, nil
}

// errNoReply is returned when --wait expires without a message
var errNoReply = errors.New("no reply before the wait expired")

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := logging.Initialize(cfg.LogLevel); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()

	payload, err := parsePayload(args, sendJSON)
	if err != nil {
		return err
	}

	c, err := newClient(cfg)
	if err != nil {
		return err
	}
	events := c.Subscribe(event.Receive, event.Disconnect)
	defer c.Unsubscribe(events)

	printer := ui.NewPrinter(os.Stdout)
	if err := connect(c, cfg); err != nil {
		printer.PrintError("Connection failed", err, connectTips)
		return err
	}
	defer func() { _ = c.Disconnect() }()

	if err := c.Send(payload); err != nil {
		printer.PrintError("Send failed", err, nil)
		return err
	}

	details := map[string]string{
		"Server":  cfg.Client.Server,
		"Suite":   cfg.Client.Suite,
		"Message": ui.FormatPayload(payload),
	}
	if local, err := c.LocalAddr(); err == nil {
		details["Local"] = local.String()
	}

	if sendWait > 0 {
		reply, err := waitReply(events, sendWait)
		if err != nil {
			printer.PrintError("Message sent, no reply", err, []string{
				"The server may be running with --mode log",
			})
			return err
		}
		details["Reply"] = ui.FormatPayload(reply)
	}

	printer.PrintSuccess("Message sent", details)
	return nil
}

// waitReply returns the payload of the next Receive event
func waitReply(events *event.Subscription, wait time.Duration) (any, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case ev, ok := <-events.C:
		if !ok {
			return nil, errNoReply
		}
		if ev.Kind == event.Disconnect {
			return nil, errors.New("server closed the connection")
		}
		return ev.Payload, nil
	case <-timer.C:
		return nil, errNoReply
	}
}

// Config command
var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with default values",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfigPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
		}
		if err := config.Default().Save(path); err != nil {
			return err
		}
		ui.NewPrinter(os.Stdout).PrintSuccess("Config written", map[string]string{"Path": path})
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

func init() {
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
