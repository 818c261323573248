// udpcast is the CLI entry point.
//
// This tool streams a verifiable test pattern from one sender to any number of
// receivers over UDP multicast, with NAK-based repair and per-receiver
// congestion control.
//
// It can be launched interactively (no subcommand) or non-interactively via
// the send, recv and loop subcommands.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/1ureka/udpcast/internal/app"
	"github.com/1ureka/udpcast/internal/config"
	"github.com/1ureka/udpcast/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// cli carries what every command shares.
type cli struct {
	v          *viper.Viper
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:           "udpcast",
		Short:         "Reliable multicast over UDP",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runInteractive(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "Config file (yaml, toml or json)")
	flags.BoolVar(&c.debug, "debug", false, "Enable debug logging")
	addConfigFlags(flags, config.Default())

	root.AddCommand(
		c.modeCmd(config.ModeSend, "Send the test stream to the multicast group"),
		c.modeCmd(config.ModeRecv, "Join a sender and verify its stream"),
		c.modeCmd(config.ModeLoop, "Run a sender and a receiver in this process over loopback"),
	)
	return root
}

// addConfigFlags declares one flag per config key, defaulting to def.
func addConfigFlags(flags *pflag.FlagSet, def config.Config) {
	flags.String("bind", def.Bind, "Local address (default depends on the mode)")
	flags.String("group", def.Group, "Multicast group, host:port")
	flags.String("sender", def.Sender, "Sender address, host:port (recv only)")
	flags.String("interface", def.Interface, "Multicast interface name")
	flags.Int("ttl", def.TTL, "Multicast TTL")
	flags.Bool("loopback", def.Loopback, "Deliver our own group traffic to local sockets")

	flags.Int("max-segment-size", def.MaxSegmentSize, "Largest payload per datagram in bytes")
	flags.Int64("rate-limit", def.RateLimit, "Outgoing bytes per second, 0 for unlimited")
	flags.Float64("slowness-factor", def.SlownessFactor, "Evict receivers slower than this factor of the mean, 0 disables")
	flags.Int("send-buffer", def.SendBuffer, "Socket send buffer in bytes")
	flags.Int("recv-buffer", def.RecvBuffer, "Socket receive buffer in bytes")
	flags.Duration("tick-interval", def.TickInterval, "Event loop tick interval")
	flags.Int("join-retries", def.JoinRetries, "Join attempts before giving up")

	flags.Int("segments", def.Segments, "Segments to send, 0 for endless")
	flags.Duration("stats-interval", def.StatsInterval, "Interval of the stats line")
	flags.String("monitor", def.Monitor, "HTTP monitor address (e.g. 127.0.0.1:9090), empty disables")
	flags.String("log-level", def.LogLevel, "Log level: debug, info, warn or error")
}

func (c *cli) modeCmd(mode config.Mode, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(mode),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, mode)
		},
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks for the mode (and the sender for recv) when no
// subcommand is given.
func (c *cli) runInteractive(cmd *cobra.Command) error {
	mode, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Send    — Stream to the multicast group",
			"Receive — Join a sender",
			"Loop    — Sender and receiver in this process",
		}).
		WithDefaultText("Select a mode").
		Show()

	pterm.Println()

	switch {
	case strings.HasPrefix(mode, "Send"):
		return c.run(cmd, config.ModeSend)
	case strings.HasPrefix(mode, "Receive"):
		if !cmd.Flags().Changed("sender") {
			c.v.Set("sender", askAddress("Sender address (host:port)"))
		}
		return c.run(cmd, config.ModeRecv)
	default:
		return c.run(cmd, config.ModeLoop)
	}
}

// run loads the configuration for mode and executes it.
func (c *cli) run(cmd *cobra.Command, mode config.Mode) error {
	if c.debug {
		util.EnableDebug()
	}

	if err := c.v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	c.v.Set("mode", string(mode))

	cfg, err := config.Load(c.configPath, c.v)
	if err != nil {
		return err
	}
	if !c.debug {
		if err := util.SetLogLevel(cfg.LogLevel); err != nil {
			return err
		}
	}

	pterm.Info.Println(fmt.Sprintf("udpcast — v%s (%s)", version, cfg.Mode))
	pterm.Println()

	ctx := cmd.Context()
	switch cfg.Mode {
	case config.ModeSend:
		err = app.RunSender(ctx, cfg)
	case config.ModeRecv:
		err = app.RunReceiver(ctx, cfg)
	case config.ModeLoop:
		err = app.RunLoop(ctx, cfg)
	}
	if err != nil {
		return err
	}

	util.LogInfo("session closed")
	return nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askAddress prompts the user for a host:port until a valid one is entered.
func askAddress(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		addr := strings.TrimSpace(raw)
		if _, _, err := net.SplitHostPort(addr); err == nil {
			pterm.Println()
			return addr
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter host:port")
	}
}
