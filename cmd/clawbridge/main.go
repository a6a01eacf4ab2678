package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/echo-of-machines/ClawBridge/internal/bridge"
	"github.com/echo-of-machines/ClawBridge/internal/config"
	"github.com/echo-of-machines/ClawBridge/internal/tools"
	"github.com/echo-of-machines/ClawBridge/internal/web"
	"github.com/echo-of-machines/ClawBridge/pkg/events"
)

var (
	// Version is set at build time
	Version = "dev"

	configPath  string
	account     string
	targetHost  string
	targetPort  int
	gatewayURL  string
	webAddr     string
	mcpStdio    bool
	noWeb       bool
	showVersion bool
)

var rootCmd = &cobra.Command{
	Use:   "clawbridge",
	Short: "Bridge a chat gateway to a debuggable desktop application",
	Long: `ClawBridge connects a chat-style gateway service to a locally running,
remote-debuggable application. It types incoming chat messages into the
application's input, watches the UI for the response, and forwards the
attributed response back to the gateway.

Basic usage:
  clawbridge                          # Start with ~/.clawbridge/bridge.toml
  clawbridge -c ./bridge.toml         # Explicit config file
  clawbridge -a work                  # Bridge the "work" account
  clawbridge --target-port 9333       # Override the debug endpoint port
  clawbridge --mcp                    # Also serve MCP tools over stdio
  clawbridge --no-web                 # Disable the status HTTP endpoint

Both connections reconnect on their own with exponential backoff; loss of
either side never exits the process.`,
	RunE: runBridge,
}

func init() {
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version information")
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (default ~/.clawbridge/bridge.toml)")
	rootCmd.Flags().StringVarP(&account, "account", "a", "", "Account to bridge (default from config)")
	rootCmd.Flags().StringVar(&targetHost, "target-host", "", "Debug endpoint host override")
	rootCmd.Flags().IntVar(&targetPort, "target-port", 0, "Debug endpoint port override")
	rootCmd.Flags().StringVar(&gatewayURL, "gateway-url", "", "Gateway websocket URL override")
	rootCmd.Flags().StringVar(&webAddr, "web-addr", "", "Status endpoint address override")
	rootCmd.Flags().BoolVar(&mcpStdio, "mcp", false, "Serve MCP tools over stdio")
	rootCmd.Flags().BoolVar(&noWeb, "no-web", false, "Disable the status HTTP endpoint")

	rootCmd.Version = Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "bridge.toml"
	}
	return home + "/.clawbridge/bridge.toml"
}

func runBridge(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Printf("clawbridge %s\n", Version)
		return nil
	}

	if configPath == "" {
		configPath = defaultConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg)

	if mcpStdio {
		// Keep stdout clean for the MCP protocol.
		log.SetOutput(os.Stderr)
	}

	bridge.Version = Version
	bus := events.NewEventBus()
	defer bus.Shutdown()

	b := bridge.New(cfg, bus)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := b.StartAccount(ctx, account); err != nil {
		return err
	}
	defer b.StopAccount()

	watcher, err := config.Watch(configPath)
	if err != nil {
		log.Printf("config watch unavailable: %v", err)
	} else {
		watcher.OnReload(func(next *config.Config) {
			applyFlagOverrides(next)
			b.ApplyConfig(next)
		})
		defer watcher.Stop()
	}

	if cfg.Web.Enabled && !noWeb {
		ws := web.NewServer(b, bus)
		if _, err := ws.Start(cfg.Web.Addr); err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		defer ws.Stop()
	}

	if mcpStdio || cfg.Tools.Enabled {
		srv := tools.NewServer(b, Version)
		errCh := make(chan error, 1)
		go func() { errCh <- tools.ServeStdio(srv) }()
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		}
	}

	<-ctx.Done()
	log.Printf("shutting down")
	return nil
}

// applyFlagOverrides lets command-line flags win over the config file.
func applyFlagOverrides(cfg *config.Config) {
	if targetHost != "" {
		cfg.Target.Host = targetHost
	}
	if targetPort != 0 {
		cfg.Target.Port = targetPort
	}
	if gatewayURL != "" {
		cfg.Gateway.URL = gatewayURL
	}
	if webAddr != "" {
		cfg.Web.Addr = webAddr
	}
}
