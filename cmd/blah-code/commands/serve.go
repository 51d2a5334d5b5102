package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/blah-code/blah-code/internal/broker"
	"github.com/blah-code/blah-code/internal/config"
	"github.com/blah-code/blah-code/internal/daemon"
	"github.com/blah-code/blah-code/internal/logging"
	"github.com/blah-code/blah-code/internal/modeltransport"
	"github.com/blah-code/blah-code/internal/policy"
	"github.com/blah-code/blah-code/internal/store"
	"github.com/blah-code/blah-code/internal/toolruntime"
	"github.com/blah-code/blah-code/internal/toolruntime/mcpclient"
)

var (
	serveHost string
	servePort int
	serveDir  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the blah-code daemon",
	Long:  `Start blah-code as a headless daemon exposing the HTTP API described in its external interface.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config daemon.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config daemon.port)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}

	if model := GetGlobalModel(); model != "" {
		appConfig.Model = model
	}

	cfg := daemon.DefaultConfig()
	cfg.Cwd = workDir
	cfg.ModelID = appConfig.Model
	cfg.DBPath = paths.SessionsDBPath()
	cfg.LogPath = paths.CurrentLogPath()
	if appConfig.Daemon.Host != "" {
		cfg.Host = appConfig.Daemon.Host
	}
	if appConfig.Daemon.Port != 0 {
		cfg.Port = appConfig.Daemon.Port
	}
	if serveHost != "" {
		cfg.Host = serveHost
	}
	if servePort != 0 {
		cfg.Port = servePort
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}

	tools := toolruntime.New()

	ctx := context.Background()
	mcpConfigs := make([]mcpclient.ServerConfig, 0, len(appConfig.MCP))
	for name, server := range appConfig.MCP {
		mcpConfigs = append(mcpConfigs, mcpclient.ServerConfig{
			Name:    name,
			Enabled: server.IsEnabled(),
			Command: server.Command,
			Args:    server.Args,
			Env:     server.Env,
			Cwd:     server.Cwd,
		})
	}
	if len(mcpConfigs) > 0 {
		registry, err := mcpclient.NewRegistry(ctx, mcpConfigs, "blah-code", Version)
		if err != nil {
			logging.Warn().Err(err).Msg("failed to start one or more MCP servers")
		}
		if registry != nil {
			tools.SetExternal(registry)
		}
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	var transport modeltransport.Transport
	if apiKey != "" {
		anthropicTransport, err := modeltransport.NewAnthropicTransport(apiKey, cfg.ModelID)
		if err != nil {
			return err
		}
		transport = anthropicTransport
	}

	initialPolicy, err := policy.Normalize(appConfig.Permission)
	if err != nil {
		return err
	}

	d := daemon.New(cfg, st, tools, transport, broker.New(), initialPolicy)

	go func() {
		logging.Info().
			Str("host", cfg.Host).
			Int("port", cfg.Port).
			Msg("daemon listening")
		if err := d.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("daemon error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down daemon")

	if err := tools.Close(); err != nil {
		logging.Warn().Err(err).Msg("error closing tool runtime")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("daemon shutdown error")
	}

	if err := st.Close(); err != nil {
		logging.Warn().Err(err).Msg("error closing session store")
	}

	logging.Info().Msg("daemon stopped")
	return nil
}
