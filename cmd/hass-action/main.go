// Package main provides the entry point for the hass-action server and CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/aarmijo/hass-chatbot/configs"
	"github.com/aarmijo/hass-chatbot/internal/config"
	"github.com/aarmijo/hass-chatbot/internal/handlers"
	"github.com/aarmijo/hass-chatbot/internal/homeassistant"
	"github.com/aarmijo/hass-chatbot/internal/logging"
	"github.com/aarmijo/hass-chatbot/internal/mcp"
	"github.com/aarmijo/hass-chatbot/internal/metrics"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// App holds the CLI application state and dependencies.
type App struct {
	cfgFile            string
	baseURL            string
	token              string
	insecureSkipVerify bool
	transport          string
	port               int
	rootCmd            *cobra.Command
}

// NewApp creates a new CLI application instance with all dependencies.
func NewApp() *App {
	app := &App{}
	app.rootCmd = app.buildRootCmd()
	app.setupFlags()
	app.addCommands()
	return app
}

// buildRootCmd creates the root cobra command.
func (a *App) buildRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hass-action",
		Short: "Home Assistant action tool for LLM agents",
		Long: `hass-action exposes a single tool, run_hass_action, that calls a
Home Assistant service (for example light.turn_on) on one entity.

Without a subcommand it serves the tool over the Model Context Protocol
(JSON-RPC over HTTP). Use "hass-action call" to run one action directly.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          a.run,
	}
}

// setupFlags configures CLI flags and binds them to viper.
func (a *App) setupFlags() {
	flags := a.rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default: none, env and flags only)")
	flags.StringVar(&a.baseURL, "base-url", "", "Home Assistant base URL (e.g. http://homeassistant.local:8123)")
	flags.StringVar(&a.token, "token", "", "Home Assistant long-lived access token")
	flags.BoolVar(&a.insecureSkipVerify, "insecure-skip-verify", false, "accept self-signed TLS certificates")
	flags.StringVar(&a.transport, "transport", "", "service call transport: rest or websocket")
	flags.IntVar(&a.port, "port", 0, "MCP server port")

	bindPFlag("homeassistant.base_url", flags.Lookup("base-url"))
	bindPFlag("homeassistant.token", flags.Lookup("token"))
	bindPFlag("homeassistant.insecure_skip_verify", flags.Lookup("insecure-skip-verify"))
	bindPFlag("homeassistant.transport", flags.Lookup("transport"))
	bindPFlag("server.port", flags.Lookup("port"))
}

// addCommands adds subcommands to the root command.
func (a *App) addCommands() {
	a.rootCmd.AddCommand(a.buildConfigCmd())
	a.rootCmd.AddCommand(a.buildInitCmd())
	a.rootCmd.AddCommand(a.buildCallCmd())
	a.rootCmd.AddCommand(a.buildToolsCmd())
}

// buildConfigCmd creates the config subcommand that displays the effective configuration.
func (a *App) buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Display the effective configuration",
		Long: `Display the effective configuration with sensitive data masked.

This command shows the configuration that would be used if the server were started,
including values from the config file, environment variables, and CLI flags.
The access token is masked.`,
		Args: cobra.NoArgs,
		RunE: a.runConfig,
	}
	cmd.Flags().StringP("output", "o", "text", "output format: text or yaml")
	return cmd
}

// buildInitCmd creates the init subcommand that creates configuration files.
func (a *App) buildInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration files",
		Long: `Create configuration files in the current directory.

This command creates:
  - config.yaml: YAML configuration file
  - .env: Environment variables file

Existing files are left untouched.`,
		Args: cobra.NoArgs,
		RunE: a.runInit,
	}
}

// buildCallCmd creates the call subcommand that runs a single action.
func (a *App) buildCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call ENTITY_ID ACTION",
		Short: "Run one action on an entity",
		Long: `Run one Home Assistant action on an entity and print the result.

Action data can be given as a JSON object with --data, as key=value pairs
with --param, or both. --param values are parsed as JSON when possible
(brightness=80 sends a number) and otherwise sent as strings. --param
entries override keys from --data.`,
		Example: `  hass-action call light.kitchen turn_on --param brightness=80
  hass-action call climate.living_room set_temperature --data '{"temperature": 21}'
  hass-action call switch.fan toggle`,
		Args: cobra.ExactArgs(2),
		RunE: a.runCall,
	}
	cmd.Flags().String("data", "", "action data as a JSON object")
	cmd.Flags().StringArrayP("param", "p", nil, "action data entry as key=value (repeatable)")
	return cmd
}

// buildToolsCmd creates the tools subcommand that prints the tool definitions.
func (a *App) buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Print the tool definitions as JSON",
		Long: `Print the tool definitions exposed by the server.

--format mcp prints the tools/list result; --format openai prints
function-calling tool definitions for OpenAI compatible chat APIs.`,
		Args: cobra.NoArgs,
		RunE: a.runTools,
	}
	cmd.Flags().StringP("format", "f", "mcp", "output format: mcp or openai")
	return cmd
}

// runInit creates configuration files from embedded templates.
func (a *App) runInit(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	created := 0

	wasCreated, err := writeConfigFile(out, "config.yaml", configs.ConfigYAML)
	if err != nil {
		return err
	}
	if wasCreated {
		created++
	}

	wasCreated, err = writeConfigFile(out, ".env", configs.EnvExample)
	if err != nil {
		return err
	}
	if wasCreated {
		created++
	}

	if created == 0 {
		_, _ = fmt.Fprintln(out, "All configuration files already exist. Nothing to do.")
		return nil
	}

	_, _ = fmt.Fprintf(out, "Created %d configuration file(s) in current directory.\n", created)
	_, _ = fmt.Fprintln(out, "\nNext steps:")
	_, _ = fmt.Fprintln(out, "  1. Edit config.yaml or .env with your Home Assistant settings")
	_, _ = fmt.Fprintln(out, "  2. Run 'hass-action config' to verify your configuration")
	_, _ = fmt.Fprintln(out, "  3. Run 'hass-action' to start the server")

	return nil
}

// writeConfigFile writes content to a file if it doesn't already exist.
// Returns true if the file was created, false if it was skipped.
func writeConfigFile(out io.Writer, filename string, content []byte) (bool, error) {
	if _, err := os.Stat(filename); err == nil {
		_, _ = fmt.Fprintf(out, "Skipping %s (already exists)\n", filename)
		return false, nil
	}

	if err := os.WriteFile(filename, content, 0o600); err != nil {
		return false, fmt.Errorf("writing %s: %w", filename, err)
	}

	_, _ = fmt.Fprintf(out, "Created %s\n", filename)
	return true, nil
}

// runConfig loads and displays the effective configuration with masked sensitive data.
func (a *App) runConfig(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("output")

	// Missing credentials are shown, not rejected.
	cfg, err := config.LoadForDisplay(a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	masked := cfg.MaskedConfig()
	out := cmd.OutOrStdout()

	switch strings.ToLower(format) {
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(masked); err != nil {
			return fmt.Errorf("encoding configuration: %w", err)
		}
		return enc.Close()
	case "text", "":
	default:
		return fmt.Errorf("unknown output format %q (want text or yaml)", format)
	}

	ha := masked.HomeAssistant
	_, _ = fmt.Fprintln(out, "Effective Configuration")
	_, _ = fmt.Fprintln(out, "=======================")
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, "Home Assistant:")
	_, _ = fmt.Fprintf(out, "  Base URL:             %s\n", ha.BaseURL)
	_, _ = fmt.Fprintf(out, "  Token:                %s\n", ha.Token)
	_, _ = fmt.Fprintf(out, "  Transport:            %s\n", ha.Transport)
	_, _ = fmt.Fprintf(out, "  Timeout:              %s\n", ha.Timeout)
	_, _ = fmt.Fprintf(out, "  Insecure Skip Verify: %t\n", ha.InsecureSkipVerify)
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, "Server:")
	_, _ = fmt.Fprintf(out, "  Port:    %d\n", masked.Server.Port)
	_, _ = fmt.Fprintf(out, "  Metrics: %t\n", masked.Metrics.Enabled)
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, "Logging:")
	_, _ = fmt.Fprintf(out, "  Level: %s\n", masked.Logging.Level)

	return nil
}

// runCall performs a single invocation and prints the outcome.
func (a *App) runCall(cmd *cobra.Command, args []string) error {
	entityID, action := args[0], args[1]

	data, _ := cmd.Flags().GetString("data")
	pairs, _ := cmd.Flags().GetStringArray("param")
	params, err := buildParams(data, pairs)
	if err != nil {
		return err
	}

	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := newLogger(cfg.Logging.Level, cmd.ErrOrStderr())

	invoker, err := homeassistant.NewActionInvoker(cfg.HomeAssistant, homeassistant.WithLogger(logger))
	if err != nil {
		return err
	}

	res, err := invoker.Invoke(cmd.Context(), entityID, action, params)
	if err != nil {
		return err
	}
	if !res.OK {
		return errors.New(res.String())
	}

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), res.Message)
	return nil
}

// buildParams merges the --data object with --param key=value pairs.
func buildParams(data string, pairs []string) (map[string]any, error) {
	params := make(map[string]any)
	if strings.TrimSpace(data) != "" {
		if err := json.Unmarshal([]byte(data), &params); err != nil {
			return nil, fmt.Errorf("--data must be a JSON object: %w", err)
		}
		if params == nil {
			params = make(map[string]any)
		}
	}

	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("--param %q must have the form key=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		params[strings.TrimSpace(key)] = value
	}

	if len(params) == 0 {
		return nil, nil //nolint:nilnil // no action data
	}
	return params, nil
}

// runTools prints the tool definitions in the requested format.
func (a *App) runTools(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	tools := handlers.NewActionHandlers(nil).Tools()

	var payload any
	switch strings.ToLower(format) {
	case "mcp", "":
		payload = mcp.ToolsListResult{Tools: tools}
	case "openai":
		openaiTools, err := mcp.ToOpenAITools(tools)
		if err != nil {
			return err
		}
		payload = openaiTools
	default:
		return fmt.Errorf("unknown format %q (want mcp or openai)", format)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

// Execute runs the CLI application.
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// bindPFlag binds a flag to viper and logs an error if binding fails.
func bindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		log.Printf("warning: failed to bind flag %s: %v", key, err)
	}
}

// newLogger builds a logger for the configured level, falling back to INFO.
func newLogger(level string, w io.Writer) *logging.Logger {
	logLevel, err := logging.ParseLevel(level)
	if err != nil {
		log.Printf("Warning: invalid log level %q, using INFO", level)
		logLevel = logging.LevelInfo
	}
	return logging.NewWithWriter(logLevel, w)
}

func main() {
	app := NewApp()
	if err := app.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run executes the main server logic.
func (a *App) run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.Logging.Level, cmd.ErrOrStderr())
	logging.SetDefault(logger)

	logger.Info("Starting hass-action server", "port", cfg.Server.Port)
	logger.Info("Home Assistant", "base_url", cfg.HomeAssistant.BaseURL, "transport", cfg.HomeAssistant.Transport)
	logger.Info("Log level", "level", logging.LevelString(logger.Level()))
	if cfg.HomeAssistant.InsecureSkipVerify {
		logger.Warn("TLS certificate verification is disabled for Home Assistant")
	}

	invokerOpts := []homeassistant.InvokerOption{homeassistant.WithLogger(logger)}
	var serverOpts []mcp.ServerOption
	if cfg.Metrics.Enabled {
		recorder := metrics.NewRecorder()
		invokerOpts = append(invokerOpts, homeassistant.WithRecorder(recorder))
		serverOpts = append(serverOpts, mcp.WithMetricsHandler(recorder.Handler()))
	}

	invoker, err := homeassistant.NewActionInvoker(cfg.HomeAssistant, invokerOpts...)
	if err != nil {
		return err
	}

	registry := mcp.NewRegistry()
	handlers.RegisterAllTools(registry, invoker)
	logger.Info("Registered MCP tools", "count", registry.ToolCount())
	registry.LogRegisteredTools(logger)

	mcpServer := mcp.NewServer(registry, cfg.Server.Port, logger, serverOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- mcpServer.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("MCP server: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Received signal, shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mcpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", "error", err)
		return err
	}

	logger.Info("Shutdown complete")
	return nil
}
