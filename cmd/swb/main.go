package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"switchboard/internal/app"
	"switchboard/internal/config"
	"switchboard/internal/gateway"
	"switchboard/internal/logging"
	"switchboard/internal/mcpserver"
	"switchboard/internal/proxy"
	"switchboard/internal/resilience"
	"switchboard/internal/server"
)

var version = "dev"

const exitLockHeld = 3

var rootCmd = &cobra.Command{
	Use:   "swb",
	Short: "Switchboard coordination engine",
	Long: `Switchboard coordinates a team of AI agents working on shared projects.
- Agents register by unique name and are referenced by id or name.
- Tasks carry a priority and an optional assignee; assigning work is checked for
  workload, dependency and availability conflicts.
- Messages go to one agent or are broadcast to the project.
- Sessions record which agents are present.
One primary process owns storage and serves HTTP; 'swb mcp' forwards to it when it is
running and becomes the primary otherwise.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, resilience.ErrLockHeld) {
		return exitLockHeld
	}
	return 1
}

func initConfig() {
	viper.SetEnvPrefix("SWB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <data-dir>/swb.yaml when present)")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("url", "", "base URL of the primary instance")
	rootCmd.PersistentFlags().String("token", "", "bearer token for the primary instance")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	for _, name := range []string{"config", "data-dir", "log-level", "url", "token", "json"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(callCmd())
	rootCmd.AddCommand(toolsCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
}

// loadConfig layers the config file, SWB_* variables and persistent flags, in that order.
func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")
	if path == "" {
		dataDir := viper.GetString("data-dir")
		if dataDir == "" {
			dataDir = config.Default().DataDir
		}
		if candidate := config.Path(dataDir); fileExists(candidate) {
			path = candidate
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v := viper.GetString("url"); v != "" {
		cfg.Proxy.URL = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	logger := logging.New(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)
	return logger
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the primary instance: storage plus the HTTP tool surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger := newLogger(cfg)
			a, err := app.Start(cmd.Context(), cfg, logger, app.Options{Version: version})
			if err != nil {
				return err
			}
			defer a.Close()
			ln, err := a.Listen()
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Serving Switchboard on http://%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", ln.Addr())
			return a.Serve(cmd.Context(), ln)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tool catalog over MCP stdio, forwarding to a running primary when there is one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			backend, err := app.SelectBackend(cmd.Context(), cfg, logger, nil, app.Options{Version: version})
			if err != nil {
				return err
			}
			defer backend.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			served := make(chan error, 1)
			if backend.App != nil {
				ln, err := backend.App.Listen()
				if err != nil {
					return err
				}
				go func() { served <- backend.App.Serve(ctx, ln) }()
			} else {
				close(served)
			}

			srv, err := mcpserver.New("switchboard", version, gateway.Catalog(), backend.Invoker, logger)
			if err != nil {
				cancel()
				<-served
				return err
			}
			logger.Info("mcp stdio ready", "mode", backend.Mode)
			err = srv.ServeStdio(ctx, os.Stdin, os.Stdout)
			cancel()
			if serveErr := <-served; serveErr != nil {
				logger.Error("http surface stopped with error", "err", serveErr)
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// peerClient returns a client for the primary. An explicit --token wins over one minted
// from the configured secret.
func peerClient() (*proxy.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	client := app.NewClient(cfg, time.Now)
	if tok := viper.GetString("token"); tok != "" {
		client.Tokens = nil
		client.BearerToken = tok
	}
	return client, nil
}

// callInto sends req as the arguments of op and decodes the result into out.
func callInto(ctx context.Context, op string, req, out any) error {
	client, err := peerClient()
	if err != nil {
		return err
	}
	args, err := json.Marshal(req)
	if err != nil {
		return err
	}
	raw, err := client.Call(ctx, op, args)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func callCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <op> [json|-]",
		Short: "Invoke one tool on the primary and print its result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := peerClient()
			if err != nil {
				return err
			}
			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
				if args[1] == "-" {
					if payload, err = io.ReadAll(os.Stdin); err != nil {
						return err
					}
				}
			}
			raw, err := client.Call(cmd.Context(), args[0], payload)
			if err != nil {
				var toolErr *proxy.ToolError
				if errors.As(err, &toolErr) && len(toolErr.Details) > 0 {
					b, _ := json.Marshal(toolErr.Details)
					return fmt.Errorf("%s: %s %s", toolErr.Code, toolErr.Message, b)
				}
				return err
			}
			return printJSON(raw)
		},
	}
}

func toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools the primary exposes",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := peerClient()
			if err != nil {
				return err
			}
			tools, err := client.Tools(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(tools)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Name", "Required", "Description"})
			for _, tool := range tools {
				var required []string
				for _, p := range tool.Params {
					if p.Required {
						required = append(required, p.Name)
					}
				}
				tw.AppendRow(table.Row{tool.Name, strings.Join(required, ", "), tool.Description})
			}
			tw.Render()
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report readiness of the primary",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := peerClient()
			if err != nil {
				return err
			}
			st, err := client.Ready(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				if err := printJSON(st); err != nil {
					return err
				}
			} else {
				fmt.Printf("ready=%t storage_connected=%t breaker=%s\n", st.Ready, st.StorageConnected, st.BreakerState)
			}
			if !st.Ready {
				return errors.New("primary is not ready")
			}
			return nil
		},
	}
}

func agentsCmd() *cobra.Command {
	var req gateway.ProjectRequest
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res gateway.AgentList
			if err := callInto(cmd.Context(), "agent_list", req, &res); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "Name", "Type", "Status", "Capabilities", "Last Seen"})
			for _, a := range res.Agents {
				tw.AppendRow(table.Row{a.ID, a.Name, a.Type, a.Status, strings.Join(a.Capabilities, ","), a.LastSeen})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ProjectID, "project", "", "only agents working in this project")
	return cmd
}

func tasksCmd() *cobra.Command {
	var req gateway.TaskListRequest
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res gateway.TaskList
			if err := callInto(cmd.Context(), "task_list", req, &res); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Assignee"})
			for _, t := range res.Tasks {
				assignee := ""
				if t.AssignedTo != nil {
					assignee = *t.AssignedTo
				}
				tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, assignee})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&req.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&req.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&req.AssignedTo, "assignee", "", "assignee id or name")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "maximum rows")
	return cmd
}

func sessionsCmd() *cobra.Command {
	var req gateway.ProjectRequest
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List active sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res gateway.SessionList
			if err := callInto(cmd.Context(), "agent_sessions", req, &res); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Agent", "Session", "Project", "Agent Status", "Last Activity"})
			for _, s := range res.Sessions {
				name := s.AgentName
				if name == "" {
					name = s.AgentID
				}
				tw.AppendRow(table.Row{name, s.SessionName, s.ProjectID, s.AgentStatus, s.LastActivity})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ProjectID, "project", "", "project id")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var req gateway.EventsTailRequest
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res gateway.EventList
			if err := callInto(cmd.Context(), "events_tail", req, &res); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
			for _, evt := range res.Events {
				tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&req.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&req.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&req.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&req.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&req.EntityID, "entity-id", "", "entity id")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token from auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret (SWB_AUTH_JWT_SECRET) is not set")
			}
			tok, err := server.IssueToken(cfg.Auth.JWTSecret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "swb-cli", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret != "" {
				cfg.Auth.JWTSecret = "<redacted>"
			}
			for i := range cfg.Webhooks {
				if cfg.Webhooks[i].Secret != "" {
					cfg.Webhooks[i].Secret = "<redacted>"
				}
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
