package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/runsync/internal/backend"
	"github.com/xiaot623/gogo/runsync/internal/cache"
	"github.com/xiaot623/gogo/runsync/internal/config"
	"github.com/xiaot623/gogo/runsync/internal/controller"
	"github.com/xiaot623/gogo/runsync/internal/domain"
	"github.com/xiaot623/gogo/runsync/internal/hub"
	internalhttp "github.com/xiaot623/gogo/runsync/internal/http"
	"github.com/xiaot623/gogo/runsync/internal/metrics"
	"github.com/xiaot623/gogo/runsync/internal/policy"
	"github.com/xiaot623/gogo/runsync/internal/reconciler"
	"github.com/xiaot623/gogo/runsync/internal/transport/ws"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "runsync",
		Short:         "Run synchronization client",
		Long:          "runsync keeps a local, reconciled copy of a session's run in step with the backend event stream.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newCacheCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) logr.Logger {
	stdr.SetVerbosity(cfg.Verbosity())
	return stdr.New(log.New(os.Stderr, "", log.LstdFlags))
}

func openCache(cfg *config.Config, logger logr.Logger, m *metrics.Metrics, onDegraded func(error)) (*cache.Cache, func()) {
	opts := cache.Options{
		Capacity:        cfg.CacheCapacity,
		PersistSessions: cfg.CachePersistSessions,
		MaxMessages:     cfg.CacheMaxMessages,
		MaxContent:      cfg.CacheMaxContent,
		Logger:          logger.WithName("cache"),
		Metrics:         m,
		OnDegraded:      onDegraded,
	}

	kv, err := cache.NewSQLiteKV(cfg.CacheDSN, cfg.CacheQuotaBytes)
	if err != nil {
		logger.Error(err, "session cache storage unavailable, keeping runs in memory")
		return cache.New(nil, opts), func() {}
	}
	return cache.New(kv, opts), func() {
		if err := kv.Close(); err != nil {
			logger.Error(err, "failed to close session cache storage")
		}
	}
}

func newStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a task on a session and follow its run",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, _ := cmd.Flags().GetString("session")
			query, _ := cmd.Flags().GetString("query")
			plan, _ := cmd.Flags().GetString("plan")
			fresh, _ := cmd.Flags().GetBool("fresh")
			serve, _ := cmd.Flags().GetBool("serve")
			teamPath, _ := cmd.Flags().GetString("team")
			policyPath, _ := cmd.Flags().GetString("approval-policy")

			cfg := config.Load()
			if v, _ := cmd.Flags().GetString("backend"); v != "" {
				cfg.BackendURL = v
				cfg.WSURL = config.DeriveWSURL(v)
			}
			if v, _ := cmd.Flags().GetString("user"); v != "" {
				cfg.UserID = v
			}

			var team json.RawMessage
			if teamPath != "" {
				data, err := os.ReadFile(teamPath)
				if err != nil {
					return fmt.Errorf("failed to read team config: %w", err)
				}
				if !json.Valid(data) {
					return fmt.Errorf("team config %s is not valid JSON", teamPath)
				}
				team = data
			}

			engine, err := loadPolicy(cmd.Context(), policyPath)
			if err != nil {
				return err
			}

			return runStart(cmd.Context(), cfg, sessionID, controller.Task{
				Query:       query,
				Plan:        plan,
				FreshSocket: fresh,
			}, team, serve, engine)
		},
	}

	cmd.Flags().StringP("session", "s", "", "Session ID")
	cmd.Flags().StringP("query", "q", "", "Task to start")
	cmd.Flags().String("plan", "", "Plan to attach to the task (JSON string)")
	cmd.Flags().String("team", "", "Path to a team configuration JSON file")
	cmd.Flags().String("approval-policy", "", `Rego policy deciding plan approvals ("default" for the built-in one)`)
	cmd.Flags().Bool("fresh", false, "Always open a new connection")
	cmd.Flags().Bool("serve", false, "Serve health, metrics and run snapshots on HTTP_PORT")
	cmd.Flags().String("backend", "", "Backend base URL (overrides BACKEND_URL)")
	cmd.Flags().String("user", "", "User ID (overrides USER_ID)")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

// loadPolicy prepares the approval policy at path. An empty path disables
// automatic decisions.
func loadPolicy(ctx context.Context, path string) (*policy.Engine, error) {
	content := policy.DefaultPolicy
	switch path {
	case "":
		return nil, nil
	case "default":
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read approval policy: %w", err)
		}
		content = string(data)
	}
	engine, err := policy.NewEngine(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("failed to load approval policy: %w", err)
	}
	return engine, nil
}

func runStart(parent context.Context, cfg *config.Config, sessionID string, task controller.Task, team json.RawMessage, serve bool, engine *policy.Engine) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg)
	m := metrics.New()
	out := newConsole(os.Stdout)

	var rec *reconciler.Reconciler
	sessionCache, closeCache := openCache(cfg, logger, m, func(err error) {
		if rec != nil {
			rec.NotifyStorageDegraded(err)
		}
	})
	defer closeCache()

	dialer := ws.NewDialer(ws.Options{
		BaseURL:        cfg.WSURL,
		UserID:         cfg.UserID,
		ConnectTimeout: cfg.ConnectTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		PingInterval:   cfg.PingInterval,
		MaxMessageSize: cfg.MaxMessageSize,
		Logger:         logger.WithName("ws"),
	})
	connections := hub.NewHub(dialer, hub.WithLogger(logger.WithName("hub")), hub.WithMetrics(m))
	rec = reconciler.New(sessionCache, connections, reconciler.Options{
		InputTimeout: cfg.InputTimeout,
		ErrorGrace:   cfg.ErrorGrace,
		Logger:       logger.WithName("reconciler"),
		Metrics:      m,
		Observer:     out,
	})
	connections.SetSink(rec)
	defer rec.Stop()
	defer func() {
		if err := connections.CloseAll(); err != nil {
			logger.Error(err, "failed to close connections")
		}
	}()

	if !task.FreshSocket {
		out.Seed(rec.Restore(sessionID))
	}

	if serve {
		srv := internalhttp.NewServer(connections, sessionCache, rec, m)
		go func() {
			addr := fmt.Sprintf(":%d", cfg.HTTPPort)
			if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(err, "HTTP server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("HTTP server started", "port", cfg.HTTPPort)
	}

	ctl := controller.New(sessionID, connections, rec, backend.NewClient(cfg.BackendURL, cfg.UserID), controller.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		TeamConfig:     team,
		Logger:         logger.WithName("controller"),
		Metrics:        m,
	})

	if err := ctl.StartTask(ctx, task); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-out.Done():
			return nil
		case run := <-out.Requests():
			if engine == nil {
				continue
			}
			responded, err := decide(ctx, engine, ctl, sessionID, run, logger)
			if err != nil {
				fmt.Fprintf(os.Stderr, "\n!! %v (answer manually)\n", err)
			}
			if responded {
				out.Answered(rec.Run(sessionID))
			}
		case line, ok := <-lines:
			if !ok {
				select {
				case <-ctx.Done():
				case <-out.Done():
				}
				return nil
			}
			quit, responded, err := handleLine(ctx, ctl, strings.TrimSpace(line))
			if err != nil {
				fmt.Fprintf(os.Stderr, "\n!! %v (retry the command)\n", err)
			}
			if responded && err == nil {
				out.Answered(rec.Run(sessionID))
			}
			if quit {
				return nil
			}
		}
	}
}

// decide answers an approval request when the policy reaches a verdict. It
// reports whether a response was sent.
func decide(ctx context.Context, engine *policy.Engine, ctl *controller.Controller, sessionID string, run *domain.Run, logger logr.Logger) (bool, error) {
	if run.InputRequest == nil || run.InputRequest.Type != domain.InputTypeApproval {
		return false, nil
	}
	decision, err := engine.Evaluate(ctx, policy.Input(sessionID, run))
	if err != nil {
		return false, err
	}
	logger.V(1).Info("approval policy evaluated", "session", sessionID, "run", run.ID, "decision", decision)

	switch decision {
	case policy.DecisionApprove:
		fmt.Fprintln(os.Stdout, "policy: approved")
		err = ctl.SendInputResponse(ctx, controller.InputResponse{Content: "approve", Accepted: true})
	case policy.DecisionDeny:
		fmt.Fprintln(os.Stdout, "policy: denied")
		err = ctl.SendInputResponse(ctx, controller.InputResponse{Content: "deny", Accepted: false})
	default:
		return false, nil
	}
	return err == nil, err
}

// handleLine executes one line of user input. It reports whether to exit and
// whether the line answered an input request.
func handleLine(ctx context.Context, ctl *controller.Controller, line string) (quit, responded bool, err error) {
	switch line {
	case "":
		return false, false, nil
	case "/quit":
		return true, false, nil
	case "/pause":
		return false, false, ctl.Pause(ctx)
	case "/stop":
		return false, false, ctl.Cancel(ctx, "")
	case "/approve":
		return false, true, ctl.SendInputResponse(ctx, controller.InputResponse{Content: "approve", Accepted: true})
	case "/deny":
		return false, true, ctl.SendInputResponse(ctx, controller.InputResponse{Content: "deny", Accepted: false})
	case "/regenerate":
		return false, true, ctl.RegeneratePlan(ctx, "")
	}
	return false, true, ctl.SendInputResponse(ctx, controller.InputResponse{Content: line, Accepted: true})
}

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the persisted session cache",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print cached runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, _ := cmd.Flags().GetString("session")
			cfg := config.Load()
			logger := newLogger(cfg)
			c, closeCache := openCache(cfg, logger, nil, nil)
			defer closeCache()

			ids := c.SessionIDs()
			if sessionID != "" {
				ids = []string{sessionID}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			for _, id := range ids {
				run := c.Get(id)
				if run == nil {
					return fmt.Errorf("session %q is not cached", id)
				}
				if err := enc.Encode(map[string]interface{}{"session_id": id, "run": run}); err != nil {
					return err
				}
			}
			return nil
		},
	}
	showCmd.Flags().StringP("session", "s", "", "Only show this session")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove cached runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, _ := cmd.Flags().GetString("session")
			cfg := config.Load()
			logger := newLogger(cfg)
			c, closeCache := openCache(cfg, logger, nil, nil)
			defer closeCache()

			if sessionID != "" {
				c.Clear(sessionID)
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared session %s\n", sessionID)
				return nil
			}
			c.ClearAll()
			fmt.Fprintln(cmd.OutOrStdout(), "Cleared all sessions")
			return nil
		},
	}
	clearCmd.Flags().StringP("session", "s", "", "Only clear this session")

	cmd.AddCommand(showCmd, clearCmd)
	return cmd
}
