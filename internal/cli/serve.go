package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"idlecode/internal/clock"
	"idlecode/internal/config"
	"idlecode/internal/realtime"
	"idlecode/internal/registry"
	"idlecode/internal/supervisor"
	"idlecode/internal/watcher"
)

func newServeCmd() *cobra.Command {
	var (
		port        int
		staticDir   string
		interpreter string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session server",
		Long: `Run the session server.

Clients connect over WebSocket at /ws. Sessions can also be driven through
the REST endpoints under /sessions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("static-dir") {
				cfg.StaticDir = staticDir
			}
			if cmd.Flags().Changed("interpreter") {
				cfg.Interpreter = interpreter
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger, err := newLogger(os.Stderr, cfg)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, &supervisor.ExecLauncher{})
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port")
	cmd.Flags().StringVar(&staticDir, "static-dir", "", "directory of the browser client")
	cmd.Flags().StringVar(&interpreter, "interpreter", "", "interpreter binary")
	return cmd
}

// stack is the assembled server.
type stack struct {
	procs    *supervisor.Supervisor
	watch    *watcher.Watcher
	registry *registry.Registry
	realtime *realtime.Server
}

func buildStack(cfg *config.Config, logger *slog.Logger, launcher supervisor.Launcher) (*stack, error) {
	matcher, err := cfg.Matcher()
	if err != nil {
		return nil, err
	}

	procs := supervisor.New(supervisor.Options{
		Launcher:    launcher,
		Interpreter: cfg.Interpreter,
		Flags:       cfg.InterpreterFlags(),
		KillGrace:   cfg.KillGrace,
		Clock:       clock.Real(),
		Logger:      logger.With("component", "supervisor"),
	})

	var reg *registry.Registry
	watch := watcher.New(func(sessionID, path string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := reg.FileChanged(ctx, sessionID, path); err != nil && !errors.Is(err, registry.ErrClosed) {
			logger.Warn("file change not delivered", "session_id", sessionID, "error", err)
		}
	}, watcher.Options{
		Debounce: cfg.WatchDebounce,
		Logger:   logger.With("component", "watcher"),
	})

	reg = registry.New(procs, registry.Options{
		Quiescence:      cfg.Quiescence,
		HistoryLimit:    cfg.HistoryLimit,
		AutoRestart:     cfg.AutoRestart,
		RerunOnChange:   cfg.RerunOnChange,
		ShutdownTimeout: cfg.KillGrace + time.Second,
		Matcher:         matcher,
		Watcher:         watch,
		Clock:           clock.Real(),
		Logger:          logger.With("component", "registry"),
	})

	rt := realtime.New(reg, realtime.Options{
		StaticDir:  cfg.StaticDir,
		SendBuffer: cfg.ObserverBuffer,
		Logger:     logger.With("component", "realtime"),
	})

	return &stack{procs: procs, watch: watch, registry: reg, realtime: rt}, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, launcher supervisor.Launcher) error {
	st, err := buildStack(cfg, logger, launcher)
	if err != nil {
		return err
	}

	regCtx, stopRegistry := context.WithCancel(context.Background())
	go st.registry.Run(regCtx)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: st.realtime.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", httpServer.Addr, "interpreter", cfg.Interpreter, "config", cfg.Path)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	st.realtime.CloseAll()
	st.watch.Shutdown()
	stopRegistry()
	<-st.registry.Done()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
