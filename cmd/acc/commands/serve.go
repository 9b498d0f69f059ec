package commands

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/config"
	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/controller"
	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/orchestrator"
	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/realtime"
	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/store"
	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/watcher"
)

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the session server",
		Long:  `Starts the HTTP server exposing the WebSocket and REST API for managing agent sessions.`,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	root := cfg.DataDir
	if root == "" {
		root = store.DefaultRoot()
	}
	st := store.NewFileStore(root)

	orch := orchestrator.New(st, orchestrator.Options{
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		CleanupInterval:       cfg.CleanupInterval(),
		SessionMaxAge:         cfg.SessionMaxAge(),
		Factory: func() controller.Controller {
			return controller.NewCLI(controller.Options{
				Binary:        cfg.ClaudeBinary,
				PromptTimeout: cfg.PromptTimeout(),
				Logger:        logger,
			})
		},
		Logger: logger,
	})

	// The watcher callback binds to the realtime server created below.
	var rtServer *realtime.Server
	fileWatch := watcher.New(func(sessionID string, fileCount int, touched []string) {
		if rtServer != nil {
			rtServer.OnFileUpdate(sessionID, fileCount, touched)
		}
	}, logger)

	rtServer = realtime.New(orch, fileWatch, cfg.StaticDir, logger)

	orch.Start()

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: rtServer.Handler(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down")
		fileWatch.Shutdown()
		orch.Shutdown()
		httpServer.Close()
	}()

	logger.Info("server running", "addr", fmt.Sprintf("http://localhost:%d", cfg.Port), "sessions_dir", root)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
