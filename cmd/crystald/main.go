// crystald is the session orchestration daemon: it owns the sessions, their
// worktrees, and the agent subprocesses, and streams lifecycle events to
// presentation clients over a loopback WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stravu/crystal-core/cli"
	"github.com/stravu/crystal-core/config"
	"github.com/stravu/crystal-core/db"
	"github.com/stravu/crystal-core/exec"
	"github.com/stravu/crystal-core/logger"
	"github.com/stravu/crystal-core/orchestrator"
	"github.com/stravu/crystal-core/paths"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	listenAddr   string
	debugMode    bool
	checkPrereqs bool
)

var rootCmd = &cobra.Command{
	Use:   "crystald",
	Short: "Session orchestration daemon for AI coding agents",
	Long: `crystald manages coding sessions, each bound to an isolated git worktree
and driven by an AI coding agent (claude or codex). Session and panel
lifecycle events are streamed to clients over a WebSocket on the listen
address.`,
	RunE:          runDaemon,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&listenAddr, "addr", "127.0.0.1:9268", "HTTP listen address")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.Flags().BoolVar(&checkPrereqs, "check-prereqs", false, "Check CLI prerequisites and exit")
}

func main() {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(versionTemplate())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionTemplate() string {
	if commit != "none" && commit != "" {
		return fmt.Sprintf("crystald %s\n  commit: %s\n  built:  %s\n", version, commit, date)
	}
	return fmt.Sprintf("crystald %s\n", version)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger.SetDebug(debugMode)
	defer logger.Close()
	log := logger.WithComponent("crystald")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	prereqs := cli.DefaultPrerequisites(cfg.GetClaudeExecutable(), cfg.GetCodexExecutable())
	if checkPrereqs {
		fmt.Print(cli.FormatCheckResults(cli.CheckAll(prereqs)))
		return nil
	}
	if err := cli.ValidateRequired(prereqs); err != nil {
		return fmt.Errorf("%w\n\nRun 'crystald --check-prereqs' to see all prerequisites", err)
	}

	dbPath, err := paths.DatabasePath()
	if err != nil {
		return err
	}
	ctx := context.Background()
	dbs, err := db.Open(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer dbs.Close()
	if err := dbs.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	orch, err := orchestrator.New(cfg, dbs, exec.NewRealExecutor())
	if err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/events", orch.Hub())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("crystald listening", "addr", listenAddr, "version", version)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		log.Error("server failed", "error", err)
		orch.Shutdown()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx) //nolint:errcheck
	orch.Shutdown()
	return nil
}
