package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/autorun-cli/autorun/internal/api"
	"github.com/autorun-cli/autorun/internal/daemon"
	"github.com/autorun-cli/autorun/internal/output"
	"github.com/autorun-cli/autorun/internal/sweeper"
)

var serveDetach bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and monitor sweeper",
	Long: `Run the HTTP API server and the monitor sweeper in the foreground.
With --detach the server forks into the background and logs to a file
next to the PID file. Stop it with 'autorun serve stop'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveDetach {
			return serveDetachRun()
		}
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a detached server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a detached server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.Flags().BoolVarP(&serveDetach, "detach", "d", false, "Run in the background")
	serveCmd.Flags().String("addr", "", "Listen address (overrides config)")
	_ = viper.BindPFlag("serve.addr", serveCmd.Flags().Lookup("addr"))

	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(viper.GetString("serve.pid_file"))
}

func serveLogPath() string {
	return filepath.Join(filepath.Dir(viper.GetString("serve.pid_file")), "autorun-serve.log")
}

func serveStartRun() error {
	pf := pidFile()
	if err := pf.Acquire(); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			pid, _ := pf.Read()
			return fmt.Errorf("server already running (pid %d)", pid)
		}
		return err
	}
	defer func() { _ = pf.Release() }()

	svc, err := getService()
	if err != nil {
		return err
	}
	run, err := getRunner()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	srv := api.NewServer(svc, run, currentOwner(), logger, nil)
	sw := sweeper.New(svc.Store(), logger)
	sw.Notify = srv.Metrics().ObserveSweep

	addr := viper.GetString("serve.addr")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	go func() { _ = sw.Run(ctx) }()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		ui.Info("Serving API at http://%s (Ctrl-C to stop)", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("http server stopped")
	return nil
}

// serveDetachRun re-execs the binary as a background process and
// returns once the child is started.
func serveDetachRun() error {
	logPath := serveLogPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	exe, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"serve"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start background server: %w", err)
	}

	ui.Success("Server started in background (pid %s)", output.Cyan(fmt.Sprintf("%d", child.Process.Pid)))
	ui.Info("Logs: %s", logPath)
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		_ = pf.Release()
		return fmt.Errorf("server not running")
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}

	// Give it a moment to shut down cleanly, then report.
	for i := 0; i < 20; i++ {
		if _, still := pf.IsRunning(); !still {
			ui.Success("Server stopped (pid %d)", pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	ui.Warning("Sent stop signal to pid %d, but it is still shutting down", pid)
	return nil
}

func serveStatusRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		ui.Success("Server running (pid %d) at http://%s", pid, viper.GetString("serve.addr"))
		return nil
	}
	ui.Info("Server not running.")
	return nil
}
