package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/harun/steward/internal/observability"
	"github.com/harun/steward/pkg/cron"
	"github.com/harun/steward/pkg/toolexecutor"
	"github.com/spf13/cobra"
)

const (
	pidFileName   = "steward.pid"
	cronStateFile = "cron-state.json"
)

var (
	metricsAddr string
	cronTZ      string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the steward maintenance daemon",
	Long: `Start the steward maintenance daemon in the foreground.
The daemon sweeps expired approvals, prunes attachments past retention,
reloads the tool manifest on change and serves Prometheus metrics.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9464", "address for the /metrics endpoint (empty disables)")
	startCmd.Flags().StringVar(&cronTZ, "tz", "", "timezone for maintenance schedules (default local)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	pidFile := pidFilePath(a.cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer os.Remove(pidFile)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch, err := a.orchestrator(ctx)
	if err != nil {
		return err
	}
	sink, err := a.attachmentSink(ctx)
	if err != nil {
		return err
	}

	if a.cfg.Catalog.Watch && a.cfg.Catalog.ManifestPath != "" {
		if _, err := os.Stat(a.cfg.Catalog.ManifestPath); err == nil {
			watcher, err := toolexecutor.NewManifestWatcher(a.cfg.Catalog.ManifestPath, a.registry, a.logger)
			if err != nil {
				return err
			}
			defer watcher.Stop()
		}
	}

	svc, err := cron.NewService(cron.ServiceOptions{
		StatePath: filepath.Join(a.cfg.DataDir, cronStateFile),
		Logger:    a.logger,
		OnEvent: func(evt cron.Event) {
			observability.RecordMaintenanceRun(evt.Job, evt.Status, evt.DurationMs)
		},
	})
	if err != nil {
		return err
	}
	err = cron.RegisterMaintenance(svc, cron.MaintenanceConfig{
		ApprovalSweep:     a.cfg.Maintenance.ApprovalSweep,
		AttachmentCleanup: a.cfg.Maintenance.AttachmentCleanup,
		TZ:                cronTZ,
		Retention:         a.cfg.Attachments.Retention(),
		Approvals:         orch,
		Attachments:       sink,
	})
	if err != nil {
		return err
	}
	svc.Start()

	var server *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		server = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error().Err(err).Str("addr", metricsAddr).Msg("Metrics server failed")
			}
		}()
	}

	a.logger.Info().
		Int("pid", os.Getpid()).
		Int("jobs", len(svc.Jobs())).
		Str("metrics_addr", metricsAddr).
		Msg("Steward daemon started")
	fmt.Fprintf(cmd.OutOrStdout(), "Steward daemon running (PID %d)\n", os.Getpid())

	<-ctx.Done()
	a.logger.Info().Msg("Shutting down steward daemon")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error().Err(err).Msg("Failed to stop metrics server")
		}
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("Failed to stop maintenance jobs")
	}
	return nil
}

func pidFilePath(dataDir string) string {
	if dataDir == "" {
		return filepath.Join(os.TempDir(), pidFileName)
	}
	return filepath.Join(dataDir, pidFileName)
}

// daemonPIDFile resolves the PID file from config without building the app.
func daemonPIDFile() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return pidFilePath(cfg.DataDir), nil
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid PID %d", pid)
	}
	return pid, nil
}

func isRunning(pidFile string) bool {
	pid, err := readPID(pidFile)
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so check with signal 0
	return process.Signal(syscall.Signal(0)) == nil
}
