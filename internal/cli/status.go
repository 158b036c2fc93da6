package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/harun/steward/pkg/agent"
	"github.com/harun/steward/pkg/cron"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon, thread and maintenance status",
	Long: `Show whether the steward daemon is running, how many threads are
checkpointed, which threads wait on an approval and the last run of each
maintenance job.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	writeDaemonStatus(out, pidFilePath(a.cfg.DataDir))

	store, err := a.threadStore()
	if err != nil {
		return err
	}
	summaries, err := store.List(cmd.Context())
	if err != nil {
		return err
	}

	now := time.Now()
	var pending []agent.Turn
	for _, s := range summaries {
		cp, err := store.Load(cmd.Context(), s.ThreadID)
		if err != nil || cp == nil {
			continue
		}
		var turn agent.Turn
		if err := json.Unmarshal(cp.State, &turn); err != nil {
			a.logger.Warn().Err(err).Str("thread_id", s.ThreadID).Msg("Skipping unreadable checkpoint")
			continue
		}
		if turn.State == agent.StateAwaitingApproval && turn.Pending != nil {
			pending = append(pending, turn)
		}
	}

	fmt.Fprintf(out, "Threads: %d\n", len(summaries))
	fmt.Fprintf(out, "Pending approvals: %d\n", len(pending))
	if len(pending) > 0 {
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "THREAD\tTOOL\tKIND\tEXPIRES")
		for _, t := range pending {
			expires := "never"
			if !t.Pending.ExpiresAt.IsZero() {
				if t.Pending.Expired(now) {
					expires = "expired"
				} else {
					expires = formatDuration(t.Pending.ExpiresAt.Sub(now))
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ThreadID, t.Pending.ToolName, t.Pending.Kind, expires)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	states, err := cron.ReadState(filepath.Join(a.cfg.DataDir, cronStateFile))
	if err != nil {
		return err
	}
	writeJobStates(out, states)
	return nil
}

func writeDaemonStatus(out io.Writer, pidFile string) {
	if !isRunning(pidFile) {
		fmt.Fprintln(out, "Daemon: stopped")
		return
	}
	pid, err := readPID(pidFile)
	if err != nil {
		fmt.Fprintln(out, "Daemon: stopped")
		return
	}
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Daemon: running (PID %d, up %s)\n", pid, formatDuration(time.Since(info.ModTime())))
		return
	}
	fmt.Fprintf(out, "Daemon: running (PID %d)\n", pid)
}

func writeJobStates(out io.Writer, states map[string]cron.JobState) {
	if len(states) == 0 {
		fmt.Fprintln(out, "Maintenance: no runs recorded")
		return
	}
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tLAST RUN\tSTATUS\tSUMMARY")
	for _, name := range names {
		st := states[name]
		last := "-"
		if st.LastRunAt != nil {
			last = st.LastRunAt.Local().Format(time.RFC3339)
		}
		summary := st.LastSummary
		if st.LastError != "" {
			summary = st.LastError
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, last, st.LastStatus, summary)
	}
	_ = w.Flush()
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
