package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cleanupOlderThan time.Duration

var attachmentsCmd = &cobra.Command{
	Use:   "attachments",
	Short: "Inspect and prune stored attachments",
}

var attachmentsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete attachments older than the retention window",
	Long: `Delete attachments created before the retention window and remove blobs
no remaining attachment references. Defaults to attachments.retention_days.`,
	Args: cobra.NoArgs,
	RunE: runAttachmentsCleanup,
}

var attachmentsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show attachment metadata",
	Args:  cobra.ExactArgs(1),
	RunE:  runAttachmentsShow,
}

func init() {
	attachmentsCleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 0, "retention window, e.g. 72h (default from config)")
	attachmentsCmd.AddCommand(attachmentsCleanupCmd, attachmentsShowCmd)
	rootCmd.AddCommand(attachmentsCmd)
}

func runAttachmentsCleanup(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	olderThan := cleanupOlderThan
	if olderThan <= 0 {
		olderThan = a.cfg.Attachments.Retention()
	}
	if olderThan <= 0 {
		return fmt.Errorf("retention must be positive")
	}

	sink, err := a.attachmentSink(cmd.Context())
	if err != nil {
		return err
	}
	report, err := sink.Cleanup(cmd.Context(), olderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d attachments, %d blobs\n", report.Attachments, report.Blobs)
	return nil
}

func runAttachmentsShow(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sink, err := a.attachmentSink(cmd.Context())
	if err != nil {
		return err
	}
	att, err := sink.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), att)
}
