package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/harun/steward/pkg/agent"
	"github.com/harun/steward/pkg/toolexecutor"
	"github.com/spf13/cobra"
)

var (
	resumeFlags      turnFlags
	resumeApprove    bool
	resumeReject     bool
	resumeComment    string
	resumeDecision   string
	resumeResultFile string
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Answer a pending approval and continue the thread",
	Long: `Answer the approval a thread is suspended on. Use --approve or --reject
(optionally with --comment), --decision with a raw JSON decision, or
--result-file with the output of a client-rendered tool.`,
	RunE: runResume,
}

func init() {
	resumeFlags.register(resumeCmd)
	resumeCmd.Flags().BoolVar(&resumeApprove, "approve", false, "approve the pending tool call")
	resumeCmd.Flags().BoolVar(&resumeReject, "reject", false, "reject the pending tool call")
	resumeCmd.Flags().StringVar(&resumeComment, "comment", "", "comment passed back to the model on rejection")
	resumeCmd.Flags().StringVar(&resumeDecision, "decision", "", "raw JSON decision payload")
	resumeCmd.Flags().StringVar(&resumeResultFile, "result-file", "", "JSON file with a client tool result")
	resumeCmd.MarkFlagsMutuallyExclusive("approve", "reject", "decision", "result-file")
	rootCmd.AddCommand(resumeCmd)
}

func buildDecision(cmd *cobra.Command) (toolexecutor.Decision, error) {
	switch {
	case resumeApprove:
		return toolexecutor.Approve(), nil
	case resumeReject:
		if cmd.Flags().Changed("comment") {
			comment := resumeComment
			return toolexecutor.Reject(&comment), nil
		}
		return toolexecutor.Reject(nil), nil
	case resumeDecision != "":
		return toolexecutor.ParseDecision([]byte(resumeDecision))
	case resumeResultFile != "":
		data, err := os.ReadFile(resumeResultFile)
		if err != nil {
			return toolexecutor.Decision{}, fmt.Errorf("failed to read result file: %w", err)
		}
		if !json.Valid(data) {
			return toolexecutor.Decision{}, fmt.Errorf("result file is not valid JSON")
		}
		return toolexecutor.ParseDecision(data)
	}
	return toolexecutor.Decision{}, fmt.Errorf("one of --approve, --reject, --decision or --result-file is required")
}

func runResume(cmd *cobra.Command, args []string) error {
	decision, err := buildDecision(cmd)
	if err != nil {
		return err
	}
	secrets, err := resumeFlags.secrets()
	if err != nil {
		return err
	}
	frontend, err := resumeFlags.frontend()
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	a.log.RedactValues(secrets.Values()...)

	ctx := resumeFlags.context(cmd.Context())
	orch, err := a.orchestrator(ctx)
	if err != nil {
		return err
	}

	result, err := orch.Resume(ctx, agent.ResumeRequest{
		ThreadID:       resumeFlags.threadID,
		ExplicitUserID: resumeFlags.userID,
		Decision:       decision,
		Secrets:        secrets,
		Request:        resumeFlags.request(),
		Frontend:       frontend,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}
