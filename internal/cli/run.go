package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/harun/steward/internal/tracing"
	"github.com/harun/steward/pkg/agent"
	"github.com/harun/steward/pkg/entitlement"
	"github.com/harun/steward/pkg/toolexecutor"
	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"
)

// turnFlags are shared by run and resume.
type turnFlags struct {
	threadID      string
	userID        string
	secretsFile   string
	collections   []string
	frontendTools string
	requestID     string
}

func (f *turnFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.threadID, "thread", "", "thread ID (required)")
	cmd.Flags().StringVar(&f.userID, "user", "", "explicit user ID")
	cmd.Flags().StringVar(&f.secretsFile, "secrets-file", "", "dotenv file with per-request secrets (email_address, email_password, ...)")
	cmd.Flags().StringSliceVar(&f.collections, "collections", nil, "document collections in scope for this request")
	cmd.Flags().StringVar(&f.frontendTools, "frontend-tools", "", "JSON file with an array of MCP tool descriptors rendered by the client")
	cmd.Flags().StringVar(&f.requestID, "request-id", "", "idempotency key; a repeated request on the same thread returns the first result")
	_ = cmd.MarkFlagRequired("thread")
}

func (f *turnFlags) reset() {
	*f = turnFlags{}
}

func (f *turnFlags) secrets() (entitlement.Secrets, error) {
	if f.secretsFile == "" {
		return nil, nil
	}
	values, err := godotenv.Read(f.secretsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	secrets := make(entitlement.Secrets, len(values))
	for k, v := range values {
		secrets[strings.ToLower(k)] = v
	}
	return secrets, nil
}

func (f *turnFlags) frontend() ([]toolexecutor.FrontendTool, error) {
	if f.frontendTools == "" {
		return nil, nil
	}
	data, err := os.ReadFile(f.frontendTools)
	if err != nil {
		return nil, fmt.Errorf("failed to read frontend tools: %w", err)
	}
	var tools []mcp.Tool
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, fmt.Errorf("invalid frontend tools: %w", err)
	}
	out := make([]toolexecutor.FrontendTool, 0, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			return nil, fmt.Errorf("invalid frontend tools: tool name is required")
		}
		out = append(out, toolexecutor.FrontendToolFromMCP(t))
	}
	return out, nil
}

func (f *turnFlags) context(ctx context.Context) context.Context {
	if f.requestID != "" {
		ctx = tracing.WithRequestID(ctx, f.requestID)
	}
	return ctx
}

func (f *turnFlags) request() toolexecutor.RequestContext {
	return toolexecutor.RequestContext{Collections: f.collections}
}

var (
	runFlags   turnFlags
	runMessage string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Send a user message to a thread",
	Long: `Append a user message to a thread and drive the agent loop until it
finishes, fails or suspends on an approval. The result is printed as JSON.`,
	RunE: runRun,
}

func init() {
	runFlags.register(runCmd)
	runCmd.Flags().StringVarP(&runMessage, "message", "m", "", "user message (required)")
	_ = runCmd.MarkFlagRequired("message")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	secrets, err := runFlags.secrets()
	if err != nil {
		return err
	}
	frontend, err := runFlags.frontend()
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	a.log.RedactValues(secrets.Values()...)

	ctx := runFlags.context(cmd.Context())
	orch, err := a.orchestrator(ctx)
	if err != nil {
		return err
	}

	result, err := orch.Run(ctx, agent.RunRequest{
		ThreadID:       runFlags.threadID,
		ExplicitUserID: runFlags.userID,
		Message:        runMessage,
		Secrets:        secrets,
		Request:        runFlags.request(),
		Frontend:       frontend,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
