package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage the thread-to-user session cache",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create <user>",
	Short: "Create an empty session for a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionCreate,
}

var sessionAttachCmd = &cobra.Command{
	Use:   "attach <user> <thread>",
	Short: "Bind a thread to a user",
	Args:  cobra.ExactArgs(2),
	RunE:  runSessionAttach,
}

var sessionLookupCmd = &cobra.Command{
	Use:   "lookup <thread>",
	Short: "Find the user a thread belongs to",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionLookup,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <user>",
	Short: "Show a user's session record",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <user>",
	Short: "Delete a user's session and its thread bindings",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionDelete,
}

func init() {
	sessionCmd.AddCommand(sessionCreateCmd, sessionAttachCmd, sessionLookupCmd, sessionShowCmd, sessionDeleteCmd)
	rootCmd.AddCommand(sessionCmd)
}

// withSessionCache runs fn against the configured cache.
func withSessionCache(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.sessionCache(cmd.Context()); err != nil {
		return err
	}
	return fn(a)
}

func runSessionCreate(cmd *cobra.Command, args []string) error {
	return withSessionCache(cmd, func(a *app) error {
		if !a.cache.CreateSession(cmd.Context(), args[0]) {
			return fmt.Errorf("session for %s was not created", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session created for %s\n", args[0])
		return nil
	})
}

func runSessionAttach(cmd *cobra.Command, args []string) error {
	return withSessionCache(cmd, func(a *app) error {
		if !a.cache.AttachThread(cmd.Context(), args[0], args[1]) {
			return fmt.Errorf("thread %s was not attached to %s", args[1], args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Thread %s attached to %s\n", args[1], args[0])
		return nil
	})
}

func runSessionLookup(cmd *cobra.Command, args []string) error {
	return withSessionCache(cmd, func(a *app) error {
		userID, ok := a.cache.LookupUserByThread(cmd.Context(), args[0])
		if !ok {
			return fmt.Errorf("no user bound to thread %s", args[0])
		}
		fmt.Fprintln(cmd.OutOrStdout(), userID)
		return nil
	})
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	return withSessionCache(cmd, func(a *app) error {
		rec, ok := a.cache.GetSession(cmd.Context(), args[0])
		if !ok {
			return fmt.Errorf("no session for %s", args[0])
		}
		return printJSON(cmd.OutOrStdout(), rec)
	})
}

func runSessionDelete(cmd *cobra.Command, args []string) error {
	return withSessionCache(cmd, func(a *app) error {
		if !a.cache.DeleteSession(cmd.Context(), args[0]) {
			return fmt.Errorf("session for %s was not deleted", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session deleted for %s\n", args[0])
		return nil
	})
}
