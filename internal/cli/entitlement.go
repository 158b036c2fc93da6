package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/harun/steward/pkg/entitlement"
	"github.com/spf13/cobra"
)

var grantCredential string

var entitlementCmd = &cobra.Command{
	Use:     "entitlement",
	Aliases: []string{"entitlements"},
	Short:   "Manage per-user capability grants",
}

var entitlementGrantCmd = &cobra.Command{
	Use:   "grant <user> <capability>",
	Short: "Grant a capability to a user",
	Long: `Grant a capability (calendar, tinkoff, github or any capability a tool
manifest names) to a user, replacing any stored credential.`,
	Args: cobra.ExactArgs(2),
	RunE: runEntitlementGrant,
}

var entitlementRevokeCmd = &cobra.Command{
	Use:   "revoke <user> <capability>",
	Short: "Revoke a capability from a user",
	Args:  cobra.ExactArgs(2),
	RunE:  runEntitlementRevoke,
}

var entitlementListCmd = &cobra.Command{
	Use:   "list <user>",
	Short: "List a user's capabilities",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntitlementList,
}

func init() {
	entitlementGrantCmd.Flags().StringVar(&grantCredential, "credential", "", "credential stored with the grant")
	entitlementCmd.AddCommand(entitlementGrantCmd, entitlementRevokeCmd, entitlementListCmd)
	rootCmd.AddCommand(entitlementCmd)
}

func parseCapability(value string) (entitlement.Capability, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "", fmt.Errorf("capability is required")
	}
	return entitlement.Capability(value), nil
}

func withEntitlements(cmd *cobra.Command, fn func(store *entitlement.SQLStore) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.entitlements(cmd.Context())
	if err != nil {
		return err
	}
	return fn(store)
}

func runEntitlementGrant(cmd *cobra.Command, args []string) error {
	capability, err := parseCapability(args[1])
	if err != nil {
		return err
	}
	return withEntitlements(cmd, func(store *entitlement.SQLStore) error {
		if err := store.Put(cmd.Context(), args[0], capability, grantCredential); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Granted %s to %s\n", capability, args[0])
		return nil
	})
}

func runEntitlementRevoke(cmd *cobra.Command, args []string) error {
	capability, err := parseCapability(args[1])
	if err != nil {
		return err
	}
	return withEntitlements(cmd, func(store *entitlement.SQLStore) error {
		if err := store.Revoke(cmd.Context(), args[0], capability); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s from %s\n", capability, args[0])
		return nil
	})
}

func runEntitlementList(cmd *cobra.Command, args []string) error {
	return withEntitlements(cmd, func(store *entitlement.SQLStore) error {
		grants, err := store.Grants(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(grants) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No capabilities granted to %s\n", args[0])
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CAPABILITY\tUPDATED")
		for _, g := range grants {
			fmt.Fprintf(w, "%s\t%s\n", g.Capability, g.UpdatedAt.Local().Format(time.RFC3339))
		}
		return w.Flush()
	})
}
