package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/llmrelay/relay/internal/apikey"
)

var keysFlags struct {
	name      string
	userID    string
	groupID   string
	isDefault bool
	overrides []string
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage client credentials",
}

var keysIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a new client credential",
	Long: `Issue a new client credential. The plaintext key is printed once and
cannot be recovered later; only its hash is stored.

Examples:
  relayctl keys issue --name ci --user u1
  relayctl keys issue --name team --user u1 --group g1 --override openai=<upstream-id>`,
	Args: cobra.NoArgs,
	RunE: issueKey,
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke a client credential",
	Args:  cobra.ExactArgs(1),
	RunE:  revokeKey,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List client credentials of a user",
	Args:  cobra.NoArgs,
	RunE:  listKeys,
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysIssueCmd, keysRevokeCmd, keysListCmd)

	keysIssueCmd.Flags().StringVar(&keysFlags.name, "name", "", "credential name")
	keysIssueCmd.Flags().StringVar(&keysFlags.userID, "user", "", "owning user id (required)")
	keysIssueCmd.Flags().StringVar(&keysFlags.groupID, "group", "", "owning group id")
	keysIssueCmd.Flags().BoolVar(&keysFlags.isDefault, "default", false, "mark as the user's default credential")
	keysIssueCmd.Flags().StringSliceVar(&keysFlags.overrides, "override", nil, "provider=upstream-credential-id (repeatable)")
	_ = keysIssueCmd.MarkFlagRequired("user")

	keysListCmd.Flags().StringVar(&keysFlags.userID, "user", "", "user id (required)")
	_ = keysListCmd.MarkFlagRequired("user")
}

func parseOverrides(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		provider, id, ok := strings.Cut(p, "=")
		if !ok || provider == "" || id == "" {
			return nil, fmt.Errorf("invalid override %q, want provider=upstream-id", p)
		}
		m[provider] = id
	}
	return m, nil
}

func issueKey(cmd *cobra.Command, _ []string) error {
	overrides, err := parseOverrides(keysFlags.overrides)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	s, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	key, cred, err := apikey.NewManager(s, nil).Generate(ctx, apikey.GenerateParams{
		Name:      keysFlags.name,
		UserID:    keysFlags.userID,
		GroupID:   keysFlags.groupID,
		IsDefault: keysFlags.isDefault,
		Overrides: overrides,
	})
	if err != nil {
		return err
	}
	w := out(cmd)
	fmt.Fprintf(w, "ID:     %s\n", cred.ID)
	fmt.Fprintf(w, "Scope:  %s\n", cred.Scope())
	fmt.Fprintf(w, "Key:    %s\n", key)
	fmt.Fprintln(w, "Store this key now; it will not be shown again.")
	return nil
}

func revokeKey(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := apikey.NewManager(s, nil).Revoke(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(out(cmd), "revoked %s\n", args[0])
	return nil
}

func listKeys(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	s, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	creds, err := s.ListClientCredentials(ctx, keysFlags.userID)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tSCOPE\tDEFAULT\tREVOKED")
	for _, c := range creds {
		revoked := "-"
		if !c.RevokedAt.IsZero() {
			revoked = c.RevokedAt.UTC().Format("2006-01-02")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", c.ID, c.Name, c.KeyPrefix, c.Scope(), c.IsDefault, revoked)
	}
	return tw.Flush()
}
