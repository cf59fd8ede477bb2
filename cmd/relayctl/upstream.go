package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/llmrelay/relay/internal/app"
	"github.com/llmrelay/relay/internal/providers"
	"github.com/llmrelay/relay/internal/store"
)

var upstreamFlags struct {
	provider  string
	name      string
	userID    string
	groupID   string
	isDefault bool
}

var upstreamCmd = &cobra.Command{
	Use:   "upstream",
	Short: "Manage upstream provider credentials",
}

var upstreamAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Store an encrypted upstream provider secret",
	Long: `Store an upstream provider secret for a user or group scope. The secret
is read from RELAY_UPSTREAM_SECRET, or from the first line of stdin when
that variable is unset, and is encrypted before it is written.

Examples:
  RELAY_UPSTREAM_SECRET=sk-... relayctl upstream add --provider openai --user u1 --default
  echo "$KEY" | relayctl upstream add --provider anthropic --group g1 --name shared`,
	Args: cobra.NoArgs,
	RunE: addUpstream,
}

var upstreamSetDefaultCmd = &cobra.Command{
	Use:   "set-default <id>",
	Short: "Make an upstream credential the default for its scope and provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(s *store.Store) error {
			return s.SetDefaultUpstreamCredential(cmd.Context(), args[0])
		}, "default set to %s\n", args[0])
	},
}

var upstreamDeactivateCmd = &cobra.Command{
	Use:   "deactivate <id>",
	Short: "Deactivate an upstream credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(s *store.Store) error {
			return s.DeactivateUpstreamCredential(cmd.Context(), args[0])
		}, "deactivated %s\n", args[0])
	},
}

var upstreamDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an upstream credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(s *store.Store) error {
			return s.DeleteUpstreamCredential(cmd.Context(), args[0])
		}, "deleted %s\n", args[0])
	},
}

var upstreamListCmd = &cobra.Command{
	Use:   "list",
	Short: "List upstream credentials of a scope",
	Args:  cobra.NoArgs,
	RunE:  listUpstream,
}

func init() {
	rootCmd.AddCommand(upstreamCmd)
	upstreamCmd.AddCommand(upstreamAddCmd, upstreamSetDefaultCmd, upstreamDeactivateCmd, upstreamDeleteCmd, upstreamListCmd)

	upstreamAddCmd.Flags().StringVar(&upstreamFlags.provider, "provider", "", "provider name (required)")
	upstreamAddCmd.Flags().StringVar(&upstreamFlags.name, "name", "", "credential name (defaults to the provider)")
	upstreamAddCmd.Flags().BoolVar(&upstreamFlags.isDefault, "default", false, "make this the default for the scope and provider")
	_ = upstreamAddCmd.MarkFlagRequired("provider")

	for _, c := range []*cobra.Command{upstreamAddCmd, upstreamListCmd} {
		c.Flags().StringVar(&upstreamFlags.userID, "user", "", "owning user id")
		c.Flags().StringVar(&upstreamFlags.groupID, "group", "", "owning group id (takes precedence over --user)")
	}
}

// withStore runs fn against the opened store and prints the success line.
func withStore(cmd *cobra.Command, fn func(*store.Store) error, format string, args ...any) error {
	s, _, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()
	if err := fn(s); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no upstream credential %q", args[0])
		}
		return err
	}
	fmt.Fprintf(out(cmd), format, args...)
	return nil
}

func upstreamScope() (string, error) {
	if upstreamFlags.userID == "" && upstreamFlags.groupID == "" {
		return "", errors.New("one of --user or --group is required")
	}
	return store.Scope(upstreamFlags.userID, upstreamFlags.groupID), nil
}

func readSecret(cmd *cobra.Command) (string, error) {
	if s := os.Getenv("RELAY_UPSTREAM_SECRET"); s != "" {
		return s, nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return "", errors.New("empty secret")
	}
	return line, nil
}

func addUpstream(cmd *cobra.Command, _ []string) error {
	scope, err := upstreamScope()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	s, cfg, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	reg, err := providers.NewRegistry(cfg.ProvidersFile, nil)
	if err != nil {
		return err
	}
	if _, ok := reg.Lookup(upstreamFlags.provider); !ok {
		return fmt.Errorf("unknown provider %q (supported: %s)", upstreamFlags.provider, strings.Join(reg.Names(), ", "))
	}

	secret, err := readSecret(cmd)
	if err != nil {
		return err
	}
	v, err := app.OpenVault(cfg)
	if err != nil {
		return err
	}
	enc, err := v.EncryptString(secret)
	if err != nil {
		return err
	}
	name := upstreamFlags.name
	if name == "" {
		name = upstreamFlags.provider
	}
	u := &store.UpstreamCredential{
		ID:              uuid.NewString(),
		Scope:           scope,
		Provider:        upstreamFlags.provider,
		Name:            name,
		EncryptedSecret: enc,
		IsActive:        true,
		IsDefault:       upstreamFlags.isDefault,
	}
	if err := s.CreateUpstreamCredential(ctx, u); err != nil {
		return err
	}
	fmt.Fprintf(out(cmd), "created %s (%s, scope %s)\n", u.ID, u.Provider, u.Scope)
	return nil
}

func listUpstream(cmd *cobra.Command, _ []string) error {
	scope, err := upstreamScope()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	s, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	creds, err := s.ListUpstreamCredentials(ctx, scope)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROVIDER\tNAME\tACTIVE\tDEFAULT")
	for _, u := range creds {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\n", u.ID, u.Provider, u.Name, u.IsActive, u.IsDefault)
	}
	return tw.Flush()
}
