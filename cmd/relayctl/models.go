package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Enable or disable models per provider",
	Long: `Models without a setting are allowed. Disabling a model makes the
gateway reject requests for it, including capability-variant suffixes such
as ":online", with 403 model_disabled before anything is sent upstream.`,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.AddCommand(modelToggleCmd("enable", true), modelToggleCmd("disable", false))
}

func modelToggleCmd(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <provider> <model>",
		Short: verb + " a model",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, _, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.SetModelEnabled(ctx, args[0], args[1], enabled); err != nil {
				return err
			}
			fmt.Fprintf(out(cmd), "%sd %s/%s\n", verb, args[0], args[1])
			return nil
		},
	}
}
