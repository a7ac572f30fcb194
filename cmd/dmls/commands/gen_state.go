package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"dmls/internal/app"
	"dmls/internal/util/log"
)

// gen-state <path>: create a fresh identity.
func genStateCmd(e *env) *cobra.Command {
	var scheme string
	cmd := &cobra.Command{
		Use:   "gen-state <path>",
		Short: "Generate a signing identity and write a new state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := app.Create(e.cfg, args[0], scheme, log.LoggerFromContext(cmd.Context()))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\n", fp)
			return nil
		},
	}
	cmd.Flags().StringVar(&scheme, "signature-scheme", "Ed25519", "signature algorithm for the identity key")
	return cmd
}
