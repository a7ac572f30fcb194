package commands

import (
	"bufio"
	"bytes"

	"github.com/spf13/cobra"

	"dmls/internal/app"
)

// encrypt: one application message per stdin line. Output is held back
// until every line is sealed, so a failure prints nothing the saved state
// does not know about.
func encryptCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt stdin lines to the send group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.open(cmd, func(a *app.App) error {
				var out bytes.Buffer
				sc := bufio.NewScanner(cmd.InOrStdin())
				sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
				for sc.Scan() {
					m, err := a.Continuity.Encrypt(sc.Bytes())
					if err != nil {
						return err
					}
					if err := writeMessage(&out, m); err != nil {
						return err
					}
				}
				if err := sc.Err(); err != nil {
					return err
				}
				_, err := out.WriteTo(cmd.OutOrStdout())
				return err
			})
		},
	}
}
