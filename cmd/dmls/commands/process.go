package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dmls/internal/app"
	"dmls/internal/domain"
	"dmls/internal/util/log"
)

// process: handle a stream of inbound messages. Welcomes are joined,
// commits applied, application text printed. A failing message is reported
// and skipped; the state keeps everything that succeeded.
func processCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Process base64 messages read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.LoggerFromContext(cmd.Context())
			report := reporter(cmd.ErrOrStderr(), "message failed")
			return e.open(cmd, func(a *app.App) error {
				return eachLine(cmd.InOrStdin(), func(n int, line string) {
					m, err := readMessage(line)
					if err != nil {
						report(n, err)
						return
					}
					in, err := a.Continuity.Handle(m)
					if err != nil {
						logger.Warn("message failed", zap.Int("line", n), zap.Error(err))
						report(n, err)
						return
					}
					printIncoming(cmd, in)
				})
			})
		},
	}
}

func printIncoming(cmd *cobra.Command, in domain.Incoming) {
	switch in.Kind {
	case domain.IncomingApplication:
		fmt.Fprintln(cmd.OutOrStdout(), in.Plaintext)
	case domain.IncomingWelcome:
		fmt.Fprintf(cmd.ErrOrStderr(), "joined group %s at epoch %d\n", in.GroupID, in.Epoch)
	case domain.IncomingCommit:
		if in.Evicted {
			fmt.Fprintf(cmd.ErrOrStderr(), "removed from group %s\n", in.GroupID)
			return
		}
		if in.InjectedPsks > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "group %s advanced to epoch %d with %d injected psks\n", in.GroupID, in.Epoch, in.InjectedPsks)
			return
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "group %s advanced to epoch %d\n", in.GroupID, in.Epoch)
	}
}
