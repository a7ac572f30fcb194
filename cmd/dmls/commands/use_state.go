package commands

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"dmls/internal/app"
	"dmls/internal/services/keypackage"
)

var errNoKeyPackages = errors.New("no valid key packages on stdin")

// use-state -s <path> <command>: operate on an existing state.
func useStateCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use-state",
		Short: "Run an operation against an existing state",
	}
	cmd.PersistentFlags().StringVarP(&e.statePath, "state", "s", "", "path of the state to load and update")
	_ = cmd.MarkPersistentFlagRequired("state")

	cmd.AddCommand(
		genKpCmd(e),
		createSendGroupCmd(e),
		addMembersCmd(e),
		selfUpdateCmd(e),
		injectPsksCmd(e),
		removeMembersCmd(e),
		processCmd(e),
		encryptCmd(e),
		infoCmd(e),
	)
	return cmd
}

func genKpCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "gen-kp",
		Short: "Generate a key package for others to add you with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.open(cmd, func(a *app.App) error {
				kp, err := a.KeyPackages.Generate()
				if err != nil {
					return err
				}
				line, err := keypackage.Encode(kp)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), line)
				return err
			})
		},
	}
}

func createSendGroupCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "create-send-group",
		Short: "Create the send group, adding key packages read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.open(cmd, func(a *app.App) error {
				kps, err := a.KeyPackages.ValidateStream(cmd.InOrStdin(), reporter(cmd.ErrOrStderr(), "invalid key package"))
				if err != nil {
					return err
				}
				gid, err := a.Continuity.CreateSendGroup()
				if err != nil {
					return err
				}
				if len(kps) == 0 {
					fmt.Fprintf(cmd.ErrOrStderr(), "created send group %s with no other members\n", gid)
					return nil
				}
				bundle, err := a.Continuity.AddMembers(kps)
				if err != nil {
					return err
				}
				return writeMessage(cmd.OutOrStdout(), bundle.Welcome)
			})
		},
	}
}

func addMembersCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "add-members",
		Short: "Add key packages read from stdin to the send group",
		Long:  "Prints the commit for existing members, then the welcome for the new ones.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.open(cmd, func(a *app.App) error {
				kps, err := a.KeyPackages.ValidateStream(cmd.InOrStdin(), reporter(cmd.ErrOrStderr(), "invalid key package"))
				if err != nil {
					return err
				}
				if len(kps) == 0 {
					return errNoKeyPackages
				}
				bundle, err := a.Continuity.AddMembers(kps)
				if err != nil {
					return err
				}
				if err := writeMessage(cmd.OutOrStdout(), bundle.Commit); err != nil {
					return err
				}
				return writeMessage(cmd.OutOrStdout(), bundle.Welcome)
			})
		},
	}
}

func selfUpdateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "self-update",
		Short: "Commit a fresh leaf key to the send group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.open(cmd, func(a *app.App) error {
				commit, err := a.Continuity.SelfUpdate()
				if err != nil {
					return err
				}
				return writeMessage(cmd.OutOrStdout(), commit)
			})
		},
	}
}

func injectPsksCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "inject-psks",
		Short: "Commit every queued exporter PSK to the send group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.open(cmd, func(a *app.App) error {
				commit, err := a.Continuity.InjectQueuedPsks()
				if err != nil {
					return err
				}
				return writeMessage(cmd.OutOrStdout(), commit)
			})
		},
	}
}

func removeMembersCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-members <leaf-index>...",
		Short: "Remove members of the send group by leaf index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			leaves := make([]uint32, 0, len(args))
			for _, arg := range args {
				n, err := strconv.ParseUint(arg, 10, 32)
				if err != nil {
					return fmt.Errorf("leaf index %q: %w", arg, err)
				}
				leaves = append(leaves, uint32(n))
			}
			return e.open(cmd, func(a *app.App) error {
				commit, err := a.Continuity.RemoveMembers(leaves)
				if err != nil {
					return err
				}
				return writeMessage(cmd.OutOrStdout(), commit)
			})
		},
	}
}
