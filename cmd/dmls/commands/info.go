package commands

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"dmls/internal/app"
)

type groupView struct {
	GroupID     string `yaml:"group_id"`
	Epoch       uint64 `yaml:"epoch"`
	Active      bool   `yaml:"active"`
	OwnLeaf     uint32 `yaml:"own_leaf"`
	Members     int    `yaml:"members"`
	Ciphersuite string `yaml:"ciphersuite"`
}

type infoView struct {
	Fingerprint string     `yaml:"fingerprint"`
	PskQueue    int        `yaml:"psk_queue"`
	StoredPsks  int        `yaml:"stored_psks"`
	SendGroup   *groupView `yaml:"send_group,omitempty"`
}

func infoCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the identity, PSK queue and send group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.open(cmd, func(a *app.App) error {
				info, err := a.Info()
				if err != nil {
					return err
				}
				v := infoView{
					Fingerprint: info.Fingerprint.String(),
					PskQueue:    info.QueueLen,
					StoredPsks:  info.StoredPsks,
				}
				if g := info.SendGroup; g != nil {
					v.SendGroup = &groupView{
						GroupID:     g.GroupID.String(),
						Epoch:       g.Epoch,
						Active:      g.Active,
						OwnLeaf:     g.OwnLeaf,
						Members:     g.Members,
						Ciphersuite: g.Ciphersuite,
					}
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(v); err != nil {
					return err
				}
				return enc.Close()
			})
		},
	}
}
