package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"dmls/internal/crypto"
	"dmls/internal/protocol/mls"
)

type keyPackageView struct {
	Ciphersuite  string `yaml:"ciphersuite"`
	Identity     string `yaml:"identity"`
	SignatureKey string `yaml:"signature_key"`
	InitKey      string `yaml:"init_key"`
}

type messageView struct {
	Version     uint16          `yaml:"version"`
	WireFormat  string          `yaml:"wire_format"`
	GroupID     string          `yaml:"group_id,omitempty"`
	Epoch       *uint64         `yaml:"epoch,omitempty"`
	Sender      *uint32         `yaml:"sender,omitempty"`
	Content     string          `yaml:"content,omitempty"`
	Generation  *uint32         `yaml:"generation,omitempty"`
	Proposals   []string        `yaml:"proposals,omitempty"`
	UpdatePath  bool            `yaml:"update_path,omitempty"`
	Ciphersuite string          `yaml:"ciphersuite,omitempty"`
	NewMembers  int             `yaml:"new_members,omitempty"`
	KeyPackage  *keyPackageView `yaml:"key_package,omitempty"`
}

// inspect-message: decode one message from stdin and print its structure.
// Nothing secret is needed, so no state is loaded.
func inspectMessageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect-message",
		Short: "Decode a base64 message from stdin and describe it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			m, err := readMessage(string(b))
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(describe(m)); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func describe(m *mls.Message) messageView {
	v := messageView{Version: m.Version, WireFormat: m.WireFormat.String()}
	switch {
	case m.Public != nil:
		pm := m.Public
		v.GroupID = crypto.B64(pm.GroupID)
		v.Epoch, v.Sender = &pm.Epoch, &pm.Sender
		v.Content = contentName(pm.ContentType)
		if pm.Proposal != nil {
			v.Proposals = []string{describeProposal(*pm.Proposal)}
		}
		if pm.Commit != nil {
			for _, p := range pm.Commit.Proposals {
				v.Proposals = append(v.Proposals, describeProposal(p))
			}
			v.UpdatePath = pm.Commit.Path != nil
		}
	case m.Private != nil:
		pm := m.Private
		v.GroupID = crypto.B64(pm.GroupID)
		v.Epoch, v.Sender, v.Generation = &pm.Epoch, &pm.Sender, &pm.Generation
		v.Content = contentName(mls.ContentApplication)
	case m.Welcome != nil:
		v.Ciphersuite = m.Welcome.Ciphersuite.String()
		v.NewMembers = len(m.Welcome.Secrets)
	case m.KeyPackage != nil:
		kp := m.KeyPackage
		v.KeyPackage = &keyPackageView{
			Ciphersuite:  kp.Ciphersuite.String(),
			Identity:     crypto.B64(kp.LeafNode.Credential.Identity),
			SignatureKey: crypto.Fingerprint(kp.LeafNode.SignatureKey),
			InitKey:      crypto.Fingerprint(kp.InitKey),
		}
	}
	return v
}

func contentName(c mls.ContentType) string {
	switch c {
	case mls.ContentApplication:
		return "application"
	case mls.ContentProposal:
		return "proposal"
	case mls.ContentCommit:
		return "commit"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

func describeProposal(p mls.Proposal) string {
	switch {
	case p.Add != nil:
		return fmt.Sprintf("%s %s", p.Type, crypto.B64(p.Add.LeafNode.Credential.Identity))
	case p.Remove != nil:
		return fmt.Sprintf("%s leaf %d", p.Type, *p.Remove)
	case p.PreSharedKey != nil:
		return fmt.Sprintf("%s %s", p.Type, crypto.B64(p.PreSharedKey.ID))
	default:
		return p.Type.String()
	}
}
