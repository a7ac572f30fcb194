package mls

import (
	"crypto/hmac"
	"fmt"

	"dmls/internal/crypto"
)

// epochSecrets are the per-epoch values the group keeps after the epoch
// secret itself has been consumed.
type epochSecrets struct {
	InitSecret       []byte `json:"init_secret"`
	ExporterSecret   []byte `json:"exporter_secret"`
	ConfirmationKey  []byte `json:"confirmation_key"`
	EncryptionSecret []byte `json:"encryption_secret"`
	ResumptionPsk    []byte `json:"resumption_psk"`
}

// joinerSecret mixes the previous init secret with the commit secret.
func joinerSecret(initPrev, commitSecret []byte, ctx GroupContext) ([]byte, error) {
	ctxBytes, err := ctx.encode()
	if err != nil {
		return nil, err
	}
	return crypto.ExpandWithLabel(crypto.Extract(initPrev, commitSecret), "joiner", ctxBytes, crypto.HashSize)
}

// memberSecret mixes the PSK secret into the joiner secret.
func memberSecret(joiner, psk []byte) []byte {
	return crypto.Extract(joiner, psk)
}

func deriveEpochSecrets(member []byte, ctx GroupContext) (epochSecrets, error) {
	ctxBytes, err := ctx.encode()
	if err != nil {
		return epochSecrets{}, err
	}
	epoch, err := crypto.ExpandWithLabel(member, "epoch", ctxBytes, crypto.HashSize)
	if err != nil {
		return epochSecrets{}, err
	}
	defer crypto.Wipe(epoch)

	var s epochSecrets
	for _, d := range []struct {
		label string
		out   *[]byte
	}{
		{"init", &s.InitSecret},
		{"exporter", &s.ExporterSecret},
		{"confirm", &s.ConfirmationKey},
		{"encryption", &s.EncryptionSecret},
		{"resumption", &s.ResumptionPsk},
	} {
		if *d.out, err = crypto.DeriveSecret(epoch, d.label); err != nil {
			return epochSecrets{}, fmt.Errorf("derive %s secret: %w", d.label, err)
		}
	}
	return s, nil
}

func welcomeKeys(member []byte) (key, nonce []byte, err error) {
	welcome, err := crypto.DeriveSecret(member, "welcome")
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Wipe(welcome)
	if key, err = crypto.ExpandWithLabel(welcome, "key", nil, 32); err != nil {
		return nil, nil, err
	}
	if nonce, err = crypto.ExpandWithLabel(welcome, "nonce", nil, 12); err != nil {
		return nil, nil, err
	}
	return key, nonce, nil
}

func confirmationTag(confirmationKey, confirmedTranscriptHash []byte) []byte {
	return crypto.MAC(confirmationKey, confirmedTranscriptHash)
}

func verifyConfirmation(confirmationKey, confirmedTranscriptHash, tag []byte) error {
	if !hmac.Equal(confirmationTag(confirmationKey, confirmedTranscriptHash), tag) {
		return ErrConfirmationMismatch
	}
	return nil
}

func interimTranscriptHash(confirmed, tag []byte) []byte {
	return crypto.Hash(confirmed, tag)
}

// export derives an application secret from the exporter secret.
func export(exporterSecret []byte, label string, context []byte, length int) ([]byte, error) {
	derived, err := crypto.DeriveSecret(exporterSecret, label)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(derived)
	return crypto.ExpandWithLabel(derived, "exported", crypto.Hash(context), length)
}
