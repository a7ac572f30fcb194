package store_test

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"dmls/internal/crypto"
	"dmls/internal/kvstore"
	"dmls/internal/state"
	"dmls/internal/store"
)

func newSession(t *testing.T) *state.Session {
	t.Helper()
	kp, err := crypto.GenerateSignatureKeyPair(rand.Reader, crypto.Ed25519)
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	s := state.New(kp)
	s.SetSendGroupID([]byte("group-1"))
	s.PushPskID([]byte("psk-a"))
	s.PushPskID([]byte("psk-b"))
	s.Values().Write(kvstore.NewKey(kvstore.LabelPsk, []byte("psk-a")), []byte("secret"))
	return s
}

func assertSameSession(t *testing.T, want, got *state.Session) {
	t.Helper()
	if !bytes.Equal(want.SignatureKeyPair().Public, got.SignatureKeyPair().Public) {
		t.Fatalf("public key mismatch")
	}
	if !bytes.Equal(want.SignatureKeyPair().Private, got.SignatureKeyPair().Private) {
		t.Fatalf("private key mismatch")
	}
	wg, _ := want.SendGroupID()
	gg, ok := got.SendGroupID()
	if !ok || !bytes.Equal(wg, gg) {
		t.Fatalf("send group = %q, want %q", gg, wg)
	}
	wq, gq := want.PskIDs(), got.PskIDs()
	if len(wq) != len(gq) {
		t.Fatalf("queue len = %d, want %d", len(gq), len(wq))
	}
	for i := range wq {
		if !bytes.Equal(wq[i], gq[i]) {
			t.Fatalf("queue[%d] = %q, want %q", i, gq[i], wq[i])
		}
	}
	v, ok, err := got.Values().Read(kvstore.NewKey(kvstore.LabelPsk, []byte("psk-a")))
	if err != nil || !ok || string(v) != "secret" {
		t.Fatalf("stored value = %q, %v, %v", v, ok, err)
	}
}

func TestJSONFileRepository_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	repo := store.NewJSONFileRepository(path)

	if ok, err := repo.Exists(); err != nil || ok {
		t.Fatalf("Exists before save = %v, %v", ok, err)
	}
	if _, err := repo.Load(); !errors.Is(err, store.ErrNoState) {
		t.Fatalf("Load before save err = %v, want ErrNoState", err)
	}

	want := newSession(t)
	if err := repo.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if ok, err := repo.Exists(); err != nil || !ok {
		t.Fatalf("Exists after save = %v, %v", ok, err)
	}

	got, err := store.NewJSONFileRepository(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assertSameSession(t, want, got)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"exporter_psk_queue"`) {
		t.Fatalf("plain state should be readable JSON:\n%s", raw)
	}
}

func TestJSONFileRepository_FileMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	path := filepath.Join(t.TempDir(), "state.json")
	if err := store.NewJSONFileRepository(path).Save(newSession(t)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", fi.Mode().Perm())
	}
}

func TestJSONFileRepository_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	repo := store.NewJSONFileRepository(filepath.Join(dir, "state.json"))
	s := newSession(t)
	for i := 0; i < 3; i++ {
		if err := repo.Save(s); err != nil {
			t.Fatalf("Save #%d: %v", i, err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("dir has %d entries, want 1", len(entries))
	}
}

func TestJSONFileRepository_Encrypted(t *testing.T) {
	for _, kdf := range []store.KDF{store.KDFScrypt, store.KDFArgon2id} {
		t.Run(string(kdf), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state.json")
			want := newSession(t)
			if err := store.NewJSONFileRepository(path, store.WithPassphrase("hunter2", kdf)).Save(want); err != nil {
				t.Fatalf("Save: %v", err)
			}

			raw, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if strings.Contains(string(raw), "exporter_psk_queue") {
				t.Fatalf("sealed state leaks the record")
			}

			got, err := store.NewJSONFileRepository(path, store.WithPassphrase("hunter2", kdf)).Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			assertSameSession(t, want, got)

			// The envelope records its own KDF, so the configured one does not matter on load.
			if _, err := store.NewJSONFileRepository(path, store.WithPassphrase("hunter2", "")).Load(); err != nil {
				t.Fatalf("Load with default kdf: %v", err)
			}

			_, err = store.NewJSONFileRepository(path, store.WithPassphrase("wrong", kdf)).Load()
			if !errors.Is(err, store.ErrWrongPassphrase) {
				t.Fatalf("wrong passphrase err = %v", err)
			}
			_, err = store.NewJSONFileRepository(path).Load()
			if !errors.Is(err, store.ErrPassphraseRequired) {
				t.Fatalf("missing passphrase err = %v", err)
			}
		})
	}
}

func TestJSONFileRepository_PlainStateWithPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	want := newSession(t)
	if err := store.NewJSONFileRepository(path).Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.NewJSONFileRepository(path, store.WithPassphrase("pw", store.KDFScrypt)).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assertSameSession(t, want, got)
}

func TestJSONFileRepository_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := store.NewJSONFileRepository(path).Load(); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestBoltRepository_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	repo, err := store.OpenBoltRepository(path, store.WithPassphrase("pw", store.KDFArgon2id))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ok, err := repo.Exists(); err != nil || ok {
		t.Fatalf("Exists before save = %v, %v", ok, err)
	}
	if _, err := repo.Load(); !errors.Is(err, store.ErrNoState) {
		t.Fatalf("Load before save err = %v", err)
	}

	want := newSession(t)
	if err := repo.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	repo, err = store.OpenBoltRepository(path, store.WithPassphrase("pw", store.KDFArgon2id))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer repo.Close()
	if ok, err := repo.Exists(); err != nil || !ok {
		t.Fatalf("Exists after save = %v, %v", ok, err)
	}
	got, err := repo.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assertSameSession(t, want, got)
}

func TestParseKDF(t *testing.T) {
	cases := map[string]store.KDF{
		"":         store.KDFArgon2id,
		"argon2id": store.KDFArgon2id,
		"SCRYPT":   store.KDFScrypt,
	}
	for in, want := range cases {
		got, err := store.ParseKDF(in)
		if err != nil || got != want {
			t.Fatalf("ParseKDF(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := store.ParseKDF("pbkdf2"); err == nil {
		t.Fatalf("expected error for unknown kdf")
	}
}
