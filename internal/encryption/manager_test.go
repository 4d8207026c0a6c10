package encryption

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"classpage-auth/internal/config"
)

func localManager() *EncryptionManager {
	return NewEncryptionManager(&config.Config{})
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	t.Parallel()
	em := localManager()
	ctx := context.Background()

	plaintext := []byte(`{"child_name":"Mia","parent1_name":"Alex Schmidt"}`)
	encrypted, err := em.EncryptField(ctx, plaintext)
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	if strings.Contains(encrypted.EncryptedValue, "Mia") {
		t.Fatal("ciphertext leaks plaintext")
	}
	if encrypted.EncryptedDEK == "" || encrypted.KeyID == "" {
		t.Fatalf("incomplete envelope: %+v", encrypted)
	}

	decrypted, err := em.DecryptField(ctx, encrypted)
	if err != nil {
		t.Fatalf("DecryptField: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("roundtrip mismatch: %q", decrypted)
	}
}

func TestDecryptSurvivesCacheClear(t *testing.T) {
	t.Parallel()
	em := localManager()
	ctx := context.Background()

	encrypted, err := em.EncryptField(ctx, []byte("secret details"))
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}

	// Decryption must work from the stored envelope alone, as after a restart.
	em.ClearCache()
	decrypted, err := em.DecryptField(ctx, encrypted)
	if err != nil {
		t.Fatalf("DecryptField after cache clear: %v", err)
	}
	if string(decrypted) != "secret details" {
		t.Fatalf("roundtrip mismatch: %q", decrypted)
	}

	// A different process must be able to read the same envelope.
	other := localManager()
	decrypted, err = other.DecryptField(ctx, encrypted)
	if err != nil {
		t.Fatalf("DecryptField in fresh manager: %v", err)
	}
	if string(decrypted) != "secret details" {
		t.Fatalf("cross-process roundtrip mismatch: %q", decrypted)
	}
}

func TestFreshKeyPerField(t *testing.T) {
	t.Parallel()
	em := localManager()
	ctx := context.Background()

	a, err := em.EncryptField(ctx, []byte("same input"))
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	b, err := em.EncryptField(ctx, []byte("same input"))
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	if a.EncryptedDEK == b.EncryptedDEK {
		t.Fatal("each field must get its own data key")
	}
	if a.EncryptedValue == b.EncryptedValue {
		t.Fatal("identical plaintexts must not produce identical ciphertexts")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	t.Parallel()
	em := localManager()
	ctx := context.Background()

	encrypted, err := em.EncryptField(ctx, []byte("secret details"))
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	em.ClearCache()
	encrypted.EncryptedValue = "AAAA" + encrypted.EncryptedValue[4:]
	if _, err := em.DecryptField(ctx, encrypted); err == nil {
		t.Fatal("tampered ciphertext must not decrypt")
	}
}
