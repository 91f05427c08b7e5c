package store

import (
	"strings"
	"testing"
)

const testMasterKey = "5cb4a6f3c28e1d0b9a7f6e5d4c3b2a190817263544536271809f0e1d2c3b4a59"

func TestSecretKeeperRoundTrip(t *testing.T) {
	keeper, err := NewSecretKeeper(testMasterKey)
	if err != nil {
		t.Fatalf("NewSecretKeeper: %v", err)
	}

	sealed, err := keeper.Encrypt("proj-1", "s3cr3t-value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if strings.Contains(sealed, "s3cr3t") {
		t.Fatal("ciphertext leaks plaintext")
	}

	plain, err := keeper.Decrypt("proj-1", sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "s3cr3t-value" {
		t.Fatalf("got %q", plain)
	}
}

func TestSecretKeeperWrongProject(t *testing.T) {
	keeper, err := NewSecretKeeper(testMasterKey)
	if err != nil {
		t.Fatalf("NewSecretKeeper: %v", err)
	}

	sealed, err := keeper.Encrypt("proj-1", "value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := keeper.Decrypt("proj-2", sealed); err == nil {
		t.Fatal("expected decrypt under another project's key to fail")
	}
}

func TestNewSecretKeeperRejectsBadKeys(t *testing.T) {
	for _, key := range []string{"", "abcd", "zz" + testMasterKey[2:], testMasterKey + "00"} {
		if _, err := NewSecretKeeper(key); err == nil {
			t.Errorf("key %q should be rejected", key)
		}
	}
}
