package store

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/supercheck-io/supercheck/internal/apperr"
)

const secretNonceSize = 24

// SecretKeeper decrypts project secret variables with a per-project key
// derived from the deployment master key. Values pass straight into worker
// payloads and are never logged.
type SecretKeeper struct {
	master [32]byte
}

// NewSecretKeeper parses the 64-hex-char master key.
func NewSecretKeeper(hexKey string) (*SecretKeeper, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("secrets key must be 64 hex chars")
	}
	var k SecretKeeper
	copy(k.master[:], raw)
	return &k, nil
}

func (k *SecretKeeper) projectKey(projectID string) [32]byte {
	mac := hmac.New(sha256.New, k.master[:])
	mac.Write([]byte(projectID))
	var key [32]byte
	copy(key[:], mac.Sum(nil))
	return key
}

// Encrypt seals a secret value for storage: base64(nonce || box).
func (k *SecretKeeper) Encrypt(projectID, plaintext string) (string, error) {
	var nonce [secretNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	key := k.projectKey(projectID)
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored secret value.
func (k *SecretKeeper) Decrypt(projectID, stored string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	if len(raw) < secretNonceSize {
		return "", fmt.Errorf("secret too short")
	}
	var nonce [secretNonceSize]byte
	copy(nonce[:], raw[:secretNonceSize])
	key := k.projectKey(projectID)
	opened, ok := secretbox.Open(nil, raw[secretNonceSize:], &nonce, &key)
	if !ok {
		return "", fmt.Errorf("secret authentication failed")
	}
	return string(opened), nil
}

// ResolveProjectVariables reads a project's plaintext variables and decrypts
// its secrets. The returned maps are ephemeral: callers pass them into the
// worker payload and nowhere else.
func (s *Store) ResolveProjectVariables(ctx context.Context, projectID string, keeper *SecretKeeper) (vars, secrets map[string]string, err error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, value, is_secret FROM project_variables WHERE project_id = $1`,
		projectID,
	)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindTransientIO, "load project variables", err)
	}
	defer rows.Close()

	vars = make(map[string]string)
	secrets = make(map[string]string)
	for rows.Next() {
		var name, value string
		var isSecret bool
		if err := rows.Scan(&name, &value, &isSecret); err != nil {
			return nil, nil, err
		}
		if !isSecret {
			vars[name] = value
			continue
		}
		if keeper == nil {
			return nil, nil, fmt.Errorf("project has secrets but no secrets key is configured")
		}
		plain, err := keeper.Decrypt(projectID, value)
		if err != nil {
			return nil, nil, fmt.Errorf("decrypt variable %s: %w", name, err)
		}
		secrets[name] = plain
	}
	return vars, secrets, rows.Err()
}
