package models

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

const encPrefix = "ENC[age:"
const encSuffix = "]"

// envKeys maps provider names to their conventional environment variables.
// The environment always wins over the credentials file.
var envKeys = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
}

// AuthStorage reads provider credentials from the environment or from an
// age-encrypted credentials file. Read-only from the engine's point of view;
// Store exists for the CLI.
type AuthStorage struct {
	credsPath string
	keyPath   string
}

// NewAuthStorage creates auth storage over the given credentials and key files.
func NewAuthStorage(credsPath, keyPath string) *AuthStorage {
	return &AuthStorage{credsPath: credsPath, keyPath: keyPath}
}

// APIKey resolves the API key for a provider.
func (a *AuthStorage) APIKey(provider string) (string, error) {
	if env, ok := envKeys[provider]; ok {
		if v := os.Getenv(env); v != "" {
			return v, nil
		}
	}

	creds, err := a.readCredentials()
	if err != nil {
		return "", err
	}
	blob, ok := creds[provider]
	if !ok {
		return "", fmt.Errorf("no credentials for provider %q (set %s or run `omp auth`)", provider, envKeys[provider])
	}
	if !isEncrypted(blob) {
		return blob, nil // plaintext entries are tolerated
	}

	identity, err := loadIdentity(a.keyPath)
	if err != nil {
		return "", err
	}
	return decrypt(blob, identity)
}

// Store encrypts and persists a credential, generating an identity if needed.
func (a *AuthStorage) Store(provider, key string) error {
	if err := generateIdentity(a.keyPath); err != nil {
		return err
	}
	identity, err := loadIdentity(a.keyPath)
	if err != nil {
		return err
	}

	blob, err := encrypt(key, identity.Recipient())
	if err != nil {
		return err
	}

	creds, err := a.readCredentials()
	if err != nil {
		return err
	}
	creds[provider] = blob

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.credsPath), 0o755); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	return os.WriteFile(a.credsPath, data, 0o600)
}

func (a *AuthStorage) readCredentials() (map[string]string, error) {
	data, err := os.ReadFile(a.credsPath)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var creds map[string]string
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return creds, nil
}

// generateIdentity creates an X25519 key pair at path with 0o600.
// Idempotent: an existing file is left alone.
func generateIdentity(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generate age identity: %w", err)
	}

	content := fmt.Sprintf("# created by omp\n# public key: %s\n%s\n",
		identity.Recipient().String(), identity.String())

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write age key: %w", err)
	}
	return nil
}

func loadIdentity(path string) (*age.X25519Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open age key: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse age identities: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in %s", path)
	}

	id, ok := identities[0].(*age.X25519Identity)
	if !ok {
		return nil, fmt.Errorf("unexpected identity type in %s", path)
	}
	return id, nil
}

func encrypt(plaintext string, recipient *age.X25519Recipient) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return "", fmt.Errorf("age encrypt init: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("age encrypt write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("age encrypt close: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
	return encPrefix + encoded + encSuffix, nil
}

func decrypt(blob string, identity *age.X25519Identity) (string, error) {
	encoded := blob[len(encPrefix) : len(blob)-len(encSuffix)]
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}

	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read decrypted: %w", err)
	}
	return string(plain), nil
}

func isEncrypted(s string) bool {
	return strings.HasPrefix(s, encPrefix) && strings.HasSuffix(s, encSuffix)
}
