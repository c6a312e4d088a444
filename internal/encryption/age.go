// Package encryption protects remote API keys stored in the configuration file.
//
// An encrypted value is written as "age:" followed by base64 age ciphertext
// addressed to the X25519 identity kept in the secrets identity file.
package encryption

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"

	"syndicate-go/internal/config"
)

// Prefix marks an encrypted configuration value.
const Prefix = "age:"

// IsSealed reports whether value carries the encrypted-value prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// AgeKeyring seals and opens configuration secrets with filippo.io/age.
// The identity file holds an unencrypted X25519 key so that unattended
// workers can start; it is created with mode 0600.
type AgeKeyring struct {
	identityPath string
}

// NewAgeKeyring creates a keyring from configuration.
func NewAgeKeyring(cfg config.SecretsConfig) *AgeKeyring {
	return &AgeKeyring{identityPath: cfg.IdentityFile}
}

// Setup generates a new X25519 identity and writes it in age-keygen format.
// It refuses to overwrite an existing identity.
func (k *AgeKeyring) Setup() (string, error) {
	if k.IsConfigured() {
		return "", fmt.Errorf("identity file already exists at %s", k.identityPath)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generating key pair: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(k.identityPath), 0700); err != nil {
		return "", fmt.Errorf("creating identity directory: %w", err)
	}

	recipient := identity.Recipient().String()
	content := fmt.Sprintf("# created: %s\n# public key: %s\n%s\n",
		time.Now().UTC().Format(time.RFC3339), recipient, identity.String())
	if err := os.WriteFile(k.identityPath, []byte(content), 0600); err != nil {
		return "", fmt.Errorf("writing identity: %w", err)
	}
	return recipient, nil
}

// IsConfigured returns true if the identity file exists.
func (k *AgeKeyring) IsConfigured() bool {
	if k.identityPath == "" {
		return false
	}
	_, err := os.Stat(k.identityPath)
	return err == nil
}

// Seal encrypts plaintext to the keyring's identity.
func (k *AgeKeyring) Seal(plaintext string) (string, error) {
	identity, err := k.loadIdentity()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, identity.Recipient())
	if err != nil {
		return "", fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("encrypting value: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing encryption: %w", err)
	}
	return Prefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open decrypts a sealed value. Values without the prefix are returned as is.
func (k *AgeKeyring) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}

	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("decoding sealed value: %w", err)
	}

	identity, err := k.loadIdentity()
	if err != nil {
		return "", err
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return "", fmt.Errorf("decrypting value: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading decrypted value: %w", err)
	}
	return string(plaintext), nil
}

func (k *AgeKeyring) loadIdentity() (*age.X25519Identity, error) {
	data, err := os.ReadFile(k.identityPath)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}

	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing identity file: %w", err)
	}
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("no X25519 identity found in %s", k.identityPath)
}
