package encryption

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"syndicate-go/internal/config"
)

func newTestKeyring(t *testing.T) *AgeKeyring {
	t.Helper()
	dir := t.TempDir()
	return NewAgeKeyring(config.SecretsConfig{IdentityFile: filepath.Join(dir, "keys", "identity.txt")})
}

func TestAgeKeyring_IsConfigured_BeforeSetup(t *testing.T) {
	t.Parallel()
	k := newTestKeyring(t)
	if k.IsConfigured() {
		t.Error("IsConfigured() = true before Setup, want false")
	}
}

func TestAgeKeyring_Setup(t *testing.T) {
	t.Parallel()
	k := newTestKeyring(t)

	recipient, err := k.Setup()
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !strings.HasPrefix(recipient, "age1") {
		t.Errorf("Setup() recipient = %q, want age1 prefix", recipient)
	}
	if !k.IsConfigured() {
		t.Error("IsConfigured() = false after Setup, want true")
	}

	info, err := os.Stat(k.identityPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("identity mode = %v, want 0600", info.Mode().Perm())
	}

	if _, err := k.Setup(); err == nil {
		t.Error("second Setup() expected error")
	}
}

func TestAgeKeyring_SealOpenRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{name: "api key", input: "2f1c6c3e-8f0a-4b7e-9a55-0d1f3b1f8e11"},
		{name: "empty", input: ""},
		{name: "unicode", input: "clé-secrète"},
	}

	k := newTestKeyring(t)
	if _, err := k.Setup(); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := k.Seal(tt.input)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			if !IsSealed(sealed) {
				t.Fatalf("Seal() = %q, missing prefix", sealed)
			}
			if tt.input != "" && strings.Contains(sealed, tt.input) {
				t.Error("sealed value contains the plaintext")
			}

			got, err := k.Open(sealed)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if got != tt.input {
				t.Errorf("Open() = %q, want %q", got, tt.input)
			}
		})
	}
}

func TestAgeKeyring_Open(t *testing.T) {
	t.Parallel()

	t.Run("passes plain values through", func(t *testing.T) {
		k := newTestKeyring(t)
		got, err := k.Open("plain-key")
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		if got != "plain-key" {
			t.Errorf("Open() = %q, want %q", got, "plain-key")
		}
	})

	t.Run("fails without identity", func(t *testing.T) {
		k := newTestKeyring(t)
		if _, err := k.Open(Prefix + "AAAA"); err == nil {
			t.Error("Open() expected error without identity file")
		}
	})

	t.Run("fails with another identity", func(t *testing.T) {
		a := newTestKeyring(t)
		b := newTestKeyring(t)
		if _, err := a.Setup(); err != nil {
			t.Fatal(err)
		}
		if _, err := b.Setup(); err != nil {
			t.Fatal(err)
		}

		sealed, err := a.Seal("secret")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := b.Open(sealed); err == nil {
			t.Error("Open() with wrong identity expected error")
		}
	})

	t.Run("rejects malformed base64", func(t *testing.T) {
		k := newTestKeyring(t)
		if _, err := k.Setup(); err != nil {
			t.Fatal(err)
		}
		if _, err := k.Open(Prefix + "not base64!"); err == nil {
			t.Error("Open() expected error for malformed value")
		}
	})
}
