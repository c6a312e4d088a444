package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syndicate-go/internal/config"
	"syndicate-go/internal/syndicate"
)

func TestNewDialerFromConfig(t *testing.T) {
	t.Run("rejects unknown types", func(t *testing.T) {
		cfg := config.NewConfig(t.TempDir())
		cfg.Remote.Type = "ftp"
		_, err := NewDialerFromConfig(cfg)
		assert.Error(t, err)
	})

	t.Run("caches clients per connection", func(t *testing.T) {
		d, err := NewDialerFromConfig(config.NewConfig(t.TempDir()))
		require.NoError(t, err)

		a := syndicate.NewProfile("a")
		a.RemoteURL = "https://one.example"
		b := syndicate.NewProfile("b")
		b.RemoteURL = "https://one.example"
		c := syndicate.NewProfile("c")
		c.RemoteURL = "https://one.example"
		c.APIKey = "other-key"

		ca, err := d.Dial(a)
		require.NoError(t, err)
		cb, err := d.Dial(b)
		require.NoError(t, err)
		cc, err := d.Dial(c)
		require.NoError(t, err)

		assert.IsType(t, &Client{}, ca)
		assert.Same(t, ca, cb)
		assert.NotSame(t, ca, cc)
	})

	t.Run("memory remotes are shared per url", func(t *testing.T) {
		cfg := config.NewConfig(t.TempDir())
		cfg.Remote.Type = "memory"
		d, err := NewDialerFromConfig(cfg)
		require.NoError(t, err)

		a := syndicate.NewProfile("a")
		a.RemoteURL = "https://one.example"
		a.APIKey = "k1"
		b := syndicate.NewProfile("b")
		b.RemoteURL = "https://one.example"
		b.APIKey = "k2"

		ca, err := d.Dial(a)
		require.NoError(t, err)
		cb, err := d.Dial(b)
		require.NoError(t, err)

		require.IsType(t, &MemoryCatalog{}, ca)
		assert.Same(t, ca, cb)
	})

	t.Run("requires a remote url", func(t *testing.T) {
		d, err := NewDialerFromConfig(config.NewConfig(t.TempDir()))
		require.NoError(t, err)
		_, err = d.Dial(syndicate.NewProfile("empty"))
		assert.Error(t, err)
	})
}
