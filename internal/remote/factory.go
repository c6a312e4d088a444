package remote

import (
	"fmt"
	"sync"

	"syndicate-go/internal/config"
	"syndicate-go/internal/syndicate"
)

// Dialer hands out one catalog client per distinct remote connection and
// reuses it across calls, so that rate limits apply per remote.
type Dialer struct {
	cfg *config.Config

	mu      sync.Mutex
	clients map[string]syndicate.RemoteCatalog
}

var _ syndicate.Dialer = (*Dialer)(nil)

// NewDialerFromConfig creates a Dialer for the configured remote type.
func NewDialerFromConfig(cfg *config.Config) (*Dialer, error) {
	switch cfg.Remote.Type {
	case "", "ckan", "memory":
	default:
		return nil, fmt.Errorf("unknown remote type: %s", cfg.Remote.Type)
	}
	return &Dialer{
		cfg:     cfg,
		clients: make(map[string]syndicate.RemoteCatalog),
	}, nil
}

// Dial returns the catalog for p's remote.
func (d *Dialer) Dial(p *syndicate.Profile) (syndicate.RemoteCatalog, error) {
	if p.RemoteURL == "" {
		return nil, fmt.Errorf("profile %s: remote url is not configured", p.ID)
	}

	key := p.RemoteURL
	if d.cfg.Remote.Type != "memory" {
		key += "\x00" + p.APIKey + "\x00" + p.UserAgent
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[key]; ok {
		return c, nil
	}

	var c syndicate.RemoteCatalog
	if d.cfg.Remote.Type == "memory" {
		c = NewMemoryCatalog(p.RemoteURL)
	} else {
		c = NewClient(ClientConfig{
			URL:       p.RemoteURL,
			APIKey:    p.APIKey,
			UserAgent: p.UserAgent,
			Timeout:   d.cfg.RemoteTimeout(),
			RateLimit: d.cfg.Remote.RateLimit,
			Burst:     d.cfg.Remote.Burst,
		})
	}
	d.clients[key] = c
	return c, nil
}
