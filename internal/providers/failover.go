package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ArchitectVS7/OpenClaw/pkg/protocol"
)

// Profile is one credential entry in auth-profiles.json. Profiles are tried
// in file order.
type Profile struct {
	Name    string `json:"name"`
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

const profilesFile = "auth-profiles.json"

// LoadProfiles reads the ordered auth profile list from dir. When the file
// is absent, ANTHROPIC_API_KEY yields a single default profile.
func LoadProfiles(dir string) ([]Profile, error) {
	data, err := os.ReadFile(filepath.Join(dir, profilesFile))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read auth profiles: %w", err)
		}
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			return []Profile{{Name: "default", APIKey: key}}, nil
		}
		return nil, errors.New("no auth profiles: create auth-profiles.json or set ANTHROPIC_API_KEY")
	}
	var profiles []Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("parse auth profiles: %w", err)
	}
	if len(profiles) == 0 {
		return nil, errors.New("auth profiles file is empty")
	}
	for i, p := range profiles {
		if p.APIKey == "" {
			return nil, fmt.Errorf("auth profile %d (%s): missing apiKey", i, p.Name)
		}
	}
	return profiles, nil
}

// Chain tries an ordered list of providers, advancing past ones that are
// rate limited, expired, or timing out. The last working index is remembered
// so later calls skip known-bad profiles until the chain wraps.
type Chain struct {
	providers []Provider
	timeout   time.Duration

	mu  sync.Mutex
	idx int
}

// NewChain wraps providers in failover order. timeout bounds each model
// call; zero means DefaultCallTimeout.
func NewChain(providers []Provider, timeout time.Duration) (*Chain, error) {
	if len(providers) == 0 {
		return nil, errors.New("failover chain needs at least one provider")
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Chain{providers: providers, timeout: timeout}, nil
}

// NewAnthropicChain builds a chain of Anthropic providers from profiles.
func NewAnthropicChain(profiles []Profile, timeout time.Duration) (*Chain, error) {
	providers := make([]Provider, 0, len(profiles))
	for _, prof := range profiles {
		p, err := NewAnthropic(AnthropicOptions{
			APIKey:  prof.APIKey,
			BaseURL: prof.BaseURL,
			Label:   "anthropic/" + prof.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", prof.Name, err)
		}
		providers = append(providers, p)
	}
	return NewChain(providers, timeout)
}

func (c *Chain) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.providers[c.idx].Name()
}

// failsOver reports whether the error kind advances the chain to the next
// profile rather than aborting the turn.
func failsOver(kind string) bool {
	switch kind {
	case protocol.ErrRateLimited, protocol.ErrAuthExpired, protocol.ErrModelTimeout:
		return true
	}
	return false
}

// ChatStream tries each provider starting from the last working one. A
// caller cancellation stops immediately; failover-kind errors advance; any
// other error aborts. Exhausting the chain yields ModelUnavailable.
func (c *Chain) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	c.mu.Lock()
	start := c.idx
	c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < len(c.providers); attempt++ {
		i := (start + attempt) % len(c.providers)
		p := c.providers[i]

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err := p.ChatStream(callCtx, req, onChunk)
		cancel()

		if err == nil {
			c.mu.Lock()
			c.idx = i
			c.mu.Unlock()
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		kind := KindOf(err)
		if !failsOver(kind) {
			return nil, err
		}
		slog.Warn("provider.failover", "from", p.Name(), "kind", kind, "error", err)
		lastErr = err
	}

	return nil, NewError(protocol.ErrModelUnavailable,
		fmt.Errorf("all %d auth profiles exhausted: %w", len(c.providers), lastErr))
}
