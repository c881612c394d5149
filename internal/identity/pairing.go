package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Pairing token roles.
const (
	RoleOperator = "operator"
	RoleNode     = "node"
	RoleChannel  = "channel"
	RoleReadOnly = "read-only"
)

var (
	ErrTokenUnknown = errors.New("pairing: unknown token")
	ErrTokenExpired = errors.New("pairing: token expired")
)

// pairingRecord is the persisted form: only the hash of the token is stored.
type pairingRecord struct {
	Hash      string    `json:"hash"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Pairings issues and consumes single-use bearer tokens scoped to a role.
type Pairings struct {
	mu      sync.Mutex
	path    string
	pending map[string]pairingRecord // keyed by hash
}

// NewPairings loads the pending token set from identity/pairings.json if
// present. A missing file is an empty set, not an error.
func NewPairings(dir string) (*Pairings, error) {
	p := &Pairings{
		path:    filepath.Join(dir, "pairings.json"),
		pending: make(map[string]pairingRecord),
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, fmt.Errorf("read pairings: %w", err)
	}
	var records []pairingRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse pairings: %w", err)
	}
	for _, r := range records {
		p.pending[r.Hash] = r
	}
	return p, nil
}

// Issue mints a new single-use token for the given role. The plaintext is
// returned exactly once; only its hash is retained.
func (p *Pairings) Issue(role string, ttl time.Duration) (string, error) {
	switch role {
	case RoleOperator, RoleNode, RoleChannel, RoleReadOnly:
	default:
		return "", fmt.Errorf("pairing: invalid role %q", role)
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("pairing token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[hashToken(token)] = pairingRecord{
		Hash:      hashToken(token),
		Role:      role,
		ExpiresAt: time.Now().Add(ttl),
	}
	if err := p.saveLocked(); err != nil {
		return "", err
	}
	return token, nil
}

// Consume validates a presented token and removes it: a pairing token
// authenticates exactly one connect. Returns the role it was scoped to.
func (p *Pairings) Consume(token string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := hashToken(token)
	rec, ok := p.pending[h]
	if !ok {
		return "", ErrTokenUnknown
	}
	delete(p.pending, h)
	_ = p.saveLocked()
	if time.Now().After(rec.ExpiresAt) {
		return "", ErrTokenExpired
	}
	return rec.Role, nil
}

func (p *Pairings) saveLocked() error {
	records := make([]pairingRecord, 0, len(p.pending))
	now := time.Now()
	for _, r := range p.pending {
		if now.After(r.ExpiresAt) {
			continue // drop expired on save
		}
		records = append(records, r)
	}
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p.path, data, 0o600)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
