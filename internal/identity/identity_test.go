package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreatePersistsKeypair(t *testing.T) {
	dir := t.TempDir()

	d1, err := LoadOrCreate(dir)
	require.NoError(t, err)
	require.NotEmpty(t, d1.PublicKey)

	// Second load returns the same identity, not a fresh one.
	d2, err := LoadOrCreate(dir)
	require.NoError(t, err)
	assert.Equal(t, d1.DeviceID, d2.DeviceID)
	assert.Equal(t, d1.PublicKey, d2.PublicKey)

	nonce, err := NewNonce()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(nonce), 16)

	sig := d2.Sign(nonce)
	assert.True(t, Verify(d1.PublicKey, nonce, sig))
	assert.False(t, Verify(d1.PublicKey, append(nonce, 'x'), sig))
}

func TestPairingTokenSingleUse(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPairings(dir)
	require.NoError(t, err)

	token, err := p.Issue(RoleOperator, time.Minute)
	require.NoError(t, err)

	role, err := p.Consume(token)
	require.NoError(t, err)
	assert.Equal(t, RoleOperator, role)

	// Consumed on first success — replay is rejected.
	_, err = p.Consume(token)
	assert.ErrorIs(t, err, ErrTokenUnknown)
}

func TestPairingTokenExpiry(t *testing.T) {
	p, err := NewPairings(t.TempDir())
	require.NoError(t, err)

	token, err := p.Issue(RoleChannel, -time.Second)
	require.NoError(t, err)

	_, err = p.Consume(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestPairingRejectsInvalidRole(t *testing.T) {
	p, err := NewPairings(t.TempDir())
	require.NoError(t, err)
	_, err = p.Issue("admin", time.Minute)
	assert.Error(t, err)
}
