// Package identity manages the long-lived device keypair and pairing tokens.
//
// The keypair uniquely identifies this installation. It is generated once at
// first boot, persisted under identity/ in the workspace root, and never
// rotated automatically. The public half is broadcast during pairing; the
// private half signs gateway authentication challenges.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	deviceFile     = "device.json"
	deviceAuthFile = "device-auth.json"
)

// Device is the persisted identity of this installation.
type Device struct {
	DeviceID  string    `json:"deviceId"`
	PublicKey string    `json:"publicKey"` // base64 ed25519
	CreatedAt time.Time `json:"createdAt"`

	priv ed25519.PrivateKey
}

type deviceAuth struct {
	PrivateKey string `json:"privateKey"` // base64 ed25519 seed+pub
}

// LoadOrCreate returns the device identity stored under dir, generating and
// persisting a fresh keypair on first boot. The private half is written with
// mode 0600.
func LoadOrCreate(dir string) (*Device, error) {
	pubPath := filepath.Join(dir, deviceFile)
	privPath := filepath.Join(dir, deviceAuthFile)

	if data, err := os.ReadFile(pubPath); err == nil {
		var d Device
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("parse %s: %w", deviceFile, err)
		}
		authData, err := os.ReadFile(privPath)
		if err != nil {
			return nil, fmt.Errorf("read device auth: %w", err)
		}
		var auth deviceAuth
		if err := json.Unmarshal(authData, &auth); err != nil {
			return nil, fmt.Errorf("parse %s: %w", deviceAuthFile, err)
		}
		priv, err := base64.StdEncoding.DecodeString(auth.PrivateKey)
		if err != nil || len(priv) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("device auth: invalid private key material")
		}
		d.priv = ed25519.PrivateKey(priv)
		return &d, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}

	d := &Device{
		DeviceID:  fingerprint(pub),
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		CreatedAt: time.Now().UTC(),
		priv:      priv,
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	pubJSON, _ := json.MarshalIndent(d, "", "  ")
	if err := os.WriteFile(pubPath, pubJSON, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", deviceFile, err)
	}
	authJSON, _ := json.Marshal(deviceAuth{PrivateKey: base64.StdEncoding.EncodeToString(priv)})
	if err := os.WriteFile(privPath, authJSON, 0o600); err != nil {
		return nil, fmt.Errorf("write %s: %w", deviceAuthFile, err)
	}
	return d, nil
}

// Sign signs a gateway challenge nonce with the device private key.
func (d *Device) Sign(nonce []byte) []byte {
	return ed25519.Sign(d.priv, nonce)
}

// Verify checks a signature over nonce against a base64-encoded public key.
func Verify(publicKeyB64 string, nonce, sig []byte) bool {
	pub, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), nonce, sig)
}

// NewNonce returns a random challenge nonce of at least 128 bits.
func NewNonce() ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("challenge nonce: %w", err)
	}
	return buf, nil
}

func fingerprint(pub ed25519.PublicKey) string {
	return "device-" + base64.RawURLEncoding.EncodeToString(pub[:9])
}
