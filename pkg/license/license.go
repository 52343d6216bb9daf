package license

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomworks/bazaar/pkg/log"
	"github.com/loomworks/bazaar/pkg/types"
)

var (
	// ErrExpired means the license signature is valid but the expiry has
	// passed.
	ErrExpired = errors.New("license expired")

	// ErrInvalid means the file is unreadable, malformed, or the
	// signature does not verify.
	ErrInvalid = errors.New("license invalid")
)

// Entitlements is what a verified license grants.
type Entitlements struct {
	Key               string    `json:"key"`
	ExpiresAt         time.Time `json:"expires_at"`
	MaxConcurrentJobs int       `json:"max_concurrent_jobs"`
}

// file is the on-disk shape: the grant plus a detached signature.
type file struct {
	License   Entitlements `json:"license"`
	Signature string       `json:"signature"`
}

// signingPayload is the canonical byte string the vendor signs. Field order
// and separators are fixed; changing them invalidates every issued license.
func signingPayload(e Entitlements) []byte {
	return []byte(fmt.Sprintf("%s\n%d\n%d\n", e.Key, e.ExpiresAt.Unix(), e.MaxConcurrentJobs))
}

// Sign produces the signature value for a grant. Used by the license
// generator and by tests; the platform itself only verifies.
func Sign(priv ed25519.PrivateKey, e Entitlements) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, signingPayload(e)))
}

// Verifier loads and re-verifies the license file. It is safe for
// concurrent use; the manager consults it before every job submission.
type Verifier struct {
	path   string
	pub    ed25519.PublicKey
	logger zerolog.Logger

	mu       sync.RWMutex
	current  Entitlements
	loadedAt time.Time
	loadErr  error
}

// NewVerifier creates a verifier for the license at path, checked against
// the hex-encoded Ed25519 public key, and performs the initial load. A
// load failure does not fail construction; Verify reports it.
func NewVerifier(path, publicKeyHex string) (*Verifier, error) {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("license public key is not valid hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("license public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}

	v := &Verifier{
		path:   path,
		pub:    ed25519.PublicKey(pub),
		logger: log.WithComponent("license"),
	}
	v.Reload()
	return v, nil
}

// Reload re-reads the license file and replaces the cached grant. Called at
// startup and by the file watcher.
func (v *Verifier) Reload() {
	ents, err := v.load()

	v.mu.Lock()
	defer v.mu.Unlock()
	v.loadedAt = time.Now()
	v.loadErr = err
	if err == nil {
		v.current = ents
		v.logger.Info().
			Time("expires_at", ents.ExpiresAt).
			Int("max_concurrent_jobs", ents.MaxConcurrentJobs).
			Msg("license loaded")
	} else {
		v.logger.Error().Err(err).Str("path", v.path).Msg("license load failed")
	}
}

func (v *Verifier) load() (Entitlements, error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		return Entitlements{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return Entitlements{}, fmt.Errorf("%w: malformed license file: %v", ErrInvalid, err)
	}

	sig, err := base64.StdEncoding.DecodeString(f.Signature)
	if err != nil {
		return Entitlements{}, fmt.Errorf("%w: malformed signature: %v", ErrInvalid, err)
	}

	if !ed25519.Verify(v.pub, signingPayload(f.License), sig) {
		return Entitlements{}, fmt.Errorf("%w: signature verification failed", ErrInvalid)
	}

	return f.License, nil
}

// Verify returns the current entitlements, or an error when the license
// failed to load or has expired. The expiry check uses the call time, so a
// license that expires mid-run starts failing without a reload.
func (v *Verifier) Verify() (Entitlements, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.loadErr != nil {
		return Entitlements{}, v.loadErr
	}
	if types.NowUTC().After(v.current.ExpiresAt) {
		return Entitlements{}, fmt.Errorf("%w: expired at %s", ErrExpired, v.current.ExpiresAt.Format(time.RFC3339))
	}
	return v.current, nil
}
