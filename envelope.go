package kurir

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Sealed payload layout:
//
//	version (1) | key id length (1) | key id | nonce (24) | ciphertext+tag
//
// Everything before the nonce is authenticated as additional data.
const (
	envelopeVersion byte = 1
	envelopeInfo         = "kurir envelope v1"
	minSecretSize        = 16
	maxKeyIDSize         = 255
)

// Verification failure reasons.
const (
	ReasonTruncated   = "truncated"
	ReasonVersion     = "unsupported version"
	ReasonKeyMismatch = "key id mismatch"
	ReasonUnknownKey  = "unknown key"
	ReasonKeyExpired  = "key expired"
	ReasonBadTag      = "authentication failed"
)

// Key is a named secret used to seal payloads. Secrets are expanded with
// HKDF-SHA256 bound to the key id, so the same secret under two ids yields
// unrelated cipher keys.
type Key struct {
	ID string
	// NotAfter is the last instant the key may be used. Zero means no expiry.
	NotAfter time.Time
	secret   []byte
}

// NewKey validates and copies secret.
func NewKey(id string, secret []byte, notAfter time.Time) (Key, error) {
	if id == "" || len(id) > maxKeyIDSize {
		return Key{}, fmt.Errorf("kurir: key id must be 1-%d bytes, got %d", maxKeyIDSize, len(id))
	}
	if len(secret) < minSecretSize {
		return Key{}, fmt.Errorf("kurir: key %q secret must be at least %d bytes", id, minSecretSize)
	}
	return Key{ID: id, NotAfter: notAfter, secret: append([]byte(nil), secret...)}, nil
}

// GenerateKey creates a key with a random 32 byte secret.
func GenerateKey(id string, notAfter time.Time) (Key, error) {
	secret := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(secret); err != nil {
		return Key{}, fmt.Errorf("kurir: generate key: %w", err)
	}
	return NewKey(id, secret, notAfter)
}

func (k Key) expired(now time.Time) bool {
	return !k.NotAfter.IsZero() && now.After(k.NotAfter)
}

func (k Key) cipherKey() ([]byte, error) {
	derived := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, k.secret, nil, []byte(envelopeInfo+"\x00"+k.ID))
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, err
	}
	return derived, nil
}

// Seal encrypts and authenticates payload under key.
func Seal(payload []byte, key Key) ([]byte, error) {
	return seal(payload, key, time.Now())
}

func seal(payload []byte, key Key, now time.Time) ([]byte, error) {
	if len(key.secret) == 0 {
		return nil, errors.New("kurir: seal with empty key")
	}
	if key.expired(now) {
		return nil, fmt.Errorf("kurir: seal with expired key %q", key.ID)
	}

	ck, err := key.cipherKey()
	if err != nil {
		return nil, fmt.Errorf("kurir: derive key %q: %w", key.ID, err)
	}
	aead, err := chacha20poly1305.NewX(ck)
	if err != nil {
		return nil, fmt.Errorf("kurir: init cipher: %w", err)
	}

	headerLen := 2 + len(key.ID)
	out := make([]byte, headerLen+aead.NonceSize(), headerLen+aead.NonceSize()+len(payload)+aead.Overhead())
	out[0] = envelopeVersion
	out[1] = byte(len(key.ID))
	copy(out[2:], key.ID)

	nonce := out[headerLen:]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("kurir: nonce: %w", err)
	}
	return aead.Seal(out, nonce, payload, out[:headerLen]), nil
}

// Open authenticates and decrypts sealed with key. It never returns
// partial data: any failure yields a *VerificationError and nil bytes.
func Open(sealed []byte, key Key) ([]byte, error) {
	return open(sealed, func(id string) (Key, bool) {
		return key, id == key.ID
	}, time.Now())
}

type envelopeHeader struct {
	keyID string
	size  int
}

func parseEnvelopeHeader(sealed []byte) (envelopeHeader, error) {
	if len(sealed) < 2 {
		return envelopeHeader{}, &VerificationError{Reason: ReasonTruncated}
	}
	if sealed[0] != envelopeVersion {
		return envelopeHeader{}, &VerificationError{Reason: fmt.Sprintf("%s %d", ReasonVersion, sealed[0])}
	}
	size := 2 + int(sealed[1])
	if sealed[1] == 0 || len(sealed) < size+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return envelopeHeader{}, &VerificationError{Reason: ReasonTruncated}
	}
	return envelopeHeader{keyID: string(sealed[2:size]), size: size}, nil
}

func open(sealed []byte, lookup func(id string) (Key, bool), now time.Time) ([]byte, error) {
	h, err := parseEnvelopeHeader(sealed)
	if err != nil {
		return nil, err
	}

	key, ok := lookup(h.keyID)
	if !ok {
		reason := ReasonUnknownKey
		if key.ID != "" {
			reason = ReasonKeyMismatch
		}
		return nil, &VerificationError{KeyID: h.keyID, Reason: reason}
	}
	if key.expired(now) {
		return nil, &VerificationError{KeyID: h.keyID, Reason: ReasonKeyExpired}
	}

	ck, err := key.cipherKey()
	if err != nil {
		return nil, &VerificationError{KeyID: h.keyID, Reason: "key derivation", Cause: err}
	}
	aead, err := chacha20poly1305.NewX(ck)
	if err != nil {
		return nil, &VerificationError{KeyID: h.keyID, Reason: "cipher init", Cause: err}
	}

	nonce := sealed[h.size : h.size+aead.NonceSize()]
	plain, err := aead.Open(nil, nonce, sealed[h.size+aead.NonceSize():], sealed[:h.size])
	if err != nil {
		return nil, &VerificationError{KeyID: h.keyID, Reason: ReasonBadTag, Cause: err}
	}
	return plain, nil
}

// Sealer protects values at rest. *Keyring implements it.
type Sealer interface {
	Seal(payload []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Keyring holds the active sealing key and the retired keys still accepted
// for opening, looked up by the key id embedded in each envelope.
type Keyring struct {
	mu     sync.RWMutex
	active string
	keys   map[string]Key
	now    func() time.Time
}

// NewKeyring creates a keyring sealing with active and opening with active
// or any of retired.
func NewKeyring(active Key, retired ...Key) (*Keyring, error) {
	kr := &Keyring{keys: make(map[string]Key), now: time.Now}
	for _, k := range retired {
		if err := kr.Add(k); err != nil {
			return nil, err
		}
	}
	if err := kr.Rotate(active); err != nil {
		return nil, err
	}
	return kr, nil
}

// Add registers a key for opening without making it active.
func (kr *Keyring) Add(key Key) error {
	if len(key.secret) == 0 {
		return fmt.Errorf("kurir: key %q has no secret", key.ID)
	}
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.keys[key.ID] = key
	return nil
}

// Rotate registers key and seals with it from now on.
func (kr *Keyring) Rotate(key Key) error {
	if err := kr.Add(key); err != nil {
		return err
	}
	kr.mu.Lock()
	kr.active = key.ID
	kr.mu.Unlock()
	return nil
}

// Remove forgets a retired key. The active key cannot be removed.
func (kr *Keyring) Remove(id string) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	if id == kr.active {
		return fmt.Errorf("kurir: cannot remove active key %q", id)
	}
	delete(kr.keys, id)
	return nil
}

// ActiveID returns the id of the sealing key.
func (kr *Keyring) ActiveID() string {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.active
}

// Seal implements Sealer with the active key.
func (kr *Keyring) Seal(payload []byte) ([]byte, error) {
	kr.mu.RLock()
	key := kr.keys[kr.active]
	kr.mu.RUnlock()
	return seal(payload, key, kr.now())
}

// Open implements Sealer.
func (kr *Keyring) Open(sealed []byte) ([]byte, error) {
	return open(sealed, func(id string) (Key, bool) {
		kr.mu.RLock()
		defer kr.mu.RUnlock()
		k, ok := kr.keys[id]
		return k, ok
	}, kr.now())
}
