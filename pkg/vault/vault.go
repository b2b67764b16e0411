// Package vault encrypts and decrypts provider config fields marked
// sensitive. The codec is a stateless, pure transform: non-sensitive fields
// stay introspectable in the ciphertext blob, sensitive fields are sealed
// field-by-field with AES-256-GCM under a server-held master key.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// KeySize is the required master key length (AES-256).
const KeySize = 32

// blobVersion is the current ciphertext envelope version. Versioning allows
// future key rotation without breaking stored records.
const blobVersion = 1

// CryptoError reports a failed encrypt or decrypt. Decrypt fails closed: an
// authentication-tag mismatch is always surfaced as a CryptoError, never as
// partial plaintext or an empty config.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("vault %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// Codec seals and opens provider config blobs.
type Codec struct {
	aead cipher.AEAD
}

// New creates a codec from a 32-byte master key.
func New(masterKey []byte) (*Codec, error) {
	if len(masterKey) != KeySize {
		return nil, &CryptoError{Op: "new", Err: fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))}
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, &CryptoError{Op: "new", Err: err}
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &CryptoError{Op: "new", Err: err}
	}
	return &Codec{aead: aead}, nil
}

// DeriveKey stretches a passphrase into a master key with Argon2id.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeySize)
}

// envelope is the stored blob layout. Plain fields remain readable without
// the master key; secret fields map name -> base64(nonce || ciphertext).
type envelope struct {
	Version int               `json:"v"`
	Plain   map[string]any    `json:"plain"`
	Secret  map[string]string `json:"secret"`
}

// Encrypt seals the fields named in sensitive and returns the ciphertext
// blob. Fields absent from sensitive are stored as-is.
func (c *Codec) Encrypt(config map[string]any, sensitive []string) ([]byte, error) {
	isSensitive := toSet(sensitive)

	env := envelope{
		Version: blobVersion,
		Plain:   make(map[string]any),
		Secret:  make(map[string]string),
	}

	for name, value := range config {
		if !isSensitive[name] {
			env.Plain[name] = value
			continue
		}
		plaintext, err := json.Marshal(value)
		if err != nil {
			return nil, &CryptoError{Op: "encrypt", Err: fmt.Errorf("marshal field %q: %w", name, err)}
		}
		sealed, err := c.seal(plaintext, []byte(name))
		if err != nil {
			return nil, err
		}
		env.Secret[name] = sealed
	}

	blob, err := json.Marshal(env)
	if err != nil {
		return nil, &CryptoError{Op: "encrypt", Err: err}
	}
	return blob, nil
}

// Decrypt opens a ciphertext blob. Only fields named in sensitive are
// expected in the secret section; any authentication failure aborts the
// whole operation.
func (c *Codec) Decrypt(blob []byte, sensitive []string) (map[string]any, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("parse blob: %w", err)}
	}
	if env.Version != blobVersion {
		return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("unsupported blob version %d", env.Version)}
	}

	out := make(map[string]any, len(env.Plain)+len(env.Secret))
	for name, value := range env.Plain {
		out[name] = value
	}
	for name, sealed := range env.Secret {
		plaintext, err := c.open(sealed, []byte(name))
		if err != nil {
			return nil, err
		}
		var value any
		if err := json.Unmarshal(plaintext, &value); err != nil {
			return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("unmarshal field %q: %w", name, err)}
		}
		out[name] = value
	}

	_ = sensitive // the secret section is authoritative; sensitive names only gate Encrypt

	return out, nil
}

func (c *Codec) seal(plaintext, aad []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", &CryptoError{Op: "encrypt", Err: err}
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, aad)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Codec) open(sealed string, aad []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: err}
	}
	if len(raw) < c.aead.NonceSize() {
		return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("ciphertext shorter than nonce")}
	}
	nonce, ciphertext := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Err: err}
	}
	return plaintext, nil
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
