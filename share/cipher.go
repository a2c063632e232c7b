package stshare

// AEAD plumbing for the shadowsocks stream protocol: the cipher method
// table, master key derivation from a passphrase, per-direction sub-key
// derivation, and nonce-counting seal/open contexts.

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrUnsupportedMethod is returned when a cipher method name is not in the
// method table
var ErrUnsupportedMethod = errors.New("unsupported cipher method")

// ErrAuthFailure is returned when an AEAD tag fails to verify. Once a Crypter
// has returned it, the Crypter is poisoned and the connection carrying the
// stream must be torn down.
var ErrAuthFailure = errors.New("message authentication failed")

// aeadNonceSize is the nonce size in bytes; the same for both supported methods
const aeadNonceSize = 12

// subkeyInfo is the fixed HKDF info string used for sub-key derivation
const subkeyInfo = "ss-subkey"

// CipherMethod describes one supported AEAD method and its parameter sizes
type CipherMethod struct {
	Name     string
	KeySize  int
	SaltSize int
	TagSize  int
	newAEAD  func(key []byte) (cipher.AEAD, error)
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(blk)
}

var cipherMethods = map[string]*CipherMethod{
	"aes-256-gcm": {
		Name:     "aes-256-gcm",
		KeySize:  32,
		SaltSize: 32,
		TagSize:  16,
		newAEAD:  newAESGCM,
	},
	"chacha20-poly1305": {
		Name:     "chacha20-poly1305",
		KeySize:  32,
		SaltSize: 32,
		TagSize:  16,
		newAEAD:  chacha20poly1305.New,
	},
}

// GetCipherMethod looks up an AEAD method by its canonical name
func GetCipherMethod(name string) (*CipherMethod, error) {
	m, ok := cipherMethods[name]
	if !ok {
		return nil, fmt.Errorf("%w: \"%s\"", ErrUnsupportedMethod, name)
	}
	return m, nil
}

// DeriveMasterKey derives the pre-shared master key from a passphrase using
// the legacy OpenSSL EVP_BytesToKey MD5 chain. There is no salt; the result
// is deterministic so that independently configured peers agree on the key.
func DeriveMasterKey(pass string, keySize int) []byte {
	var key []byte
	var prev []byte
	for len(key) < keySize {
		h := md5.New()
		h.Write(prev)
		h.Write([]byte(pass))
		prev = h.Sum(nil)
		key = append(key, prev...)
	}
	return key[:keySize]
}

// Subkey derives a per-direction session key from the master key and a
// per-direction random salt, using HKDF-SHA1 with the fixed "ss-subkey"
// info string.
func (m *CipherMethod) Subkey(masterKey, salt []byte) []byte {
	r := hkdf.New(sha1.New, masterKey, salt, []byte(subkeyInfo))
	key := make([]byte, m.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails when asked for an absurd output length
		panic(err)
	}
	return key
}

// GenerateSalt returns a fresh random salt of the method's salt size
func (m *CipherMethod) GenerateSalt() ([]byte, error) {
	salt := make([]byte, m.SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("salt generation failed: %s", err)
	}
	return salt, nil
}

// Crypter seals or opens AEAD frames for one direction of one connection.
// The nonce starts at zero and is incremented as a little-endian counter
// after every sealed frame, and after every successfully opened frame.
// A Crypter must only ever be used for a single direction; sharing one
// between directions would reuse nonces.
type Crypter struct {
	aead     cipher.AEAD
	nonce    []byte
	poisoned bool
}

// NewCrypter derives the sub-key for the given salt and returns a Crypter
// for one direction of a connection
func (m *CipherMethod) NewCrypter(masterKey, salt []byte) (*Crypter, error) {
	if len(salt) != m.SaltSize {
		return nil, fmt.Errorf("bad salt length %d for method %s", len(salt), m.Name)
	}
	aead, err := m.newAEAD(m.Subkey(masterKey, salt))
	if err != nil {
		return nil, err
	}
	return &Crypter{
		aead:  aead,
		nonce: make([]byte, aeadNonceSize),
	}, nil
}

// Seal encrypts one frame, appending the auth tag, and advances the nonce
func (c *Crypter) Seal(plaintext []byte) []byte {
	ct := c.aead.Seal(nil, c.nonce, plaintext, nil)
	incrementNonce(c.nonce)
	return ct
}

// Open verifies and decrypts one frame whose trailing bytes are the auth
// tag. The nonce is advanced only if verification succeeds; on failure the
// Crypter is poisoned and all subsequent calls fail.
func (c *Crypter) Open(frame []byte) ([]byte, error) {
	if c.poisoned {
		return nil, ErrAuthFailure
	}
	pt, err := c.aead.Open(nil, c.nonce, frame, nil)
	if err != nil {
		c.poisoned = true
		return nil, ErrAuthFailure
	}
	incrementNonce(c.nonce)
	return pt, nil
}

// Overhead returns the auth tag size added to each sealed frame
func (c *Crypter) Overhead() int {
	return c.aead.Overhead()
}

// incrementNonce advances a little-endian counter nonce by one
func incrementNonce(nonce []byte) {
	for i := range nonce {
		nonce[i]++
		if nonce[i] != 0 {
			return
		}
	}
}
