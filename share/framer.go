package stshare

// Streaming codecs for the AEAD chunk protocol. An InboundFramer turns an
// arbitrarily split ciphertext byte stream into an ordered sequence of
// plaintext payloads; an OutboundFramer turns plaintext chunks back into
// the wire form. Each instance covers exactly one direction of one
// connection and owns that direction's salt and nonce state.

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxPayloadSize is the largest plaintext length one payload frame may carry
const MaxPayloadSize = 0x3FFF

// lenFrameSize is the plaintext size of a length frame
const lenFrameSize = 2

// ErrInvalidFrame is returned when a length frame decodes to a value outside
// [1, MaxPayloadSize]
var ErrInvalidFrame = errors.New("invalid frame length")

// InboundFramer decodes the encrypted chunk stream received from a peer.
// Feed may be called with any byte granularity; undecodable leftover bytes
// are buffered until more arrive. The peer's salt is consumed from the first
// bytes of the stream before any frames can be decoded.
type InboundFramer struct {
	method    *CipherMethod
	masterKey []byte

	rxBuf    []byte
	decipher *Crypter

	// expectedLen is the plaintext size of the next frame; chunkIndex even
	// means the next frame is a length frame and expectedLen is 2
	expectedLen int
	chunkIndex  uint64
}

// NewInboundFramer creates an InboundFramer for one connection. The peer's
// salt has not yet arrived, so no decryption context exists until the first
// SaltSize bytes have been fed.
func NewInboundFramer(method *CipherMethod, masterKey []byte) *InboundFramer {
	return &InboundFramer{
		method:      method,
		masterKey:   masterKey,
		expectedLen: lenFrameSize,
	}
}

// HasSalt returns true once the peer's salt has been consumed and the
// decryption context exists
func (f *InboundFramer) HasSalt() bool {
	return f.decipher != nil
}

// Feed appends newly received ciphertext and returns all plaintext payloads
// that became decodable. Zero payloads is a normal outcome; the caller just
// feeds more bytes later. A non-nil error means the stream is unrecoverable
// (authentication failure or a malformed length) and the connection must be
// torn down.
func (f *InboundFramer) Feed(p []byte) ([][]byte, error) {
	f.rxBuf = append(f.rxBuf, p...)

	if f.decipher == nil {
		if len(f.rxBuf) < f.method.SaltSize {
			return nil, nil
		}
		salt := f.rxBuf[:f.method.SaltSize]
		decipher, err := f.method.NewCrypter(f.masterKey, salt)
		if err != nil {
			return nil, err
		}
		f.decipher = decipher
		f.rxBuf = append([]byte(nil), f.rxBuf[f.method.SaltSize:]...)
	}

	var payloads [][]byte
	for len(f.rxBuf) >= f.expectedLen+f.method.TagSize {
		frameSize := f.expectedLen + f.method.TagSize
		pt, err := f.decipher.Open(f.rxBuf[:frameSize])
		if err != nil {
			return payloads, err
		}
		f.rxBuf = f.rxBuf[frameSize:]

		if f.chunkIndex%2 == 0 {
			l := int(binary.BigEndian.Uint16(pt))
			if l < 1 || l > MaxPayloadSize {
				return payloads, fmt.Errorf("%w: %d", ErrInvalidFrame, l)
			}
			f.expectedLen = l
		} else {
			payloads = append(payloads, pt)
			f.expectedLen = lenFrameSize
		}
		f.chunkIndex++
	}

	// keep leftover bytes in an owned buffer
	f.rxBuf = append([]byte(nil), f.rxBuf...)

	return payloads, nil
}

// OutboundFramer encodes plaintext chunks into the encrypted wire form for
// one direction of one connection. The locally chosen salt is emitted
// exactly once, as the first bytes of the first Wrap result.
type OutboundFramer struct {
	method   *CipherMethod
	salt     []byte
	cipher   *Crypter
	saltSent bool
}

// NewOutboundFramer generates a fresh random salt, derives the encryption
// sub-key for it, and returns a ready OutboundFramer
func NewOutboundFramer(method *CipherMethod, masterKey []byte) (*OutboundFramer, error) {
	salt, err := method.GenerateSalt()
	if err != nil {
		return nil, err
	}
	return newOutboundFramerWithSalt(method, masterKey, salt)
}

func newOutboundFramerWithSalt(method *CipherMethod, masterKey, salt []byte) (*OutboundFramer, error) {
	cipher, err := method.NewCrypter(masterKey, salt)
	if err != nil {
		return nil, err
	}
	return &OutboundFramer{
		method: method,
		salt:   salt,
		cipher: cipher,
	}, nil
}

// Wrap encrypts p into zero or more length/payload frame pairs, splitting
// so that no payload frame carries more than MaxPayloadSize plaintext
// bytes. All output from one call is returned as a single buffer so the
// transport can send it as one message. The first call's result is
// prefixed with the salt; an empty p flushes just the salt if it has not
// been sent yet.
func (f *OutboundFramer) Wrap(p []byte) []byte {
	var out []byte
	if !f.saltSent {
		out = append(out, f.salt...)
		f.saltSent = true
	}
	for len(p) > 0 {
		n := len(p)
		if n > MaxPayloadSize {
			n = MaxPayloadSize
		}
		var lenBuf [lenFrameSize]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(n))
		out = append(out, f.cipher.Seal(lenBuf[:])...)
		out = append(out, f.cipher.Seal(p[:n])...)
		p = p[n:]
	}
	return out
}
