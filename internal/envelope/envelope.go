// Package envelope seals and opens the encrypted form of a single file.
//
// Every envelope is encrypted under its own subkey, derived with HKDF-SHA256
// from the session key and a fresh 32-byte salt. The session key is never
// used as an AEAD key itself, so two envelopes of one session cannot share a
// (key, nonce) pair unless their salts collide. The subkey drives an
// AES-256-GCM stream (sio) that authenticates every fragment as well as the
// stream end, so truncation is detected like any other tampering.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/secure-io/sio-go"
	"golang.org/x/crypto/hkdf"

	"github.com/openclaw/file-relay-go/internal/util"
)

const (
	KeySize  = 32
	saltSize = 32

	Version = 1

	subkeyInfo   = "file-relay envelope v1"
	keyCheckInfo = "file-relay key check v1"
	aadLabel     = "ENVELOPE"
)

var (
	ErrIntegrity      = errors.New("envelope: authentication failed")
	ErrDigestMismatch = errors.New("envelope: digest mismatch")
	ErrKeySize        = errors.New("envelope: invalid key size")
)

// Digest is the SHA-256 of a file's plaintext.
type Digest [sha256.Size]byte

func Sum(b []byte) Digest {
	return sha256.Sum256(b)
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("decode digest: %w", err)
	}
	if len(raw) != len(d) {
		return d, fmt.Errorf("digest must be %d bytes, got %d", len(d), len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// Sealed is the at-rest form of one file.
type Sealed struct {
	Version    int    `json:"ver"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Codec seals and opens envelopes. It holds no state besides its randomness
// source, which supplies salts, nonces and keys.
type Codec struct {
	rand io.Reader
}

func NewCodec() *Codec {
	return &Codec{rand: rand.Reader}
}

// NewCodecWithRand returns a codec drawing salts, nonces and keys from r.
// Identical readers yield identical envelopes.
func NewCodecWithRand(r io.Reader) *Codec {
	return &Codec{rand: r}
}

// NewKey returns a fresh random session key.
func (c *Codec) NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(c.rand, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// Seal digests plaintext, then encrypts it under a subkey of key. aad is
// authenticated but not stored; Open must be given the same aad.
func (c *Codec) Seal(plaintext, key, aad []byte) (Sealed, Digest, error) {
	if len(key) != KeySize {
		return Sealed{}, Digest{}, ErrKeySize
	}

	digest := Sum(plaintext)

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(c.rand, salt); err != nil {
		return Sealed{}, Digest{}, fmt.Errorf("generate salt: %w", err)
	}

	stream, err := newStream(key, salt)
	if err != nil {
		return Sealed{}, Digest{}, err
	}

	nonce := make([]byte, stream.NonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return Sealed{}, Digest{}, fmt.Errorf("generate nonce: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(plaintext) + int(stream.Overhead(int64(len(plaintext)))))
	if _, err := io.Copy(&buf, stream.EncryptReader(bytes.NewReader(plaintext), nonce, aad)); err != nil {
		return Sealed{}, Digest{}, fmt.Errorf("encrypt: %w", err)
	}

	return Sealed{
		Version:    Version,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: buf.Bytes(),
	}, digest, nil
}

// Open decrypts sealed and checks the recovered plaintext against expected.
// The AEAD tag is authoritative: any decryption failure is ErrIntegrity.
// ErrDigestMismatch is only returned for authentic plaintext whose digest
// disagrees with the recorded one.
func (c *Codec) Open(sealed Sealed, key, aad []byte, expected Digest) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	if sealed.Version != Version {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", ErrIntegrity, sealed.Version)
	}
	if len(sealed.Salt) != saltSize {
		return nil, fmt.Errorf("%w: bad salt length", ErrIntegrity)
	}

	stream, err := newStream(key, sealed.Salt)
	if err != nil {
		return nil, err
	}
	if len(sealed.Nonce) != stream.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length", ErrIntegrity)
	}

	plaintext, err := io.ReadAll(stream.DecryptReader(bytes.NewReader(sealed.Ciphertext), sealed.Nonce, aad))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIntegrity, err)
	}

	actual := Sum(plaintext)
	if subtle.ConstantTimeCompare(actual[:], expected[:]) != 1 {
		return nil, ErrDigestMismatch
	}
	return plaintext, nil
}

func newStream(key, salt []byte) (*sio.Stream, error) {
	subkey := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, salt, []byte(subkeyInfo)), subkey); err != nil {
		return nil, fmt.Errorf("derive subkey: %w", err)
	}
	defer util.WipeBytes(subkey)

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return sio.NewStream(gcm, sio.BufSize), nil
}

// AAD binds an envelope to its slot in the session so that envelopes cannot
// be reordered, swapped or renamed without failing authentication.
func AAD(index int, name string, size int64) []byte {
	res := appendLenPrefix(nil, []byte(aadLabel))
	res = binary.BigEndian.AppendUint32(res, uint32(index))
	res = appendLenPrefix(res, []byte(name))
	res = binary.BigEndian.AppendUint64(res, uint64(size))
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(data)))
	return append(b, data...)
}

// KeyCheck derives a verifier for key. Storing it lets a wrong key be told
// apart from a tampered envelope without keeping the key itself.
func KeyCheck(key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	check := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(keyCheckInfo)), check); err != nil {
		return nil, fmt.Errorf("derive key check: %w", err)
	}
	return check, nil
}

func VerifyKey(key, check []byte) bool {
	expected, err := KeyCheck(key)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(expected, check) == 1
}

// ParseKey decodes a hex-encoded session key as delivered to a receiver.
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	return key, nil
}
