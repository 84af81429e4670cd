package cipher

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
)

// CipherPair holds the two independent stream-cipher states for one
// Connection: a decryptor for client->server traffic and an encryptor for
// server->client traffic. The two directions are never realized as a
// single shared cipher.Stream instance, and each is owned by exactly one
// goroutine at a time — see internal/relay/connection.go.
type CipherPair struct {
	method Method
	key    []byte

	decOnce sync.Once
	decErr  error
	dec     cipher.Stream
	decIV   []byte // copy of the peer IV passed to InitDecrypt

	encOnce sync.Once
	encErr  error
	enc     cipher.Stream
	encIV   []byte
}

// NewCipherPair derives the key for method/password and returns a fresh
// CipherPair. Neither direction's cipher.Stream is constructed yet — the
// decryptor is seeded from the first iv_len bytes of client data, and the
// encryptor generates its own random IV on first use (spec: "occurs
// exactly once per CipherPair").
func NewCipherPair(method string, password []byte) (*CipherPair, error) {
	m, ok := MethodByName(method)
	if !ok {
		return nil, fmt.Errorf("cipher: unsupported method %q", method)
	}
	return &CipherPair{
		method: m,
		key:    DeriveKey(password, m.KeyLen),
	}, nil
}

// IVLen returns the method's IV length in bytes.
func (p *CipherPair) IVLen() int { return p.method.IVLen }

// MethodName returns the cipher method name.
func (p *CipherPair) MethodName() string { return p.method.Name }

// InitDecrypt seeds the decryptor with the peer's IV. It is safe to call
// only once; subsequent calls are no-ops returning the first result.
func (p *CipherPair) InitDecrypt(iv []byte) error {
	p.decOnce.Do(func() {
		if len(iv) != p.method.IVLen {
			p.decErr = fmt.Errorf("cipher: bad IV length %d, want %d", len(iv), p.method.IVLen)
			return
		}
		ivCopy := make([]byte, len(iv))
		copy(ivCopy, iv)
		p.decIV = ivCopy
		p.dec, p.decErr = p.method.newStream(p.key, ivCopy, false)
	})
	return p.decErr
}

// DecryptInitialized reports whether InitDecrypt has run successfully.
func (p *CipherPair) DecryptInitialized() bool { return p.dec != nil }

// Decrypt decrypts src into dst in place of the running stream position.
// InitDecrypt must have been called first.
func (p *CipherPair) Decrypt(dst, src []byte) error {
	if p.dec == nil {
		return fmt.Errorf("cipher: decrypt stream not initialized")
	}
	p.dec.XORKeyStream(dst, src)
	return nil
}

// InitEncrypt generates a fresh random IV and constructs the encryptor. It
// is safe to call only once. The returned IV MUST be sent to the peer as
// the first bytes of the server->client stream before any ciphertext.
func (p *CipherPair) InitEncrypt() ([]byte, error) {
	p.encOnce.Do(func() {
		iv := make([]byte, p.method.IVLen)
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			p.encErr = fmt.Errorf("cipher: generating IV: %w", err)
			return
		}
		p.encIV = iv
		p.enc, p.encErr = p.method.newStream(p.key, iv, true)
	})
	if p.encErr != nil {
		return nil, p.encErr
	}
	return p.encIV, nil
}

// Encrypt encrypts src into dst. InitEncrypt must have been called first.
func (p *CipherPair) Encrypt(dst, src []byte) error {
	if p.enc == nil {
		return fmt.Errorf("cipher: encrypt stream not initialized")
	}
	p.enc.XORKeyStream(dst, src)
	return nil
}
