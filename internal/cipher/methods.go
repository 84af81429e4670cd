// Package cipher implements the Shadowsocks stream-cipher layer: key
// derivation, per-direction cipher state, and the IV handshake embedded
// in the first bytes of each direction.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rc4"
	"fmt"

	"golang.org/x/crypto/blowfish"
)

// Method describes one supported Shadowsocks cipher method.
type Method struct {
	Name      string
	KeyLen    int
	IVLen     int
	newStream func(key, iv []byte, encrypt bool) (cipher.Stream, error)
}

// rc4md5 and the block ciphers below all go through a single factory
// keyed by method name, matching the reference Shadowsocks cipher table.
var methods = map[string]Method{}

func register(name string, keyLen, ivLen int, f func(key, iv []byte, encrypt bool) (cipher.Stream, error)) {
	methods[name] = Method{Name: name, KeyLen: keyLen, IVLen: ivLen, newStream: f}
}

func init() {
	register("aes-128-cfb", 16, 16, newAESCFBStream)
	register("aes-192-cfb", 24, 16, newAESCFBStream)
	register("aes-256-cfb", 32, 16, newAESCFBStream)
	register("aes-128-cfb8", 16, 16, newAESCFB8Stream)
	register("aes-192-cfb8", 24, 16, newAESCFB8Stream)
	register("aes-256-cfb8", 32, 16, newAESCFB8Stream)
	register("aes-128-ctr", 16, 16, newAESCTRStream)
	register("aes-192-ctr", 24, 16, newAESCTRStream)
	register("aes-256-ctr", 32, 16, newAESCTRStream)
	register("bf-cfb", 16, 8, newBlowfishCFBStream)
	register("rc4-md5", 16, 16, newRC4MD5Stream)
}

// MethodByName looks up a supported method, or reports ok=false.
func MethodByName(name string) (Method, bool) {
	m, ok := methods[name]
	return m, ok
}

// SupportedMethods returns the names of every supported cipher method.
func SupportedMethods() []string {
	names := make([]string, 0, len(methods))
	for n := range methods {
		names = append(names, n)
	}
	return names
}

func newAESCFBStream(key, iv []byte, encrypt bool) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if encrypt {
		return cipher.NewCFBEncrypter(block, iv), nil
	}
	return cipher.NewCFBDecrypter(block, iv), nil
}

func newAESCFB8Stream(key, iv []byte, encrypt bool) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return newCFB8(block, iv, encrypt), nil
}

func newAESCTRStream(key, iv []byte, encrypt bool) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}

func newBlowfishCFBStream(key, iv []byte, encrypt bool) (cipher.Stream, error) {
	block, err := blowfish.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if encrypt {
		return cipher.NewCFBEncrypter(block, iv), nil
	}
	return cipher.NewCFBDecrypter(block, iv), nil
}

// newRC4MD5Stream implements the rc4-md5 special case: the effective key
// is MD5(key || iv), and the underlying cipher is plain RC4 with no
// separate IV schedule.
func newRC4MD5Stream(key, iv []byte, _ bool) (cipher.Stream, error) {
	sum := md5.New()
	sum.Write(key)
	sum.Write(iv)
	effectiveKey := sum.Sum(nil)
	c, err := rc4.NewCipher(effectiveKey)
	if err != nil {
		return nil, fmt.Errorf("cipher: rc4-md5: %w", err)
	}
	return c, nil
}

// DeriveKey implements the EVP_BytesToKey algorithm used by the reference
// Shadowsocks stack: D_1 = MD5(password), D_i = MD5(D_{i-1} || password),
// key = D_1 || D_2 || ... truncated to keyLen bytes.
func DeriveKey(password []byte, keyLen int) []byte {
	var (
		key  []byte
		prev []byte
	)
	for len(key) < keyLen {
		h := md5.New()
		h.Write(prev)
		h.Write(password)
		prev = h.Sum(nil)
		key = append(key, prev...)
	}
	return key[:keyLen]
}
