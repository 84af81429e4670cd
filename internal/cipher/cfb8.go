package cipher

import "crypto/cipher"

// cfb8 implements the 8-bit-segment CFB mode (OpenSSL's EVP_*_cfb8),
// which the Go standard library does not provide — cipher.NewCFBEncrypter
// only implements full-block-feedback CFB. The reference Shadowsocks
// clients require the 8-bit variant for the "*-cfb8" methods.
type cfb8 struct {
	block     cipher.Block
	register  []byte
	tmp       []byte
	decrypt   bool
}

func newCFB8(block cipher.Block, iv []byte, encrypt bool) cipher.Stream {
	reg := make([]byte, len(iv))
	copy(reg, iv)
	return &cfb8{
		block:    block,
		register: reg,
		tmp:      make([]byte, block.BlockSize()),
		decrypt:  !encrypt,
	}
}

// XORKeyStream implements 8-bit CFB one byte at a time: encrypt the shift
// register, XOR its first byte with the input byte to produce the output
// byte, then shift the feedback byte (ciphertext on decrypt, output on
// encrypt) into the register.
func (x *cfb8) XORKeyStream(dst, src []byte) {
	for i := range src {
		x.block.Encrypt(x.tmp, x.register)
		out := src[i] ^ x.tmp[0]

		var feedback byte
		if x.decrypt {
			feedback = src[i]
		} else {
			feedback = out
		}

		copy(x.register, x.register[1:])
		x.register[len(x.register)-1] = feedback

		dst[i] = out
	}
}
