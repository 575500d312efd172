// Package cryptox implements the storage envelope used for every archived
// object:
//
//	MAGIC (15 bytes) || IV (16 bytes) || AES-256-CBC ciphertext (PKCS#7 padded)
//
// Content that does not start with MAGIC is treated as plaintext and passed
// through unchanged, which keeps objects written before encryption was enabled
// readable.
//
// The envelope carries no authentication tag. Integrity of archived content is
// established by the separately persisted SHA-256 of the plaintext, not by the
// cipher.
package cryptox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/dmitrijs2005/mailarchiver/internal/common"
)

// Magic identifies objects written by this codec. It must never change:
// already-archived data depends on it.
var Magic = []byte("oa_enc_idf_v1::")

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the CBC initialisation vector length.
	IVSize = aes.BlockSize
	// PrefixSize is the fixed envelope header length.
	PrefixSize = 15 + IVSize
)

var randReader io.Reader = rand.Reader

// ParseKey decodes a 64-character hex string into a 32-byte key. An empty
// string yields a nil key, which disables encryption.
func ParseKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return nil, nil
	}
	if len(hexKey) != KeySize*2 {
		return nil, fmt.Errorf("%w: encryption key must be a %d-character hex string", common.ErrInvalidConfig, KeySize*2)
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: encryption key is not valid hex: %v", common.ErrInvalidConfig, err)
	}
	return key, nil
}

// Codec encrypts and decrypts storage envelopes. A Codec built without a key
// passes content through on write and rejects MAGIC-tagged content on read.
// It holds only immutable state and is safe for concurrent use.
type Codec struct {
	block cipher.Block
}

// NewCodec returns a Codec for key. A nil or empty key disables encryption;
// any other length than KeySize is a configuration error.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) == 0 {
		return &Codec{}, nil
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: encryption key must be %d bytes, got %d", common.ErrInvalidConfig, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidConfig, err)
	}
	return &Codec{block: block}, nil
}

// Enabled reports whether a key is configured.
func (c *Codec) Enabled() bool {
	return c.block != nil
}

// Encrypt wraps plain into an envelope. Without a key it returns plain as is.
func (c *Codec) Encrypt(plain []byte) ([]byte, error) {
	if c.block == nil {
		return plain, nil
	}

	out := make([]byte, PrefixSize, PrefixSize+len(plain)+aes.BlockSize)
	copy(out, Magic)
	iv := out[len(Magic):PrefixSize]
	if _, err := io.ReadFull(randReader, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	padded := pad(plain)
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(padded, padded)

	return append(out, padded...), nil
}

// Decrypt opens an envelope. Content without MAGIC is returned unchanged.
func (c *Codec) Decrypt(content []byte) ([]byte, error) {
	if !HasMagic(content) {
		return content, nil
	}
	if c.block == nil {
		return nil, fmt.Errorf("%w: object is encrypted but no key is configured", common.ErrDecryptionFailed)
	}
	if len(content) < PrefixSize {
		return nil, fmt.Errorf("%w: truncated envelope header", common.ErrDecryptionFailed)
	}

	iv := content[len(Magic):PrefixSize]
	body := content[PrefixSize:]
	if len(body) == 0 || len(body)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a whole number of blocks", common.ErrDecryptionFailed)
	}

	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plain, body)

	return unpad(plain)
}

// HasMagic reports whether b starts with the envelope marker.
func HasMagic(b []byte) bool {
	return bytes.HasPrefix(b, Magic)
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext block", common.ErrDecryptionFailed)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", common.ErrDecryptionFailed)
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, fmt.Errorf("%w: bad padding", common.ErrDecryptionFailed)
		}
	}
	return b[:len(b)-n], nil
}
