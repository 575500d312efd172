package cryptox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"

	"github.com/dmitrijs2005/mailarchiver/internal/common"
)

const streamChunk = 32 * 1024

// NewDecryptReader returns a reader yielding the plaintext of src.
//
// Only the fixed PrefixSize header is read up front. When it does not start
// with MAGIC, the returned reader re-emits those bytes followed by the rest of
// src untouched. Otherwise the remainder is deciphered block by block as the
// caller reads; nothing beyond one read chunk is buffered, so a slow consumer
// slows the source down instead of growing memory.
func (c *Codec) NewDecryptReader(src io.Reader) (io.Reader, error) {
	prefix := make([]byte, PrefixSize)
	n, err := io.ReadFull(src, prefix)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		prefix = prefix[:n]
		if HasMagic(prefix) {
			return nil, fmt.Errorf("%w: truncated envelope header", common.ErrDecryptionFailed)
		}
		return bytes.NewReader(prefix), nil
	default:
		return nil, err
	}

	if !HasMagic(prefix) {
		return io.MultiReader(bytes.NewReader(prefix), src), nil
	}
	if c.block == nil {
		return nil, fmt.Errorf("%w: object is encrypted but no key is configured", common.ErrDecryptionFailed)
	}

	iv := prefix[len(Magic):]
	return &decryptReader{
		src:  src,
		mode: cipher.NewCBCDecrypter(c.block, iv),
		in:   make([]byte, 0, streamChunk+aes.BlockSize),
	}, nil
}

type decryptReader struct {
	src  io.Reader
	mode cipher.BlockMode

	in   []byte // ciphertext not yet forming a whole block
	held []byte // last plaintext block, kept until EOF for unpadding
	out  []byte // plaintext ready to hand out
	done bool
	err  error
}

func (r *decryptReader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		r.fill()
	}

	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

func (r *decryptReader) fill() {
	chunk := make([]byte, streamChunk)
	n, err := r.src.Read(chunk)
	r.in = append(r.in, chunk[:n]...)

	if whole := len(r.in) / aes.BlockSize * aes.BlockSize; whole > 0 {
		plain := make([]byte, whole)
		r.mode.CryptBlocks(plain, r.in[:whole])
		r.in = append(r.in[:0], r.in[whole:]...)

		plain = append(r.held, plain...)
		r.held = append([]byte(nil), plain[len(plain)-aes.BlockSize:]...)
		r.out = plain[:len(plain)-aes.BlockSize]
	}

	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		r.finish()
	default:
		r.err = err
	}
}

func (r *decryptReader) finish() {
	r.done = true
	if len(r.in) != 0 || r.held == nil {
		r.err = fmt.Errorf("%w: ciphertext is not a whole number of blocks", common.ErrDecryptionFailed)
		return
	}
	last, err := unpad(r.held)
	if err != nil {
		r.err = err
		return
	}
	r.out = append(r.out, last...)
	r.held = nil
}
