/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package sia implements the SIA-DCS content block: AES-CBC decryption of
// keyed accounts' payloads and parsing of the decrypted/plain content into
// structured event fields.
package sia

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// ErrDecryptFail covers every way a keyed account's payload can fail to
// produce usable plaintext: wrong block size, bad key length, or garbage
// plaintext that doesn't start with a recognizable pad/marker byte.
var ErrDecryptFail = errors.New("sia: decrypt failed")

const blockSize = aes.BlockSize // 16

// zeroIV is the all-zero 16-byte IV DC-09 mandates for the content block cipher.
var zeroIV = make([]byte, blockSize)

// newCipher validates the key length (16/24/32 select AES-128/192/256) and
// returns a block cipher for it.
func newCipher(key []byte) (cipher.Block, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("sia: invalid AES key length %d (want 16, 24 or 32)", len(key))
	}
	return aes.NewCipher(key)
}

// Decrypt decrypts an AES-CBC ciphertext with the account's key and a
// zero IV, then strips leading pad bytes ('|' or space). The remaining
// content must begin with '#'; otherwise ErrDecryptFail is returned.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%blockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d not a multiple of %d", ErrDecryptFail, len(ciphertext), blockSize)
	}

	block, err := newCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFail, err)
	}

	plain := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, zeroIV)
	mode.CryptBlocks(plain, ciphertext)

	stripped := stripLeadingPad(plain)
	if len(stripped) == 0 || stripped[0] != '#' {
		return nil, fmt.Errorf("%w: plaintext has no recognizable content marker", ErrDecryptFail)
	}
	return stripped, nil
}

// Encrypt pads plaintext to a 16-byte boundary with leading '|' pad bytes
// and AES-CBC-encrypts it with the account's key and a zero IV, the mirror
// operation of Decrypt used to encrypt an outbound ACK for a keyed account.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := newCipher(key)
	if err != nil {
		return nil, err
	}

	padded := padLeading(plaintext)
	out := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, zeroIV)
	mode.CryptBlocks(out, padded)
	return out, nil
}

// stripLeadingPad removes leading '|' or ' ' pad bytes, per DC-09, leaving
// the real content which must begin with '#'.
func stripLeadingPad(b []byte) []byte {
	return bytes.TrimLeft(b, "| ")
}

// padLeading front-pads content with '|' bytes until its length is a
// multiple of the AES block size.
func padLeading(content []byte) []byte {
	rem := len(content) % blockSize
	if rem == 0 {
		return content
	}
	padLen := blockSize - rem
	out := make([]byte, 0, padLen+len(content))
	for i := 0; i < padLen; i++ {
		out = append(out, '|')
	}
	out = append(out, content...)
	return out
}
