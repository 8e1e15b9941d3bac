// Package namecrypt encrypts file paths one segment at a time so that the
// directory tree survives on tape while the names do not. Encryption is
// deterministic: the same segment always yields the same ciphertext, which
// is what lets the catalog be searched by encrypted name.
package namecrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

const (
	// MaxSegmentLength bounds every encoded path component.
	MaxSegmentLength = 250
	// SplitMarker joins the pieces of an over long segment. It contains a
	// separator and a comma, neither of which base64 produces.
	SplitMarker = ",/,"
)

type NameCryptor struct {
	block cipher.Block
	iv    []byte
}

// NewNameCryptor takes a 16, 24 or 32 byte AES key.
func NewNameCryptor(key []byte) (*NameCryptor, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &NameCryptor{block: block, iv: make([]byte, aes.BlockSize)}, nil
}

// LoadKey reads a key file holding either the raw key or its base64 form.
func LoadKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if validKeyLength(len(data)) {
		return data, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || !validKeyLength(len(decoded)) {
		return nil, fmt.Errorf("%s: key must be 16, 24 or 32 bytes, raw or base64", path)
	}
	return decoded, nil
}

func validKeyLength(n int) bool {
	return n == 16 || n == 24 || n == 32
}

func (c *NameCryptor) Encrypt(name string) string {
	segments := strings.Split(name, "/")
	out := make([]string, 0, len(segments))
	for _, s := range segments {
		out = append(out, c.encryptSegment(s))
	}
	return strings.Join(out, "/")
}

func (c *NameCryptor) encryptSegment(segment string) string {
	if segment == "" {
		return ""
	}
	// always at least one zero byte of padding
	data := make([]byte, (len(segment)/aes.BlockSize+1)*aes.BlockSize)
	copy(data, segment)
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(data, data)
	encoded := base64.URLEncoding.EncodeToString(data)

	var b strings.Builder
	for len(encoded) > MaxSegmentLength {
		b.WriteString(encoded[:MaxSegmentLength])
		b.WriteString(SplitMarker)
		encoded = encoded[MaxSegmentLength:]
	}
	b.WriteString(encoded)
	return b.String()
}

func (c *NameCryptor) Decrypt(name string) (string, error) {
	segments := strings.Split(strings.ReplaceAll(name, SplitMarker, ""), "/")
	out := make([]string, 0, len(segments))
	for _, s := range segments {
		plain, err := c.decryptSegment(s)
		if err != nil {
			return "", fmt.Errorf("decrypting %q: %w", s, err)
		}
		out = append(out, plain)
	}
	return strings.Join(out, "/"), nil
}

func (c *NameCryptor) decryptSegment(segment string) (string, error) {
	if segment == "" {
		return "", nil
	}
	data, err := base64.URLEncoding.DecodeString(segment)
	if err != nil {
		return "", err
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(data))
	}
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(data, data)
	return strings.TrimRight(string(data), "\x00"), nil
}
