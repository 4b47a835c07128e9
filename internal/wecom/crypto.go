package wecom

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

const encodingAESKeyLength = 43

// VerifySignature checks a webhook callback signature: SHA1 over the
// lexicographically sorted concatenation of token, timestamp, nonce, and
// the encrypted payload, hex encoded, compared in constant time. Returns
// false for any empty argument and never panics.
func VerifySignature(token, timestamp, nonce, encrypted, signature string) bool {
	if token == "" || timestamp == "" || nonce == "" || encrypted == "" || signature == "" {
		return false
	}
	parts := []string{token, timestamp, nonce, encrypted}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	expected := hex.EncodeToString(sum[:])
	if len(expected) != len(signature) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// DecryptedEnvelope is the plaintext recovered from a vendor-encrypted
// payload.
type DecryptedEnvelope struct {
	Message   []byte
	ReceiveID string
}

// Decrypt unwraps a vendor-encrypted payload using the 43-character
// EncodingAESKey. The decoded key must be exactly 32 bytes; its first 16
// bytes double as the CBC initialization vector. When corpID is
// non-empty the recovered receive id must equal corpID or "$"+corpID,
// guarding against token/key reuse across tenants. Every failure
// returns a nil envelope with a diagnostic error; nothing panics.
func Decrypt(encodingAESKey, ciphertext, corpID string) (*DecryptedEnvelope, error) {
	key, err := decodeAESKey(encodingAESKey)
	if err != nil {
		return nil, err
	}
	raw, err := decodeCiphertext(ciphertext)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a positive multiple of the block size", len(raw))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, key[:aes.BlockSize]).CryptBlocks(plain, raw)

	// Strict PKCS#7 validation rejects some real-world payloads, so only
	// the last-byte pad length is honored when it is in range.
	if pad := int(plain[len(plain)-1]); pad >= 1 && pad <= aes.BlockSize && pad <= len(plain) {
		plain = plain[:len(plain)-pad]
	}
	if len(plain) < 20 {
		return nil, fmt.Errorf("plaintext too short: %d bytes", len(plain))
	}
	msgLen := binary.BigEndian.Uint32(plain[16:20])
	if int(msgLen) > len(plain)-20 {
		return nil, fmt.Errorf("declared message length %d exceeds %d available bytes", msgLen, len(plain)-20)
	}
	message := plain[20 : 20+msgLen]
	receiveID := strings.TrimRightFunc(string(plain[20+msgLen:]), func(r rune) bool {
		return r < 0x20 || r == 0x7f
	})
	if corpID != "" && receiveID != corpID && receiveID != "$"+corpID {
		return nil, fmt.Errorf("receive id %q does not match corp id", receiveID)
	}
	return &DecryptedEnvelope{Message: message, ReceiveID: receiveID}, nil
}

// Encrypt is the inverse of Decrypt: 16 random bytes, a big-endian
// message length, the message, and the receive id, PKCS#7 padded and
// CBC encrypted under the decoded EncodingAESKey.
func Encrypt(encodingAESKey string, message []byte, receiveID string) (string, error) {
	key, err := decodeAESKey(encodingAESKey)
	if err != nil {
		return "", err
	}
	pad := make([]byte, 16)
	if _, err := rand.Read(pad); err != nil {
		return "", fmt.Errorf("random pad: %w", err)
	}
	buf := make([]byte, 0, 20+len(message)+len(receiveID))
	buf = append(buf, pad...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(message)))
	buf = append(buf, message...)
	buf = append(buf, receiveID...)

	padLen := aes.BlockSize - len(buf)%aes.BlockSize
	for i := 0; i < padLen; i++ {
		buf = append(buf, byte(padLen))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	out := make([]byte, len(buf))
	cipher.NewCBCEncrypter(block, key[:aes.BlockSize]).CryptBlocks(out, buf)
	return base64.StdEncoding.EncodeToString(out), nil
}

func decodeAESKey(encodingAESKey string) ([]byte, error) {
	trimmed := strings.TrimSpace(encodingAESKey)
	if len(trimmed) != encodingAESKeyLength {
		return nil, fmt.Errorf("encoding aes key must be %d characters, got %d", encodingAESKeyLength, len(trimmed))
	}
	key, err := base64.StdEncoding.DecodeString(padBase64(trimmed))
	if err != nil {
		return nil, fmt.Errorf("decode encoding aes key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encoding aes key decodes to %d bytes, want 32", len(key))
	}
	return key, nil
}

// decodeCiphertext tolerates '+' characters corrupted into spaces by an
// intermediate form decoder and strips embedded control characters.
func decodeCiphertext(ciphertext string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == ' ':
			return '+'
		case r < 0x20 || r == 0x7f:
			return -1
		default:
			return r
		}
	}, ciphertext)
	if cleaned == "" {
		return nil, fmt.Errorf("ciphertext is empty")
	}
	raw, err := base64.StdEncoding.DecodeString(padBase64(cleaned))
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	return raw, nil
}

func padBase64(value string) string {
	if rem := len(value) % 4; rem != 0 {
		return value + strings.Repeat("=", 4-rem)
	}
	return value
}
