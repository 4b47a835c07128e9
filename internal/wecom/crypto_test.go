package wecom

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"
	"testing"
)

const testAESKey = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func signatureOf(parts ...string) string {
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()

	token, ts, nonce, msg := "tok", "1700000000", "n1", "payload"
	good := signatureOf(token, ts, nonce, msg)

	if !VerifySignature(token, ts, nonce, msg, good) {
		t.Fatal("valid signature rejected")
	}
	if VerifySignature(token, ts, nonce, msg, "deadbeef") {
		t.Fatal("short signature accepted")
	}
	bad := signatureOf(token, ts, nonce, "other")
	if VerifySignature(token, ts, nonce, msg, bad) {
		t.Fatal("wrong-content signature accepted")
	}
	// Any missing argument fails without panicking.
	if VerifySignature("", ts, nonce, msg, good) ||
		VerifySignature(token, "", nonce, msg, good) ||
		VerifySignature(token, ts, "", msg, good) ||
		VerifySignature(token, ts, nonce, "", good) ||
		VerifySignature(token, ts, nonce, msg, "") {
		t.Fatal("empty argument accepted")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	for _, size := range []int{0, 1, 15, 16, 17, 255, 1024, 4096} {
		message := bytes.Repeat([]byte{'x'}, size)
		ciphertext, err := Encrypt(testAESKey, message, "corp123")
		if err != nil {
			t.Fatalf("Encrypt(%d bytes): %v", size, err)
		}
		envelope, err := Decrypt(testAESKey, ciphertext, "corp123")
		if err != nil {
			t.Fatalf("Decrypt(%d bytes): %v", size, err)
		}
		if !bytes.Equal(envelope.Message, message) {
			t.Fatalf("round trip of %d bytes lost data", size)
		}
		if envelope.ReceiveID != "corp123" {
			t.Fatalf("receive id = %q", envelope.ReceiveID)
		}
	}
}

func TestDecryptAcceptsDollarPrefixedReceiveID(t *testing.T) {
	t.Parallel()

	ciphertext, err := Encrypt(testAESKey, []byte("hello"), "$corp123")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	envelope, err := Decrypt(testAESKey, ciphertext, "corp123")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if envelope.ReceiveID != "$corp123" {
		t.Fatalf("receive id = %q", envelope.ReceiveID)
	}
}

func TestDecryptRejectsForeignReceiveID(t *testing.T) {
	t.Parallel()

	ciphertext, err := Encrypt(testAESKey, []byte("hello"), "othercorp")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(testAESKey, ciphertext, "corp123"); err == nil {
		t.Fatal("expected identity mismatch error")
	}
	// With no corp id supplied any receive id passes.
	envelope, err := Decrypt(testAESKey, ciphertext, "")
	if err != nil {
		t.Fatalf("Decrypt without corp id: %v", err)
	}
	if envelope.ReceiveID != "othercorp" {
		t.Fatalf("receive id = %q", envelope.ReceiveID)
	}
}

func TestDecryptToleratesSpaceCorruptedBase64(t *testing.T) {
	t.Parallel()

	ciphertext, err := Encrypt(testAESKey, []byte("form decoded"), "corp123")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	corrupted := strings.ReplaceAll(ciphertext, "+", " ")
	envelope, err := Decrypt(testAESKey, corrupted, "corp123")
	if err != nil {
		t.Fatalf("Decrypt corrupted: %v", err)
	}
	if string(envelope.Message) != "form decoded" {
		t.Fatalf("message = %q", envelope.Message)
	}
}

func TestDecryptIsTotal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		key        string
		ciphertext string
	}{
		{"short key", "short", "irrelevant"},
		{"long key", strings.Repeat("a", 44), "irrelevant"},
		{"bad base64 ciphertext", testAESKey, "!!!not-base64!!!"},
		{"empty ciphertext", testAESKey, ""},
		{"sub-block ciphertext", testAESKey, "aGVsbG8"},
		{"control chars only", testAESKey, "\x01\x02\x03"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			envelope, err := Decrypt(tc.key, tc.ciphertext, "corp123")
			if err == nil {
				t.Fatalf("expected error, got %+v", envelope)
			}
			if envelope != nil {
				t.Fatal("failure must return a nil envelope")
			}
		})
	}
}
