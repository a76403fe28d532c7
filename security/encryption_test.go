package security

import (
	"strings"
	"testing"
)

func TestEncryptorRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	if !enc.IsEnabled() {
		t.Fatal("encryptor with key should be enabled")
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"simple token", "access-token-12345"},
		{"empty string", ""},
		{"unicode", "tökén-ünïcödé-日本語"},
		{"long value", strings.Repeat("x", 4096)},
		{"json blob", `{"access_token":"abc","refresh_token":"def"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := enc.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if ciphertext == tt.plaintext && tt.plaintext != "" {
				t.Error("ciphertext equals plaintext")
			}

			decrypted, err := enc.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if decrypted != tt.plaintext {
				t.Errorf("Decrypt() = %q, want %q", decrypted, tt.plaintext)
			}
		})
	}
}

func TestEncryptorNonDeterministic(t *testing.T) {
	key, _ := GenerateKey()
	enc, _ := NewEncryptor(key)

	c1, err := enc.Encrypt("same plaintext")
	if err != nil {
		t.Fatal(err)
	}
	c2, err := enc.Encrypt("same plaintext")
	if err != nil {
		t.Fatal(err)
	}
	if c1 == c2 {
		t.Error("two encryptions of the same plaintext produced identical ciphertext (nonce reuse?)")
	}
}

func TestEncryptorDisabled(t *testing.T) {
	enc, err := NewEncryptor(nil)
	if err != nil {
		t.Fatalf("NewEncryptor(nil) error = %v", err)
	}
	if enc.IsEnabled() {
		t.Fatal("encryptor without key should be disabled")
	}

	out, err := enc.Encrypt("plaintext")
	if err != nil || out != "plaintext" {
		t.Errorf("disabled Encrypt() = (%q, %v), want pass-through", out, err)
	}
	out, err = enc.Decrypt("plaintext")
	if err != nil || out != "plaintext" {
		t.Errorf("disabled Decrypt() = (%q, %v), want pass-through", out, err)
	}
}

func TestNewEncryptorInvalidKeySize(t *testing.T) {
	for _, size := range []int{1, 16, 31, 33, 64} {
		if _, err := NewEncryptor(make([]byte, size)); err == nil {
			t.Errorf("NewEncryptor with %d-byte key should fail", size)
		}
	}
}

func TestDecryptWrongKey(t *testing.T) {
	key1, _ := GenerateKey()
	key2, _ := GenerateKey()
	enc1, _ := NewEncryptor(key1)
	enc2, _ := NewEncryptor(key2)

	ciphertext, err := enc1.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc2.Decrypt(ciphertext); err == nil {
		t.Error("decryption with wrong key should fail GCM authentication")
	}
}

func TestDecryptMalformed(t *testing.T) {
	key, _ := GenerateKey()
	enc, _ := NewEncryptor(key)

	tests := []struct {
		name  string
		input string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"too short", "YWJj"}, // "abc": shorter than the GCM nonce
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := enc.Decrypt(tt.input); err == nil {
				t.Errorf("Decrypt(%q) should fail", tt.input)
			}
		})
	}
}

func TestKeyBase64RoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	encoded := KeyToBase64(key)

	decoded, err := KeyFromBase64(encoded)
	if err != nil {
		t.Fatalf("KeyFromBase64() error = %v", err)
	}
	if string(decoded) != string(key) {
		t.Error("base64 round trip changed the key")
	}

	if _, err := KeyFromBase64("not-valid-base64!!!"); err == nil {
		t.Error("KeyFromBase64 should reject invalid base64")
	}
	if _, err := KeyFromBase64(KeyToBase64(make([]byte, 16))); err == nil {
		t.Error("KeyFromBase64 should reject keys that are not 32 bytes")
	}
}
