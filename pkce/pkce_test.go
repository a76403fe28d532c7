package pkce

import (
	"strings"
	"testing"
)

func TestGenerateVerifier(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		v := GenerateVerifier()
		if err := ValidateVerifier(v); err != nil {
			t.Fatalf("generated verifier failed validation: %v", err)
		}
		if seen[v] {
			t.Fatalf("duplicate verifier generated: %s", v)
		}
		seen[v] = true
	}
}

func TestValidateVerifier(t *testing.T) {
	tests := []struct {
		name     string
		verifier string
		wantErr  bool
	}{
		{
			name:     "valid minimum length",
			verifier: strings.Repeat("a", 43),
			wantErr:  false,
		},
		{
			name:     "valid maximum length",
			verifier: strings.Repeat("a", 128),
			wantErr:  false,
		},
		{
			name:     "valid full charset",
			verifier: "abcDEF123-._~" + strings.Repeat("x", 30),
			wantErr:  false,
		},
		{
			name:     "too short",
			verifier: strings.Repeat("a", 42),
			wantErr:  true,
		},
		{
			name:     "too long",
			verifier: strings.Repeat("a", 129),
			wantErr:  true,
		},
		{
			name:     "empty",
			verifier: "",
			wantErr:  true,
		},
		{
			name:     "invalid character plus",
			verifier: strings.Repeat("a", 42) + "+",
			wantErr:  true,
		},
		{
			name:     "invalid character slash",
			verifier: strings.Repeat("a", 42) + "/",
			wantErr:  true,
		},
		{
			name:     "invalid character equals",
			verifier: strings.Repeat("a", 42) + "=",
			wantErr:  true,
		},
		{
			name:     "invalid character space",
			verifier: strings.Repeat("a", 42) + " ",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVerifier(tt.verifier)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateVerifier() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateChallenge(t *testing.T) {
	tests := []struct {
		name      string
		challenge string
		wantErr   bool
	}{
		{
			name:      "valid challenge from verifier",
			challenge: Challenge(strings.Repeat("a", 43)),
			wantErr:   false,
		},
		{
			name:      "too short",
			challenge: "abc",
			wantErr:   true,
		},
		{
			name:      "padded base64",
			challenge: strings.Repeat("a", 41) + "==",
			wantErr:   true,
		},
		{
			name:      "invalid base64url characters",
			challenge: strings.Repeat("a", 42) + "+",
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChallenge(tt.challenge)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateChallenge() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChallenge(t *testing.T) {
	// Known-answer vector from RFC 7636 appendix B.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got := Challenge(verifier); got != want {
		t.Errorf("Challenge() = %s, want %s", got, want)
	}
}

func TestVerify(t *testing.T) {
	verifier, challenge := GeneratePair()

	if !Verify(verifier, challenge) {
		t.Error("Verify() rejected a matching pair")
	}
	if Verify(GenerateVerifier(), challenge) {
		t.Error("Verify() accepted a mismatched verifier")
	}
	if Verify(verifier, Challenge(GenerateVerifier())) {
		t.Error("Verify() accepted a mismatched challenge")
	}
	if Verify("", challenge) {
		t.Error("Verify() accepted an empty verifier")
	}
}

func TestGeneratePair(t *testing.T) {
	verifier, challenge := GeneratePair()
	if err := ValidateVerifier(verifier); err != nil {
		t.Fatalf("GeneratePair() verifier invalid: %v", err)
	}
	if err := ValidateChallenge(challenge); err != nil {
		t.Fatalf("GeneratePair() challenge invalid: %v", err)
	}
	if Challenge(verifier) != challenge {
		t.Error("GeneratePair() challenge does not match verifier")
	}
}
