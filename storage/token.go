package storage

import (
	"fmt"

	"golang.org/x/oauth2"

	"github.com/modelgate/oauth-proxy/security"
)

// KnownExtraFields lists the provider token extra fields preserved through
// serialization. oauth2.Token keeps extras in a private field, so backends
// must extract them explicitly before marshaling. The allowlist drops unknown
// fields rather than round-tripping arbitrary provider data.
var KnownExtraFields = []string{
	"id_token",   // OIDC ID token, needed by clients doing downstream auth
	"scope",      // granted scopes may differ from requested
	"expires_in", // some providers include it alongside Expiry
}

// SensitiveExtraFields lists extras encrypted at rest. The id_token is a
// signed JWT carrying identity claims (email, name, sub): PII.
var SensitiveExtraFields = []string{
	"id_token",
}

// ExtractTokenExtra pulls the known extra fields out of a provider token.
// Returns nil when the token is nil or carries none of them.
func ExtractTokenExtra(token *oauth2.Token) map[string]any {
	if token == nil {
		return nil
	}

	extra := make(map[string]any, len(KnownExtraFields))
	for _, field := range KnownExtraFields {
		if v := token.Extra(field); v != nil {
			extra[field] = v
		}
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}

// EncryptExtraFields returns a copy of extra with the sensitive fields
// encrypted. Non-sensitive fields pass through unchanged, as does the whole
// map when encryption is disabled.
func EncryptExtraFields(extra map[string]any, encryptor *security.Encryptor) (map[string]any, error) {
	return transformExtraFields(extra, encryptor, encryptor.Encrypt, "encrypt")
}

// DecryptExtraFields reverses EncryptExtraFields.
func DecryptExtraFields(extra map[string]any, encryptor *security.Encryptor) (map[string]any, error) {
	return transformExtraFields(extra, encryptor, encryptor.Decrypt, "decrypt")
}

func transformExtraFields(
	extra map[string]any,
	encryptor *security.Encryptor,
	transform func(string) (string, error),
	verb string,
) (map[string]any, error) {
	if extra == nil {
		return nil, nil
	}
	if encryptor == nil || !encryptor.IsEnabled() {
		return extra, nil
	}

	sensitive := make(map[string]bool, len(SensitiveExtraFields))
	for _, field := range SensitiveExtraFields {
		sensitive[field] = true
	}

	result := make(map[string]any, len(extra))
	for key, value := range extra {
		strVal, ok := value.(string)
		if !sensitive[key] || !ok || strVal == "" {
			result[key] = value
			continue
		}
		transformed, err := transform(strVal)
		if err != nil {
			return nil, fmt.Errorf("failed to %s extra field %s: %w", verb, key, err)
		}
		result[key] = transformed
	}
	return result, nil
}
