package providers

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// OAuth2ConfigExchanger matches the Exchange method of oauth2.Config so the
// shared exchange helper works with any provider's config.
type OAuth2ConfigExchanger interface {
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

// ExchangeCode performs the common code-for-token exchange: attach the PKCE
// verifier when present, route through the provider's HTTP client, and wrap
// errors consistently.
func ExchangeCode(ctx context.Context, config OAuth2ConfigExchanger, httpClient *http.Client, code string, opts *ExchangeOptions) (*oauth2.Token, error) {
	if opts == nil {
		opts = &ExchangeOptions{}
	}

	var authOpts []oauth2.AuthCodeOption
	if opts.CodeVerifier != "" {
		authOpts = append(authOpts, oauth2.VerifierOption(opts.CodeVerifier))
	}
	if opts.RedirectURI != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("redirect_uri", opts.RedirectURI))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	token, err := config.Exchange(ctx, code, authOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return token, nil
}

// BuildAuthCodeURL applies AuthOptions to an oauth2.Config and returns the
// resulting authorization URL. Overrides copy the config rather than mutate
// the shared one.
func BuildAuthCodeURL(config *oauth2.Config, state string, opts *AuthOptions) string {
	if opts == nil {
		opts = &AuthOptions{}
	}

	var authOpts []oauth2.AuthCodeOption
	if opts.CodeChallenge != "" {
		authOpts = append(authOpts,
			oauth2.SetAuthURLParam("code_challenge", opts.CodeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", opts.CodeChallengeMethod),
		)
	}
	if opts.LoginHint != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("login_hint", opts.LoginHint))
	}

	if opts.RedirectURI != "" || len(opts.Scopes) > 0 {
		cfg := *config
		if opts.RedirectURI != "" {
			cfg.RedirectURL = opts.RedirectURI
		}
		if len(opts.Scopes) > 0 {
			cfg.Scopes = opts.Scopes
		}
		return cfg.AuthCodeURL(state, authOpts...)
	}

	return config.AuthCodeURL(state, authOpts...)
}
