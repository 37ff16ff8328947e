package registry

import (
	"context"
	"net/http"

	"golang.org/x/oauth2/clientcredentials"
)

// OAuth2Config names the client-credentials grant used to authenticate
// against the upstream registry, mirroring cloudauth's transport-chaining
// approach but for a static OAuth2 client-credentials token source rather
// than GCP ADC.
type OAuth2Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// Enabled reports whether enough fields are set to build a token source.
func (c OAuth2Config) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.TokenURL != ""
}

// HTTPClient returns an *http.Client that attaches a bearer token obtained
// via the client-credentials grant to every outbound request, refreshing
// it automatically as it nears expiry.
func (c OAuth2Config) HTTPClient(ctx context.Context) *http.Client {
	cc := &clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenURL,
	}
	return cc.Client(ctx)
}

// NewWithOAuth2 returns a Client targeting baseURL, authenticating outbound
// requests with the given OAuth2 client-credentials configuration.
func NewWithOAuth2(ctx context.Context, baseURL string, cfg OAuth2Config) (*Client, error) {
	c, err := New(baseURL)
	if err != nil {
		return nil, err
	}
	if cfg.Enabled() {
		c.WithHTTPClient(cfg.HTTPClient(ctx))
	}
	return c, nil
}
