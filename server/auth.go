package server

import (
	"context"
	"net/http"

	"github.com/sluiceproject/sluice/core"
	"github.com/sluiceproject/sluice/core/errs"
)

// AuthPayload is the per-request authorization decision: who acts, and with
// which credentials and settings the provider is built.
type AuthPayload struct {
	Auth        core.Auth
	Credentials core.Credentials
	Settings    core.Settings
}

// AuthHandler resolves a request against a resource and provider name. It is
// the seam between the HTTP surface and whatever grants access; the default
// implementation reads static blocks from the configuration file.
type AuthHandler interface {
	Get(ctx context.Context, resource, provider string, r *http.Request) (*AuthPayload, error)
}

// ConfigAuth authorizes every request against the provider blocks in the
// configuration file. Suitable for single-tenant deployments; multi-tenant
// setups plug in their own AuthHandler.
type ConfigAuth struct {
	cfg *Config
}

// NewConfigAuth builds the config-backed handler.
func NewConfigAuth(cfg *Config) *ConfigAuth {
	return &ConfigAuth{cfg: cfg}
}

// Get looks up the named provider block. The acting user is taken from the
// X-Sluice-User header when present, falling back to the resource id.
func (a *ConfigAuth) Get(ctx context.Context, resource, provider string, r *http.Request) (*AuthPayload, error) {
	block, ok := a.cfg.Providers[provider]
	if !ok {
		return nil, errs.New(errs.KindAuth, "no credentials configured for provider "+provider, http.StatusUnauthorized)
	}
	auth := core.Auth{
		ID:          resource,
		CallbackURL: a.cfg.Callback.URL,
	}
	if r != nil {
		if user := r.Header.Get("X-Sluice-User"); user != "" {
			auth.Name = user
		}
	}
	return &AuthPayload{
		Auth:        auth,
		Credentials: core.Credentials(block.Credentials),
		Settings:    core.Settings(block.Settings),
	}, nil
}
