// Package upstream resolves which provider API key a client credential
// forwards with.
package upstream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/llmrelay/relay/internal/apierr"
	"github.com/llmrelay/relay/internal/store"
)

// Resolution sources.
const (
	SourceOverride = "override"
	SourceDefault  = "default"
	SourceEarliest = "earliest"
)

// Store is the credential lookup surface the resolver needs.
type Store interface {
	UpstreamCredential(ctx context.Context, id string) (*store.UpstreamCredential, error)
	DefaultUpstreamCredential(ctx context.Context, scope, provider string) (*store.UpstreamCredential, error)
	EarliestUpstreamCredential(ctx context.Context, scope, provider string) (*store.UpstreamCredential, error)
}

// Decrypter opens sealed secrets.
type Decrypter interface {
	DecryptString(encoded string) (string, error)
}

// Key is a resolved upstream credential. Secret is plaintext and lives only
// for the request it was resolved for.
type Key struct {
	CredentialID string
	Name         string
	Source       string
	Secret       string
}

// Resolver picks the upstream credential for (client credential, provider).
type Resolver struct {
	store  Store
	vault  Decrypter
	logger *slog.Logger
}

// NewResolver creates a resolver. Secrets are decrypted on every call and
// never cached.
func NewResolver(s Store, v Decrypter, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: s, vault: v, logger: logger.With("component", "upstream")}
}

// Resolve returns the key to forward with. Order: the client credential's
// override for provider, then the scope default, then the earliest active
// credential in scope. Without any, it fails with a configuration error.
func (r *Resolver) Resolve(ctx context.Context, client *store.ClientCredential, provider string) (*Key, error) {
	scope := client.Scope()

	cred, source, err := r.pick(ctx, client, scope, provider)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, apierr.Newf(apierr.KindConfigurationError,
			"no active upstream credential configured for provider %q", provider).
			WithProvider(provider).
			WithContext("scope", scope)
	}

	secret, err := r.vault.DecryptString(cred.EncryptedSecret)
	if err != nil {
		r.logger.Error("upstream credential decrypt failed", "credential_id", cred.ID, "provider", provider, "error", err)
		return nil, apierr.Newf(apierr.KindConfigurationError,
			"upstream credential for provider %q could not be decrypted", provider).
			WithProvider(provider)
	}
	return &Key{CredentialID: cred.ID, Name: cred.Name, Source: source, Secret: secret}, nil
}

func (r *Resolver) pick(ctx context.Context, client *store.ClientCredential, scope, provider string) (*store.UpstreamCredential, string, error) {
	if id, ok := client.Overrides[provider]; ok && id != "" {
		cred, err := r.store.UpstreamCredential(ctx, id)
		if err != nil {
			return nil, "", fmt.Errorf("resolve override: %w", err)
		}
		switch {
		case cred == nil:
			r.logger.Warn("override points to a missing credential, falling back", "client_credential_id", client.ID, "provider", provider, "upstream_id", id)
		case !cred.IsActive || cred.Provider != provider || cred.Scope != scope:
			r.logger.Warn("override not usable, falling back", "client_credential_id", client.ID, "provider", provider, "upstream_id", id,
				"active", cred.IsActive, "credential_provider", cred.Provider)
		default:
			return cred, SourceOverride, nil
		}
	}

	cred, err := r.store.DefaultUpstreamCredential(ctx, scope, provider)
	if err != nil {
		return nil, "", fmt.Errorf("resolve default: %w", err)
	}
	if cred != nil {
		return cred, SourceDefault, nil
	}

	cred, err = r.store.EarliestUpstreamCredential(ctx, scope, provider)
	if err != nil {
		return nil, "", fmt.Errorf("resolve earliest: %w", err)
	}
	if cred != nil {
		return cred, SourceEarliest, nil
	}
	return nil, "", nil
}
