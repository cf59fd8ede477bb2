package upstream

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/llmrelay/relay/internal/apierr"
	"github.com/llmrelay/relay/internal/store"
	"github.com/llmrelay/relay/internal/vault"
)

type fixture struct {
	store    *store.Store
	vault    *vault.Vault
	resolver *Resolver
	client   *store.ClientCredential
	created  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open("file:" + filepath.Join(t.TempDir(), "relay.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	v, err := vault.New(make([]byte, vault.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	client := &store.ClientCredential{ID: uuid.NewString(), KeyHash: "h-" + uuid.NewString(), KeyPrefix: "rk_test", UserID: "u1", GroupID: "g1"}
	if err := s.CreateClientCredential(context.Background(), client); err != nil {
		t.Fatal(err)
	}
	return &fixture{
		store:    s,
		vault:    v,
		resolver: NewResolver(s, v, nil),
		client:   client,
		created:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) add(t *testing.T, scope, provider, secret string, active, isDefault bool) string {
	t.Helper()
	enc, err := f.vault.EncryptString(secret)
	if err != nil {
		t.Fatal(err)
	}
	f.created = f.created.Add(time.Minute)
	u := &store.UpstreamCredential{
		ID:              uuid.NewString(),
		Scope:           scope,
		Provider:        provider,
		Name:            secret,
		EncryptedSecret: enc,
		IsActive:        active,
		IsDefault:       isDefault,
		CreatedAt:       store.At(f.created),
	}
	if err := f.store.CreateUpstreamCredential(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return u.ID
}

func (f *fixture) override(provider, id string) {
	f.client.Overrides = store.Overrides{provider: id}
}

func TestResolveDefault(t *testing.T) {
	f := newFixture(t)
	f.add(t, "group:g1", "openai", "sk-first", true, false)
	f.add(t, "group:g1", "openai", "sk-default", true, true)

	key, err := f.resolver.Resolve(context.Background(), f.client, "openai")
	if err != nil {
		t.Fatal(err)
	}
	if key.Secret != "sk-default" || key.Source != SourceDefault {
		t.Errorf("expected the scope default, got %s from %s", key.Secret, key.Source)
	}
}

func TestResolveEarliestWithoutDefault(t *testing.T) {
	f := newFixture(t)
	f.add(t, "group:g1", "openai", "sk-inactive", false, false)
	f.add(t, "group:g1", "openai", "sk-early", true, false)
	f.add(t, "group:g1", "openai", "sk-late", true, false)

	key, err := f.resolver.Resolve(context.Background(), f.client, "openai")
	if err != nil {
		t.Fatal(err)
	}
	if key.Secret != "sk-early" || key.Source != SourceEarliest {
		t.Errorf("expected the earliest active key, got %s from %s", key.Secret, key.Source)
	}
}

func TestOverrideWinsOverDefault(t *testing.T) {
	f := newFixture(t)
	f.add(t, "group:g1", "openai", "sk-default", true, true)
	id := f.add(t, "group:g1", "openai", "sk-override", true, false)
	f.override("openai", id)

	key, err := f.resolver.Resolve(context.Background(), f.client, "openai")
	if err != nil {
		t.Fatal(err)
	}
	if key.Secret != "sk-override" || key.Source != SourceOverride || key.CredentialID != id {
		t.Errorf("expected the override, got %+v", key)
	}
}

func TestOverrideFallsThrough(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T, f *fixture) string
	}{
		{"inactive", func(t *testing.T, f *fixture) string {
			return f.add(t, "group:g1", "openai", "sk-off", false, false)
		}},
		{"missing", func(t *testing.T, f *fixture) string {
			return uuid.NewString()
		}},
		{"other provider", func(t *testing.T, f *fixture) string {
			return f.add(t, "group:g1", "anthropic", "sk-ant", true, false)
		}},
		{"other scope", func(t *testing.T, f *fixture) string {
			return f.add(t, "group:g2", "openai", "sk-foreign", true, false)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.add(t, "group:g1", "openai", "sk-default", true, true)
			f.override("openai", tc.setup(t, f))

			key, err := f.resolver.Resolve(context.Background(), f.client, "openai")
			if err != nil {
				t.Fatal(err)
			}
			if key.Secret != "sk-default" || key.Source != SourceDefault {
				t.Errorf("expected fallthrough to the default, got %s from %s", key.Secret, key.Source)
			}
		})
	}
}

func TestOverrideForOtherProviderIgnored(t *testing.T) {
	f := newFixture(t)
	f.add(t, "group:g1", "openai", "sk-default", true, true)
	ant := f.add(t, "group:g1", "anthropic", "sk-ant", true, false)
	f.override("anthropic", ant)

	key, err := f.resolver.Resolve(context.Background(), f.client, "openai")
	if err != nil {
		t.Fatal(err)
	}
	if key.Secret != "sk-default" {
		t.Errorf("expected openai default, got %s", key.Secret)
	}
}

func TestNoCredentialConfigured(t *testing.T) {
	f := newFixture(t)
	f.add(t, "group:g1", "anthropic", "sk-ant", true, true)
	f.add(t, "user:u1", "openai", "sk-personal", true, true)

	_, err := f.resolver.Resolve(context.Background(), f.client, "openai")
	var ae *apierr.Error
	if !errors.As(err, &ae) {
		t.Fatalf("expected *apierr.Error, got %v", err)
	}
	if ae.Status != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", ae.Status)
	}
	if ae.Category != apierr.CategoryPermanent {
		t.Errorf("expected permanent, got %s", ae.Category)
	}
	if ae.Kind != apierr.KindConfigurationError {
		t.Errorf("expected configuration_error, got %s", ae.Kind)
	}
	if !strings.Contains(ae.Message, "openai") {
		t.Errorf("expected message to name the provider, got %q", ae.Message)
	}
}

func TestUserScopeWithoutGroup(t *testing.T) {
	f := newFixture(t)
	f.client.GroupID = ""
	f.add(t, "user:u1", "openai", "sk-personal", true, true)

	key, err := f.resolver.Resolve(context.Background(), f.client, "openai")
	if err != nil {
		t.Fatal(err)
	}
	if key.Secret != "sk-personal" {
		t.Errorf("expected personal key, got %s", key.Secret)
	}
}

func TestDecryptFailure(t *testing.T) {
	f := newFixture(t)
	f.add(t, "group:g1", "openai", "sk-default", true, true)

	other, err := vault.New([]byte(strings.Repeat("k", vault.KeySize)))
	if err != nil {
		t.Fatal(err)
	}
	r := NewResolver(f.store, other, nil)
	_, err = r.Resolve(context.Background(), f.client, "openai")
	var ae *apierr.Error
	if !errors.As(err, &ae) || ae.Kind != apierr.KindConfigurationError {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if strings.Contains(ae.Message, "sk-default") {
		t.Error("error must not leak the secret")
	}
}
