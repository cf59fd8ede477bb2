package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/llmrelay/relay/internal/apierr"
	"github.com/llmrelay/relay/internal/store"
)

const (
	// KeyPrefix marks every gateway client credential.
	KeyPrefix    = "rk_"
	keyRandBytes = 32 // 64 hex chars
	displayChars = 8
	// touchInterval throttles last-used writes per credential.
	touchInterval = time.Minute
)

// Store is the subset of the credential store the manager needs.
type Store interface {
	CreateClientCredential(ctx context.Context, c *store.ClientCredential) error
	ClientCredentialByHash(ctx context.Context, hash string) (*store.ClientCredential, error)
	TouchClientCredential(ctx context.Context, id string, at time.Time) error
	RevokeClientCredential(ctx context.Context, id string, at time.Time) error
}

// Manager issues and validates client credentials. Only the SHA-256 hash of
// a credential is ever stored.
type Manager struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a new credential manager.
func NewManager(s Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, logger: logger.With("component", "auth"), now: time.Now}
}

// Hash returns the lookup hash of a plaintext credential.
func Hash(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// GenerateParams describes a credential to issue.
type GenerateParams struct {
	Name      string
	UserID    string
	GroupID   string
	IsDefault bool
	Overrides map[string]string
}

// Generate creates a new credential, stores its hash, and returns the
// plaintext exactly once.
func (m *Manager) Generate(ctx context.Context, p GenerateParams) (string, *store.ClientCredential, error) {
	if p.UserID == "" {
		return "", nil, fmt.Errorf("user id is required")
	}
	raw := make([]byte, keyRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate random: %w", err)
	}
	plaintext := KeyPrefix + hex.EncodeToString(raw)

	rec := &store.ClientCredential{
		ID:        uuid.NewString(),
		KeyHash:   Hash(plaintext),
		KeyPrefix: plaintext[:len(KeyPrefix)+displayChars],
		Name:      p.Name,
		UserID:    p.UserID,
		GroupID:   p.GroupID,
		IsDefault: p.IsDefault,
		Overrides: store.Overrides(p.Overrides),
		CreatedAt: store.At(m.now()),
	}
	if err := m.store.CreateClientCredential(ctx, rec); err != nil {
		return "", nil, fmt.Errorf("store client credential: %w", err)
	}
	return plaintext, rec, nil
}

// Revoke soft-revokes a credential. Revoked credentials stop authenticating
// immediately.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	return m.store.RevokeClientCredential(ctx, id, m.now())
}

// Authenticate validates the Authorization header value and returns the
// owning credential. Failures are 401 errors with a permanent category.
func (m *Manager) Authenticate(ctx context.Context, header string) (*store.ClientCredential, error) {
	token, err := parseBearer(header)
	if err != nil {
		return nil, err
	}

	rec, err := m.store.ClientCredentialByHash(ctx, Hash(token))
	if err != nil {
		return nil, fmt.Errorf("lookup client credential: %w", err)
	}
	if rec == nil {
		return nil, apierr.Unauthorized(apierr.CodeUnknownOrRevokedCredential, "credential is unknown or has been revoked")
	}

	now := m.now()
	if rec.LastUsedAt.IsZero() || now.Sub(rec.LastUsedAt.Time) >= touchInterval {
		if err := m.store.TouchClientCredential(ctx, rec.ID, now); err != nil {
			m.logger.Warn("last-used update failed", "credential_id", rec.ID, "error", err)
		} else {
			rec.LastUsedAt = store.At(now)
		}
	}
	return rec, nil
}

func parseBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", apierr.Unauthorized(apierr.CodeMissingCredential, "missing Authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", apierr.Unauthorized(apierr.CodeMalformedCredential, "Authorization header must use the Bearer scheme")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apierr.Unauthorized(apierr.CodeMissingCredential, "empty bearer token")
	}
	if !strings.HasPrefix(token, KeyPrefix) || len(token) != len(KeyPrefix)+2*keyRandBytes || !isHex(token[len(KeyPrefix):]) {
		return "", apierr.Unauthorized(apierr.CodeMalformedCredential, "credential is not a gateway key")
	}
	return token, nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}
