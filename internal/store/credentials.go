package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Scope returns the ownership boundary of a credential: the group when one
// is set, otherwise the user's personal scope.
func Scope(userID, groupID string) string {
	if groupID != "" {
		return "group:" + groupID
	}
	return "user:" + userID
}

// Overrides maps provider name to the upstream credential id that should be
// used for it, bypassing the scope default.
type Overrides map[string]string

func (o Overrides) Value() (driver.Value, error) {
	if o == nil {
		return "{}", nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (o *Overrides) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*o = Overrides{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("overrides: unsupported type %T", src)
	}
	m := Overrides{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("overrides: %w", err)
		}
	}
	*o = m
	return nil
}

// ClientCredential is a caller-facing gateway token. Only its SHA-256 hash is
// stored. Revocation is soft.
type ClientCredential struct {
	ID         string    `db:"id" json:"id"`
	KeyHash    string    `db:"key_hash" json:"-"`
	KeyPrefix  string    `db:"key_prefix" json:"key_prefix"`
	Name       string    `db:"name" json:"name"`
	UserID     string    `db:"user_id" json:"user_id"`
	GroupID    string    `db:"group_id" json:"group_id,omitempty"`
	Overrides  Overrides `db:"overrides" json:"overrides,omitempty"`
	IsDefault  bool      `db:"is_default" json:"is_default"`
	CreatedAt  Timestamp `db:"created_at" json:"created_at"`
	LastUsedAt Timestamp `db:"last_used_at" json:"last_used_at,omitempty"`
	RevokedAt  Timestamp `db:"revoked_at" json:"revoked_at,omitempty"`
}

// Scope is the credential's ownership boundary.
func (c ClientCredential) Scope() string { return Scope(c.UserID, c.GroupID) }

const clientColumns = `id, key_hash, key_prefix, name, user_id, group_id, overrides,
	is_default, created_at, last_used_at, revoked_at`

// CreateClientCredential inserts c. When c is the default, any other
// non-revoked default in the same scope is cleared in the same transaction.
func (s *Store) CreateClientCredential(ctx context.Context, c *ClientCredential) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = At(time.Now())
	}
	if c.Overrides == nil {
		c.Overrides = Overrides{}
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if c.IsDefault {
			if _, err := tx.ExecContext(ctx, s.q(`UPDATE client_credentials SET is_default = ?
				WHERE user_id = ? AND group_id = ? AND revoked_at IS NULL`), false, c.UserID, c.GroupID); err != nil {
				return fmt.Errorf("clear default client credential: %w", err)
			}
		}
		_, err := tx.NamedExecContext(ctx, `INSERT INTO client_credentials (`+clientColumns+`)
			VALUES (:id, :key_hash, :key_prefix, :name, :user_id, :group_id, :overrides,
				:is_default, :created_at, :last_used_at, :revoked_at)`, c)
		if err != nil {
			return fmt.Errorf("insert client credential: %w", err)
		}
		return nil
	})
}

// ClientCredentialByHash returns the non-revoked credential with the given
// hash, or nil if there is none.
func (s *Store) ClientCredentialByHash(ctx context.Context, hash string) (*ClientCredential, error) {
	var c ClientCredential
	err := s.db.GetContext(ctx, &c, s.q(`SELECT `+clientColumns+` FROM client_credentials
		WHERE key_hash = ? AND revoked_at IS NULL`), hash)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get client credential: %w", err)
	}
	return &c, nil
}

// ClientCredential returns a credential by id, revoked or not.
func (s *Store) ClientCredential(ctx context.Context, id string) (*ClientCredential, error) {
	var c ClientCredential
	err := s.db.GetContext(ctx, &c, s.q(`SELECT `+clientColumns+` FROM client_credentials WHERE id = ?`), id)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get client credential: %w", err)
	}
	return &c, nil
}

// ListClientCredentials returns every credential of a user, newest first.
func (s *Store) ListClientCredentials(ctx context.Context, userID string) ([]ClientCredential, error) {
	var out []ClientCredential
	err := s.db.SelectContext(ctx, &out, s.q(`SELECT `+clientColumns+` FROM client_credentials
		WHERE user_id = ? ORDER BY created_at DESC`), userID)
	if err != nil {
		return nil, fmt.Errorf("list client credentials: %w", err)
	}
	return out, nil
}

// TouchClientCredential records a use.
func (s *Store) TouchClientCredential(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE client_credentials SET last_used_at = ? WHERE id = ?`), At(at), id)
	if err != nil {
		return fmt.Errorf("touch client credential: %w", err)
	}
	return nil
}

// RevokeClientCredential soft-revokes a credential. It also loses its
// default flag.
func (s *Store) RevokeClientCredential(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE client_credentials SET revoked_at = ?, is_default = ?
		WHERE id = ? AND revoked_at IS NULL`), At(at), false, id)
	if err != nil {
		return fmt.Errorf("revoke client credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetClientCredentialOverride points provider at upstreamID for one client
// credential. An empty upstreamID removes the override.
func (s *Store) SetClientCredentialOverride(ctx context.Context, id, provider, upstreamID string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var current Overrides
		err := tx.GetContext(ctx, &current, s.q(`SELECT overrides FROM client_credentials WHERE id = ?`), id)
		if noRows(err) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read overrides: %w", err)
		}
		if upstreamID == "" {
			delete(current, provider)
		} else {
			current[provider] = upstreamID
		}
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE client_credentials SET overrides = ? WHERE id = ?`), current, id); err != nil {
			return fmt.Errorf("write overrides: %w", err)
		}
		return nil
	})
}

// UpstreamCredential is a provider API key, encrypted at rest.
type UpstreamCredential struct {
	ID              string    `db:"id" json:"id"`
	Scope           string    `db:"scope" json:"scope"`
	Provider        string    `db:"provider" json:"provider"`
	Name            string    `db:"name" json:"name"`
	EncryptedSecret string    `db:"encrypted_secret" json:"-"`
	IsActive        bool      `db:"is_active" json:"is_active"`
	IsDefault       bool      `db:"is_default" json:"is_default"`
	CreatedAt       Timestamp `db:"created_at" json:"created_at"`
}

const upstreamColumns = `id, scope, provider, name, encrypted_secret, is_active, is_default, created_at`

// CreateUpstreamCredential inserts u. A default credential replaces any
// existing default for (scope, provider) via read-clear-set in one
// transaction; concurrent writers race with last-writer-wins.
func (s *Store) CreateUpstreamCredential(ctx context.Context, u *UpstreamCredential) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = At(time.Now())
	}
	if !u.IsActive {
		u.IsDefault = false
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if u.IsDefault {
			if err := s.clearUpstreamDefault(ctx, tx, u.Scope, u.Provider); err != nil {
				return err
			}
		}
		_, err := tx.NamedExecContext(ctx, `INSERT INTO upstream_credentials (`+upstreamColumns+`)
			VALUES (:id, :scope, :provider, :name, :encrypted_secret, :is_active, :is_default, :created_at)`, u)
		if err != nil {
			return fmt.Errorf("insert upstream credential: %w", err)
		}
		return nil
	})
}

// UpstreamCredential returns a credential by id, or nil.
func (s *Store) UpstreamCredential(ctx context.Context, id string) (*UpstreamCredential, error) {
	return s.getUpstream(ctx, s.db, id)
}

// DefaultUpstreamCredential returns the active default for (scope,
// provider), or nil.
func (s *Store) DefaultUpstreamCredential(ctx context.Context, scope, provider string) (*UpstreamCredential, error) {
	var u UpstreamCredential
	err := s.db.GetContext(ctx, &u, s.q(`SELECT `+upstreamColumns+` FROM upstream_credentials
		WHERE scope = ? AND provider = ? AND is_active = ? AND is_default = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`), scope, provider, true, true)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get default upstream credential: %w", err)
	}
	return &u, nil
}

// EarliestUpstreamCredential returns the first-created active credential for
// (scope, provider), or nil.
func (s *Store) EarliestUpstreamCredential(ctx context.Context, scope, provider string) (*UpstreamCredential, error) {
	return s.earliestUpstream(ctx, s.db, scope, provider, "")
}

// ListUpstreamCredentials returns every credential in scope.
func (s *Store) ListUpstreamCredentials(ctx context.Context, scope string) ([]UpstreamCredential, error) {
	var out []UpstreamCredential
	err := s.db.SelectContext(ctx, &out, s.q(`SELECT `+upstreamColumns+` FROM upstream_credentials
		WHERE scope = ? ORDER BY provider, created_at`), scope)
	if err != nil {
		return nil, fmt.Errorf("list upstream credentials: %w", err)
	}
	return out, nil
}

// SetDefaultUpstreamCredential makes id the default for its (scope,
// provider). The credential must be active.
func (s *Store) SetDefaultUpstreamCredential(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		u, err := s.getUpstream(ctx, tx, id)
		if err != nil {
			return err
		}
		if u == nil {
			return ErrNotFound
		}
		if !u.IsActive {
			return ErrInactive
		}
		if err := s.clearUpstreamDefault(ctx, tx, u.Scope, u.Provider); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE upstream_credentials SET is_default = ? WHERE id = ?`), true, id); err != nil {
			return fmt.Errorf("set default upstream credential: %w", err)
		}
		return nil
	})
}

// DeactivateUpstreamCredential marks id inactive. If it was the default,
// the earliest remaining active credential is promoted.
func (s *Store) DeactivateUpstreamCredential(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		u, err := s.getUpstream(ctx, tx, id)
		if err != nil {
			return err
		}
		if u == nil {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE upstream_credentials SET is_active = ?, is_default = ? WHERE id = ?`),
			false, false, id); err != nil {
			return fmt.Errorf("deactivate upstream credential: %w", err)
		}
		if u.IsDefault {
			return s.promoteUpstream(ctx, tx, u.Scope, u.Provider, id)
		}
		return nil
	})
}

// DeleteUpstreamCredential removes id. If it was the default, the earliest
// remaining active credential is promoted.
func (s *Store) DeleteUpstreamCredential(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		u, err := s.getUpstream(ctx, tx, id)
		if err != nil {
			return err
		}
		if u == nil {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM upstream_credentials WHERE id = ?`), id); err != nil {
			return fmt.Errorf("delete upstream credential: %w", err)
		}
		if u.IsDefault {
			return s.promoteUpstream(ctx, tx, u.Scope, u.Provider, id)
		}
		return nil
	})
}

func (s *Store) clearUpstreamDefault(ctx context.Context, tx *sqlx.Tx, scope, provider string) error {
	_, err := tx.ExecContext(ctx, s.q(`UPDATE upstream_credentials SET is_default = ?
		WHERE scope = ? AND provider = ? AND is_default = ?`), false, scope, provider, true)
	if err != nil {
		return fmt.Errorf("clear default upstream credential: %w", err)
	}
	return nil
}

func (s *Store) promoteUpstream(ctx context.Context, tx *sqlx.Tx, scope, provider, excludeID string) error {
	next, err := s.earliestUpstream(ctx, tx, scope, provider, excludeID)
	if err != nil || next == nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE upstream_credentials SET is_default = ? WHERE id = ?`), true, next.ID); err != nil {
		return fmt.Errorf("promote upstream credential: %w", err)
	}
	return nil
}

func (s *Store) getUpstream(ctx context.Context, q sqlx.QueryerContext, id string) (*UpstreamCredential, error) {
	var u UpstreamCredential
	err := sqlx.GetContext(ctx, q, &u, s.q(`SELECT `+upstreamColumns+` FROM upstream_credentials WHERE id = ?`), id)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get upstream credential: %w", err)
	}
	return &u, nil
}

func (s *Store) earliestUpstream(ctx context.Context, q sqlx.QueryerContext, scope, provider, excludeID string) (*UpstreamCredential, error) {
	var u UpstreamCredential
	err := sqlx.GetContext(ctx, q, &u, s.q(`SELECT `+upstreamColumns+` FROM upstream_credentials
		WHERE scope = ? AND provider = ? AND is_active = ? AND id <> ?
		ORDER BY created_at ASC, id ASC LIMIT 1`), scope, provider, true, excludeID)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get earliest upstream credential: %w", err)
	}
	return &u, nil
}
