package repo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"annexe/internal/domain"
)

const apiKeyColumns = `id, actor_id, COALESCE(name,'') AS name, key_hash, created_at, COALESCE(last_used_at,'') AS last_used_at`

// HashAPIKey is the stored form of a plaintext bot key.
func HashAPIKey(plain string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(plain)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a key whose KeyHash is already set; plaintext keys
// never reach the store.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sqlx.Tx, key domain.APIKey) error {
	switch {
	case key.ID == "":
		return fmt.Errorf("insert api key: id required")
	case key.ActorID == "":
		return fmt.Errorf("insert api key: actor_id required")
	case key.KeyHash == "":
		return fmt.Errorf("insert api key: key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = nowString()
	}
	_, err := r.ext(tx).ExecContext(ctx,
		`INSERT INTO api_keys(id, actor_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	var key domain.APIKey
	err := sqlx.GetContext(ctx, r.DB, &key, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`, hash)
	return key, notFound(err)
}

// LookupAPIKey resolves a plaintext key and stamps its last use.
func (r Repo) LookupAPIKey(ctx context.Context, plain string, now time.Time) (domain.APIKey, error) {
	key, err := r.GetAPIKeyByHash(ctx, HashAPIKey(plain))
	if err != nil {
		return key, err
	}
	stamp := now.UTC().Format(time.RFC3339)
	if _, err := r.DB.ExecContext(ctx, `UPDATE api_keys SET last_used_at=? WHERE id=?`, stamp, key.ID); err != nil {
		return key, err
	}
	key.LastUsedAt = stamp
	return key, nil
}

// ListAPIKeys lists keys newest first, filtered by actor when actorID is set.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	keys := []domain.APIKey{}
	if actorID == "" {
		err := sqlx.SelectContext(ctx, r.DB, &keys, `SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC, id`)
		return keys, err
	}
	err := sqlx.SelectContext(ctx, r.DB, &keys, `SELECT `+apiKeyColumns+` FROM api_keys WHERE actor_id=? ORDER BY created_at DESC, id`, actorID)
	return keys, err
}

func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	return r.updateOne(ctx, nil, `DELETE FROM api_keys WHERE id=?`, strings.TrimSpace(id))
}
