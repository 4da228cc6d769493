package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"example.com/healthconnect/config"
	"example.com/healthconnect/internal/models"
)

const usersKind = "users"

var (
	// ErrDisabled is returned by lookups when no Redis server is configured
	ErrDisabled = errors.New("cache is disabled")
	// ErrMiss is returned when a row is not cached
	ErrMiss = errors.New("key not found in cache")
)

// Directory is a Redis copy of the user directory shared by every service.
// Any service can resolve the role of a user it never projected, which a
// deletion cascade needs when the event carries no role. Other projection
// rows are only ever invalidated.
type Directory struct {
	client  *redis.Client
	ttl     time.Duration
	enabled bool
}

// NewDirectory connects to Redis. A disabled config yields a directory whose
// writes are no-ops and whose lookups fail with ErrDisabled.
func NewDirectory(cfg config.RedisConfig) (*Directory, error) {
	if !cfg.Enabled {
		return &Directory{}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &Directory{client: client, ttl: cfg.TTL, enabled: true}, nil
}

// Enabled reports whether a Redis server backs the directory
func (d *Directory) Enabled() bool {
	return d.enabled
}

// GetUser returns the cached entry of a user, tombstoned or not
func (d *Directory) GetUser(ctx context.Context, id string) (*models.UserDirectoryEntry, error) {
	if !d.enabled {
		return nil, ErrDisabled
	}

	data, err := d.client.Get(ctx, Key(usersKind, id)).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read user %s", id)
	}

	var entry models.UserDirectoryEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, errors.Wrapf(err, "failed to decode cached user %s", id)
	}
	return &entry, nil
}

// PutUser stores the committed entry of a user. Tombstoned entries are kept
// so a late cascade can still learn the role.
func (d *Directory) PutUser(ctx context.Context, entry *models.UserDirectoryEntry) error {
	if !d.enabled {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrapf(err, "failed to encode user %s", entry.ID)
	}
	if err := d.client.Set(ctx, Key(usersKind, entry.ID), data, d.ttl).Err(); err != nil {
		return errors.Wrapf(err, "failed to cache user %s", entry.ID)
	}
	return nil
}

// Invalidate drops the cached copy of a projection row
func (d *Directory) Invalidate(ctx context.Context, kind, id string) error {
	if !d.enabled {
		return nil
	}
	if err := d.client.Del(ctx, Key(kind, id)).Err(); err != nil {
		return errors.Wrapf(err, "failed to invalidate %s", Key(kind, id))
	}
	return nil
}

// Key builds the cache key of a projection row
func Key(kind, id string) string {
	return kind + ":" + id
}

// Close closes the Redis connection
func (d *Directory) Close() error {
	if d.client == nil {
		return nil
	}
	return d.client.Close()
}
