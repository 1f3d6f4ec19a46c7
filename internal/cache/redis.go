package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis wraps a go-redis client with logging helpers.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// Config defines connection parameters for Redis.
type Config struct {
	Addr     string
	Password string
	DB       int
	UseTLS   bool
}

// New returns a Redis client based on provided configuration.
func New(cfg Config, logger *slog.Logger) *Redis {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Redis{
		client: redis.NewClient(opts),
		logger: logger.With("component", "redis"),
	}
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases Redis resources.
func (r *Redis) Close() error {
	return r.client.Close()
}

const (
	profilePicPrefix = "waguard:dp:"
	hostedURLPrefix  = "waguard:hosted:"

	profilePicTTL = 6 * time.Hour
	hostedURLTTL  = 24 * time.Hour
)

// GetProfilePictureURL returns a cached display-picture URL for a JID.
func (r *Redis) GetProfilePictureURL(ctx context.Context, jid string) (string, bool) {
	res, err := r.client.Get(ctx, profilePicPrefix+jid).Result()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("profile picture cache read failed", "jid", jid, "error", err)
		}
		return "", false
	}
	return res, true
}

// SetProfilePictureURL caches a display-picture URL for a JID.
func (r *Redis) SetProfilePictureURL(ctx context.Context, jid, url string) {
	if err := r.client.Set(ctx, profilePicPrefix+jid, url, profilePicTTL).Err(); err != nil {
		r.logger.Warn("profile picture cache write failed", "jid", jid, "error", err)
	}
}

// GetHostedImageURL returns a previously recorded hosted URL for a message
// id, used to avoid re-uploading the same image on redelivery.
func (r *Redis) GetHostedImageURL(ctx context.Context, messageID string) (string, bool) {
	res, err := r.client.Get(ctx, hostedURLPrefix+messageID).Result()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("hosted url cache read failed", "message_id", messageID, "error", err)
		}
		return "", false
	}
	return res, true
}

// SetHostedImageURL records the hosted URL obtained for a message id.
func (r *Redis) SetHostedImageURL(ctx context.Context, messageID, url string) {
	if err := r.client.Set(ctx, hostedURLPrefix+messageID, url, hostedURLTTL).Err(); err != nil {
		r.logger.Warn("hosted url cache write failed", "message_id", messageID, "error", err)
	}
}
