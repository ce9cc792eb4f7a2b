package store

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v9"

	"github.com/fleetwatch/incident-engine/internal/models"
)

const (
	rowKeyPrefix    = "incident:"
	statusKeyPrefix = "incidents:status:"
	shipKeyPrefix   = "incidents:ship:"
)

// ValkeyConfig holds connection parameters for the Valkey/Redis-compatible
// incident store.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
}

// ValkeyStore persists incident rows as JSON documents plus status and ship
// index sets, matching the append/query semantics the external views expect.
type ValkeyStore struct {
	client *redis.Client
}

// NewValkeyStore connects and pings the target to fail fast when
// connectivity or credentials are wrong.
func NewValkeyStore(cfg ValkeyConfig) (*ValkeyStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("valkey ping: %w", err)
	}

	return &ValkeyStore{client: client}, nil
}

// Save upserts the incident row and moves it between status index sets.
func (s *ValkeyStore) Save(ctx context.Context, inc models.Incident) error {
	body, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("encode incident %s: %w", inc.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, rowKeyPrefix+inc.ID, body, 0)
	for _, status := range []models.Status{
		models.StatusOpen, models.StatusAcknowledged, models.StatusResolved, models.StatusClosed,
	} {
		if status == inc.Status {
			pipe.SAdd(ctx, statusKeyPrefix+string(status), inc.ID)
		} else {
			pipe.SRem(ctx, statusKeyPrefix+string(status), inc.ID)
		}
	}
	pipe.SAdd(ctx, shipKeyPrefix+inc.ShipID, inc.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist incident %s: %w", inc.ID, err)
	}
	return nil
}

// Get fetches a row by incident id.
func (s *ValkeyStore) Get(ctx context.Context, id string) (models.Incident, error) {
	body, err := s.client.Get(ctx, rowKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Incident{}, ErrNotFound
	}
	if err != nil {
		return models.Incident{}, fmt.Errorf("fetch incident %s: %w", id, err)
	}

	var inc models.Incident
	if err := json.Unmarshal(body, &inc); err != nil {
		return models.Incident{}, fmt.Errorf("decode incident %s: %w", id, err)
	}
	return inc, nil
}

// ListByStatus resolves the status index set into full rows. Members whose
// row vanished (trimmed by the store owner's retention) are skipped.
func (s *ValkeyStore) ListByStatus(ctx context.Context, status models.Status) ([]models.Incident, error) {
	ids, err := s.client.SMembers(ctx, statusKeyPrefix+string(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s incidents: %w", status, err)
	}

	out := make([]models.Incident, 0, len(ids))
	for _, id := range ids {
		inc, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, nil
}

// Close releases the client connection pool.
func (s *ValkeyStore) Close() error { return s.client.Close() }
