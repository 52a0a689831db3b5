package entitlements

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
)

const (
	// DefaultValkeyKeyPrefix is the default prefix for entitlement keys
	DefaultValkeyKeyPrefix = "toolauth:ent:"

	// valkeyConnectTimeout is the timeout for initial connection verification
	valkeyConnectTimeout = 5 * time.Second

	// valkeyScanBatchSize is the number of keys fetched per SCAN iteration
	valkeyScanBatchSize = 100
)

// ValkeyConfig holds configuration for the distributed cache tier.
type ValkeyConfig struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "toolauth:ent:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Valkey is the distributed cache tier backed by a Valkey server. Snapshots
// are stored as JSON with a native key TTL, so expiry needs no sweeping.
type Valkey struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

var _ Cache = (*Valkey)(nil)

// NewValkey creates the distributed cache tier.
// Returns an error if the connection cannot be established.
func NewValkey(cfg ValkeyConfig) (*Valkey, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultValkeyKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), valkeyConnectTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey entitlement cache",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Valkey{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (v *Valkey) Close() {
	v.client.Close()
}

// entryKey returns the key for a snapshot: {prefix}{toolID}:{userID}
func (v *Valkey) entryKey(userID, toolID string) string {
	return fmt.Sprintf("%s%s:%s", v.prefix, toolID, userID)
}

// Get implements Cache.
func (v *Valkey) Get(ctx context.Context, userID, toolID string) (*Snapshot, error) {
	data, err := v.client.Do(ctx, v.client.B().Get().Key(v.entryKey(userID, toolID)).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get entitlement snapshot: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entitlement snapshot: %w", err)
	}

	return &snapshot, nil
}

// Set implements Cache. The TTL is enforced natively by Valkey.
func (v *Valkey) Set(ctx context.Context, userID, toolID string, snapshot *Snapshot, ttl time.Duration) error {
	if snapshot == nil || ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal entitlement snapshot: %w", err)
	}

	key := v.entryKey(userID, toolID)
	if err := v.client.Do(ctx,
		v.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to set entitlement snapshot: %w", err)
	}

	return nil
}

// Invalidate implements Cache.
func (v *Valkey) Invalidate(ctx context.Context, userID, toolID string) error {
	if err := v.client.Do(ctx, v.client.B().Del().Key(v.entryKey(userID, toolID)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to invalidate entitlement snapshot: %w", err)
	}
	return nil
}

// InvalidateAllForUser implements Cache.
func (v *Valkey) InvalidateAllForUser(ctx context.Context, userID string) error {
	return v.deleteByPattern(ctx, fmt.Sprintf("%s*:%s", v.prefix, userID))
}

// InvalidateAllForTool implements Cache.
func (v *Valkey) InvalidateAllForTool(ctx context.Context, toolID string) error {
	return v.deleteByPattern(ctx, fmt.Sprintf("%s%s:*", v.prefix, toolID))
}

// deleteByPattern scans for keys matching the pattern and deletes them in
// batches. SCAN is used instead of KEYS to avoid blocking the server.
func (v *Valkey) deleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		entry, err := v.client.Do(ctx,
			v.client.B().Scan().Cursor(cursor).Match(pattern).Count(valkeyScanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return fmt.Errorf("failed to scan entitlement keys: %w", err)
		}

		if len(entry.Elements) > 0 {
			if err := v.client.Do(ctx, v.client.B().Del().Key(entry.Elements...).Build()).Error(); err != nil {
				return fmt.Errorf("failed to delete entitlement keys: %w", err)
			}
		}

		cursor = entry.Cursor
		if cursor == 0 {
			return nil
		}
	}
}
