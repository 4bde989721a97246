package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/peterbourgon/diskv/v3"
	"github.com/rs/zerolog"

	"github.com/quantdesk/layoutsync/layout"
)

// DefaultCacheTTL bounds how old a device-local record may be before it is
// ignored during restoration.
const DefaultCacheTTL = time.Hour

// CacheEntry is the on-disk envelope around a record. PendingSync marks an
// edit accepted locally but not yet confirmed persisted to the remote
// store; the next boot's restoration pass reconciles it.
type CacheEntry struct {
	Record      layout.Record `json:"record"`
	CachedAt    string        `json:"cachedAt"`
	PendingSync bool          `json:"pendingSync,omitempty"`
}

type DiskCacheOptions struct {
	TTL    time.Duration
	Logger zerolog.Logger
	// Now is injectable for freshness tests.
	Now func() time.Time
}

// DiskCache is the same-device persistence tier, backed by a flat diskv
// store keyed by layout:{identityKey|anonymous}.
type DiskCache struct {
	d        *diskv.Diskv
	basePath string
	ttl      time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

func NewDiskCache(basePath string, opts DiskCacheOptions) (*DiskCache, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, fmt.Errorf("%w: cache base path is required", ErrInvalidInput)
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &DiskCache{
		d: diskv.New(diskv.Options{
			BasePath:     basePath,
			Transform:    func(string) []string { return []string{} },
			CacheSizeMax: 1024 * 1024,
		}),
		basePath: basePath,
		ttl:      ttl,
		logger:   opts.Logger,
		now:      now,
	}, nil
}

// BasePath returns the directory diskv writes into; the cross-context
// watcher observes it for writes by other processes.
func (c *DiskCache) BasePath() string {
	return c.basePath
}

// Read implements Backend. Stale entries return ErrStale and corrupt ones
// ErrCorrupt; both are treated as misses by the caller and neither is
// deleted.
func (c *DiskCache) Read(ctx context.Context, identityKey string) (layout.Record, error) {
	entry, err := c.ReadEntry(identityKey)
	if err != nil {
		return layout.Record{}, err
	}
	cachedAt, err := time.Parse(time.RFC3339Nano, entry.CachedAt)
	if err != nil {
		return layout.Record{}, fmt.Errorf("%w: bad cachedAt %q", ErrCorrupt, entry.CachedAt)
	}
	if c.now().Sub(cachedAt) > c.ttl {
		return layout.Record{}, fmt.Errorf("%w: cached at %s", ErrStale, entry.CachedAt)
	}
	return entry.Record, nil
}

// ReadEntry returns the raw cache envelope regardless of freshness, so the
// orchestrator can inspect PendingSync on otherwise-superseded entries.
func (c *DiskCache) ReadEntry(identityKey string) (CacheEntry, error) {
	data, err := c.d.Read(CacheKey(identityKey))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return CacheEntry{}, ErrNotFound
		}
		return CacheEntry{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn().Str("identity", identityKey).Err(err).Msg("local cache entry is malformed, treating as miss")
		return CacheEntry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if validator := sharedRecordValidator(); validator != nil {
		wire, marshalErr := json.Marshal(entry.Record)
		if marshalErr == nil {
			if err := validator.Validate(wire); err != nil {
				c.logger.Warn().Str("identity", identityKey).Err(err).Msg("local cache entry failed schema validation, treating as miss")
				return CacheEntry{}, err
			}
		}
	}
	return entry, nil
}

// Write implements Backend; the entry is stamped fresh and marked synced.
func (c *DiskCache) Write(ctx context.Context, identityKey string, rec layout.Record) error {
	return c.WriteEntry(identityKey, CacheEntry{Record: rec, PendingSync: false})
}

// WriteEntry persists an envelope, stamping CachedAt when unset.
func (c *DiskCache) WriteEntry(identityKey string, entry CacheEntry) error {
	if entry.CachedAt == "" {
		entry.CachedAt = c.now().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.d.Write(CacheKey(identityKey), data)
}

// IsFresh reports whether an entry is within the staleness TTL.
func (c *DiskCache) IsFresh(entry CacheEntry) bool {
	cachedAt, err := time.Parse(time.RFC3339Nano, entry.CachedAt)
	if err != nil {
		return false
	}
	return c.now().Sub(cachedAt) <= c.ttl
}

// MarkSynced clears the pending-sync flag after a remote write of the
// given version is confirmed. The flag survives when the cache already
// holds a newer record: that edit has its own confirmation coming, and
// clearing early would let the next boot trust a stale remote copy.
func (c *DiskCache) MarkSynced(identityKey string, version int64) error {
	entry, err := c.ReadEntry(identityKey)
	if err != nil {
		return err
	}
	if !entry.PendingSync {
		return nil
	}
	if entry.Record.Version > version {
		return nil
	}
	entry.PendingSync = false
	return c.WriteEntry(identityKey, entry)
}

var recordValidatorInstance *RecordValidator

func init() {
	v, err := NewRecordValidator()
	if err != nil {
		// The schema is a compile-time constant; failure here is a
		// programming error.
		panic(err)
	}
	recordValidatorInstance = v
}

func sharedRecordValidator() *RecordValidator {
	return recordValidatorInstance
}
