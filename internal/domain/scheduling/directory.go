package scheduling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Cache is a byte cache with expiry. Get reports a miss with ok=false.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CachedDirectory fronts a DoctorDirectory with a short-lived read-through
// cache. Cache failures fall through to the directory.
type CachedDirectory struct {
	next   DoctorDirectory
	cache  Cache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedDirectory(next DoctorDirectory, cache Cache, ttl time.Duration, logger zerolog.Logger) *CachedDirectory {
	return &CachedDirectory{next: next, cache: cache, ttl: ttl, logger: logger}
}

func doctorCacheKey(id uuid.UUID) string {
	return "doctor:status:" + id.String()
}

func (d *CachedDirectory) Lookup(ctx context.Context, doctorID uuid.UUID) (DoctorStatus, error) {
	key := doctorCacheKey(doctorID)
	raw, ok, err := d.cache.Get(ctx, key)
	if err != nil {
		d.logger.Warn().Err(err).Str("doctor_id", doctorID.String()).Msg("doctor cache read failed")
	}
	if ok {
		var st DoctorStatus
		if err := json.Unmarshal(raw, &st); err == nil {
			return st, nil
		}
	}

	st, err := d.next.Lookup(ctx, doctorID)
	if err != nil {
		return DoctorStatus{}, err
	}
	if data, err := json.Marshal(st); err == nil {
		if err := d.cache.Set(ctx, key, data, d.ttl); err != nil {
			d.logger.Warn().Err(err).Str("doctor_id", doctorID.String()).Msg("doctor cache write failed")
		}
	}
	return st, nil
}

// MemoryDirectory is an in-process doctor directory. With allowUnknown set,
// doctors that were never registered are reported as existing and available.
type MemoryDirectory struct {
	mu           sync.RWMutex
	doctors      map[uuid.UUID]DoctorStatus
	allowUnknown bool
}

func NewMemoryDirectory(allowUnknown bool) *MemoryDirectory {
	return &MemoryDirectory{doctors: make(map[uuid.UUID]DoctorStatus), allowUnknown: allowUnknown}
}

func (d *MemoryDirectory) Register(doctorID uuid.UUID, available bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.doctors[doctorID] = DoctorStatus{Exists: true, IsAvailable: available}
}

func (d *MemoryDirectory) Lookup(_ context.Context, doctorID uuid.UUID) (DoctorStatus, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if st, ok := d.doctors[doctorID]; ok {
		return st, nil
	}
	if d.allowUnknown {
		return DoctorStatus{Exists: true, IsAvailable: true}, nil
	}
	return DoctorStatus{}, nil
}
