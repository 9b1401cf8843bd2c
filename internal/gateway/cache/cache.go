// Package cache implements the audience-keyed tile cache with single-flight
// population and stale-while-refresh semantics. It bounds partner fan-out:
// however many clients land in one audience bucket, at most one of them is
// fetching for that bucket at any moment.
package cache

import (
	"math/rand/v2"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/tilegate/tilegate/internal/common/configtypes"
	"github.com/tilegate/tilegate/internal/gateway/metrics"
	"github.com/tilegate/tilegate/pkg/types"
)

// maxJitterPercent caps the configured TTL jitter.
const maxJitterPercent = 50

// AudienceKey buckets requests by coarse attributes only; it carries no
// per-user information. Region "" and DMA 0 mean "absent", which are
// distinct buckets from any present value.
type AudienceKey struct {
	Country    string
	Region     string
	DMA        uint16
	FormFactor types.FormFactor
	OsFamily   types.OsFamily
	LegacyOnly bool
}

// State is the slot's position in the population lifecycle.
type State int

const (
	// StatePopulating means a worker is producing the slot's first value;
	// there is no body to serve yet.
	StatePopulating State = iota
	// StateFresh means a body is present. It may or may not be expired.
	StateFresh
	// StateRefreshing means the body is expired and a worker is producing
	// a replacement; the stale body is still served meanwhile.
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StatePopulating:
		return "populating"
	case StateFresh:
		return "fresh"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// Slot is the per-key cache value. It is a value type; Tiles is nil only
// in StatePopulating.
type Slot struct {
	State State
	Tiles *Tiles
}

// TilesCache is the concurrent audience-key map. All slot transitions go
// through per-key atomic Compute calls, so writers on the same key never
// interleave; the partner fetch itself always runs outside the critical
// section.
type TilesCache struct {
	slots         *xsync.Map[AudienceKey, Slot]
	ttl           time.Duration
	jitterPercent int
	collector     *metrics.Collector
	logger        *zap.Logger
}

// New creates an empty cache.
func New(config configtypes.CacheConfig, collector *metrics.Collector, logger *zap.Logger) *TilesCache {
	return &TilesCache{
		slots:         xsync.NewMap[AudienceKey, Slot](),
		ttl:           config.TilesTTL.Std(),
		jitterPercent: config.JitterPercent,
		collector:     collector,
		logger:        logger,
	}
}

// Get returns a non-blocking snapshot of the slot for key.
func (c *TilesCache) Get(key AudienceKey) (Slot, bool) {
	return c.slots.Load(key)
}

// Len returns the number of resident audience keys.
func (c *TilesCache) Len() int {
	return c.slots.Size()
}

// JitteredTTL returns the base TTL perturbed uniformly within the
// configured jitter bound. Spreading expiries prevents whole audience
// buckets from stampeding the partner at the same instant.
func (c *TilesCache) JitteredTTL() time.Duration {
	percent := c.jitterPercent
	if percent > maxJitterPercent {
		percent = maxJitterPercent
	}
	if percent <= 0 {
		return c.ttl
	}
	offset := float64(c.ttl) * float64(percent) / 100
	jitter := (rand.Float64()*2 - 1) * offset
	return c.ttl + time.Duration(jitter)
}

// PrepareWrite reserves the slot for this caller before an expensive
// fetch. With no slot present it installs Populating; with a Fresh slot
// and expired=true it moves to Refreshing, keeping the stale body visible.
// In both cases the returned handle is armed: until Insert is called, a
// Reset restores the prior state so a failed or cancelled fetch never
// leaves the slot stuck.
//
// If another writer holds the slot (Populating or Refreshing), or the slot
// turned Fresh since the caller's Get, the returned handle is unarmed:
// Reserved reports false and Insert and Reset do nothing.
func (c *TilesCache) PrepareWrite(key AudienceKey, expired bool) *WriteHandle {
	handle := &WriteHandle{cache: c, key: key}
	c.slots.Compute(key, func(old Slot, loaded bool) (Slot, xsync.ComputeOp) {
		switch {
		case !loaded:
			handle.reserved = true
			return Slot{State: StatePopulating}, xsync.UpdateOp
		case old.State == StateFresh && expired:
			handle.reserved = true
			handle.prior = old.Tiles
			return Slot{State: StateRefreshing, Tiles: old.Tiles}, xsync.UpdateOp
		default:
			// Contended: another writer owns the slot, or it became Fresh
			// after the caller's snapshot.
			return old, xsync.CancelOp
		}
	})
	if handle.reserved {
		c.publishSize()
	}
	return handle
}

func (c *TilesCache) publishSize() {
	if c.collector != nil {
		c.collector.SetCacheEntries(c.slots.Size())
	}
}

// WriteHandle is a single-use reservation on one slot. Callers must defer
// Reset; it is a no-op after a successful Insert.
type WriteHandle struct {
	cache     *TilesCache
	key       AudienceKey
	prior     *Tiles // stale body to restore when refreshing
	reserved  bool
	completed bool
}

// Reserved reports whether this handle owns the slot. An unarmed handle
// means another writer got there first and the caller should fall back to
// serving what Get returns.
func (h *WriteHandle) Reserved() bool {
	return h.reserved
}

// Insert commits tiles as the slot's new Fresh body and disarms the
// handle.
func (h *WriteHandle) Insert(tiles *Tiles) {
	if !h.reserved || h.completed {
		return
	}
	h.completed = true
	h.cache.slots.Store(h.key, Slot{State: StateFresh, Tiles: tiles})
	h.cache.publishSize()
}

// Reset rolls back an uncommitted reservation: a Populating slot is
// removed, a Refreshing slot returns to Fresh with its prior body. Safe to
// call more than once and after Insert.
func (h *WriteHandle) Reset() {
	if !h.reserved || h.completed {
		return
	}
	h.completed = true
	h.cache.slots.Compute(h.key, func(old Slot, loaded bool) (Slot, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		if h.prior != nil {
			if old.State == StateRefreshing {
				return Slot{State: StateFresh, Tiles: h.prior}, xsync.UpdateOp
			}
			return old, xsync.CancelOp
		}
		if old.State == StatePopulating {
			return old, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})
	h.cache.publishSize()
}
