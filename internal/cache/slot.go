package cache

import (
	"context"
	"strings"
)

// SlotKey is the key holding the last-known-good model id.
const SlotKey = "model:last_known_good"

// Slot is the process-wide last-known-good model id.
//
// It is written only after catalog discovery and read as the third step of
// model resolution. Stale values are tolerated: a rejected model triggers
// rediscovery, which overwrites the slot.
type Slot struct {
	store Cache
}

// NewSlot returns a slot stored in c.
func NewSlot(c Cache) *Slot {
	return &Slot{store: c}
}

// Get returns the stored model id.
func (s *Slot) Get(ctx context.Context) (string, bool) {
	if s == nil || s.store == nil {
		return "", false
	}
	v, ok := s.store.Get(ctx, SlotKey)
	if !ok {
		return "", false
	}
	model := strings.TrimSpace(string(v))
	return model, model != ""
}

// Set overwrites the stored model id.
func (s *Slot) Set(ctx context.Context, model string) error {
	if s == nil || s.store == nil {
		return nil
	}
	return s.store.Set(ctx, SlotKey, []byte(model), 0)
}

// Clear empties the slot.
func (s *Slot) Clear(ctx context.Context) error {
	if s == nil || s.store == nil {
		return nil
	}
	return s.store.Delete(ctx, SlotKey)
}
