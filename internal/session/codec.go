package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pavelanni/toeic/internal/model"
)

const keyPrefix = "toeic-exam-state:"

// KV is a string-keyed store for persisted snapshots.
type KV interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Codec persists snapshots as JSON under a per-session key.
type Codec struct {
	kv KV
}

// NewCodec returns a codec writing to kv.
func NewCodec(kv KV) *Codec {
	return &Codec{kv: kv}
}

// Load returns the persisted snapshot for sessionKey, or nil if there is none
// worth resuming. Finished snapshots and unreadable entries are cleared.
func (c *Codec) Load(ctx context.Context, sessionKey string) (*model.Snapshot, error) {
	raw, found, err := c.kv.Get(ctx, keyPrefix+sessionKey)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if !found {
		return nil, nil
	}

	var snap model.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		slog.Warn("discarding unreadable snapshot", "session", sessionKey, "error", err)
		return nil, c.Clear(ctx, sessionKey)
	}
	if !snap.ExamType.Valid() {
		slog.Warn("discarding snapshot with unknown exam type", "session", sessionKey, "exam_type", snap.ExamType)
		return nil, c.Clear(ctx, sessionKey)
	}
	if snap.IsFinished {
		slog.Info("discarding finished snapshot", "session", sessionKey)
		return nil, c.Clear(ctx, sessionKey)
	}
	return &snap, nil
}

// Save writes snap for sessionKey.
func (c *Codec) Save(ctx context.Context, sessionKey string, snap model.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := c.kv.Set(ctx, keyPrefix+sessionKey, string(data)); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Clear removes the snapshot for sessionKey.
func (c *Codec) Clear(ctx context.Context, sessionKey string) error {
	if err := c.kv.Delete(ctx, keyPrefix+sessionKey); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}
