package metering

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-relay/core"
)

// WebhookLog remembers billing callbacks by provider event id so replays are
// recognized instead of applied twice.
type WebhookLog struct {
	store core.KVStore
	ttl   time.Duration
}

func NewWebhookLog(store core.KVStore, ttl time.Duration) *WebhookLog {
	if ttl <= 0 {
		ttl = core.DefaultWebhookLogTTL
	}
	return &WebhookLog{store: store, ttl: ttl}
}

func (l *WebhookLog) Record(ctx context.Context, entry core.WebhookLogEntry) (bool, error) {
	if l == nil || l.store == nil {
		return false, fmt.Errorf("metering: webhook log is not configured")
	}
	entry.EventID = strings.TrimSpace(entry.EventID)
	if entry.EventID == "" {
		return false, fmt.Errorf("metering: webhook event id is required")
	}
	if len(entry.Payload) > 0 && !json.Valid(entry.Payload) {
		encoded, _ := json.Marshal(string(entry.Payload))
		entry.Payload = encoded
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("metering: encode webhook log entry: %w", err)
	}
	return l.store.CompareAndSwap(ctx, core.WebhookLogKey(entry.EventID), nil, encoded, l.ttl)
}

var _ core.WebhookLog = (*WebhookLog)(nil)
