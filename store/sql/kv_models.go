package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type kvRecord struct {
	bun.BaseModel `bun:"table:relay_kv,alias:kv"`

	ID        string     `bun:"id,pk"`
	Key       string     `bun:"entry_key,notnull"`
	Value     []byte     `bun:"value"`
	Counter   int64      `bun:"counter,notnull"`
	ExpiresAt *time.Time `bun:"expires_at,nullzero"`
	CreatedAt time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
