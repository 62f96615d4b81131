package sqlstore

import "github.com/goliatone/go-relay/core"

var _ core.KVStore = (*KVStore)(nil)
