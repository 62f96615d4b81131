package events

import (
	"fmt"

	"github.com/bwmarrin/snowflake"

	"github.com/goliatone/go-relay/core"
)

// SnowflakeGenerator issues time-ordered ids. Node ids must be unique per
// running relay process.
type SnowflakeGenerator struct {
	node *snowflake.Node
}

func NewSnowflakeGenerator(nodeID int64) (*SnowflakeGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("events: snowflake node %d: %w", nodeID, err)
	}
	return &SnowflakeGenerator{node: node}, nil
}

func (g *SnowflakeGenerator) NewID() string {
	return g.node.Generate().String()
}

var _ core.IDGenerator = (*SnowflakeGenerator)(nil)
