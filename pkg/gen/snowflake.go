package gen

import (
	"fmt"

	"permit-engine/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("gen", fx.Provide(NewSnowflakeNode))

// NewSnowflakeNode returns the id generator for this replica. NODE_ID must be
// unique per running instance.
func NewSnowflakeNode(cfg *config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("init snowflake node %d: %w", cfg.NodeID, err)
	}
	return node, nil
}
