package gen

import (
	"vhm24-loyalty/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("snowflake", fx.Provide(NewSnowflakeNode))

// NewSnowflakeNode returns the id generator for this replica. LOYALTY.NODE_ID must
// be unique per running process.
func NewSnowflakeNode(cfg *config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.Loyalty.NodeID)
}
