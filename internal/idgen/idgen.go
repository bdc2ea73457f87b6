// Package idgen provides the process-wide snowflake node. Every row id and the
// numeric half of each transaction reference come from it, so two instances
// must never share a SNOWFLAKE_NODE.
package idgen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coursepay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("idgen",
	fx.Provide(NewNode),
)

func NewNode(cfg config.Config, log *zap.Logger) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("SNOWFLAKE_NODE %d: %w", cfg.NodeID, err)
	}
	log.Info("snowflake node ready", zap.Int64("node_id", cfg.NodeID))
	return node, nil
}
