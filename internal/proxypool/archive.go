package proxypool

import (
	"context"

	"sniper/internal/domain"
)

// Archive keeps a durable record of what left the pool and what it cost.
type Archive interface {
	RecordBurn(ctx context.Context, burned domain.BurnedProxy) error
	RecordCost(ctx context.Context, snapshots []domain.CostSnapshot) error
	RecordPoolSnapshot(ctx context.Context, snapshot domain.PoolSnapshot) error
}
