// Package gateway talks to the authoritative remote draw service.
package gateway

//go:generate mockgen -source=gateway.go -destination=gatewaymock/mock_gateway.go -package=gatewaymock
//go:generate mockgen -source=feed.go -destination=mock_wsconn_test.go -package=gateway -mock_names=wsConn=MockWSConn

import (
	"context"
	"time"

	"github.com/alexjbarnes/draw-sync/internal/models"
)

// Gateway is the remote data service as seen by the orchestrator.
// Transport failures and timeouts wrap ErrNetwork; timeouts additionally
// match ErrTimeout.
type Gateway interface {
	// FetchSince returns the records of collection whose source timestamp
	// is after since. An empty slice means nothing new.
	FetchSince(ctx context.Context, collection string, since time.Time) ([]models.Record, error)

	// FetchFull returns a bounded snapshot of the most recent records.
	FetchFull(ctx context.Context, collection string, limit int) ([]models.Record, error)

	// Push sends a manual change upstream. Repeated pushes of the same
	// operation are applied once by the service.
	Push(ctx context.Context, collection string, op models.Operation) error

	// Ping checks that the service is reachable.
	Ping(ctx context.Context) error
}
