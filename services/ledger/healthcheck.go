package ledger

import (
	"context"

	"github.com/gogo/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"

	"vhm24-loyalty/pkg/errutil"
)

// HealthServer reports SERVING while the ledger database answers pings.
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	db *gorm.DB
}

func NewHealthServer(db *gorm.DB) *HealthServer {
	return &HealthServer{db: db}
}

func (h *HealthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	sqlDB, err := h.db.DB()
	if err != nil {
		return nil, errutil.Transient("db not ready", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING}, nil
	}

	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}

func (h *HealthServer) Watch(req *grpc_health_v1.HealthCheckRequest, srv grpc_health_v1.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "watch is not supported")
}
