package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func dialHealth(t *testing.T, h *HealthService) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := NewGRPCServer(h, quietLogger())
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func checkHealth(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealthServiceFollowsShutdown(t *testing.T) {
	m := newTestManager(t)
	h := NewHealthService(m, quietLogger())
	client := dialHealth(t, h)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkHealth(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkHealth(t, client, ServiceName))

	m.Shutdown()

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkHealth(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkHealth(t, client, ServiceName))
}

func TestHealthServiceOnStoppedManager(t *testing.T) {
	m := newTestManager(t)
	m.Shutdown()

	h := NewHealthService(m, quietLogger())
	client := dialHealth(t, h)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkHealth(t, client, ServiceName))
}

func TestHealthServiceClose(t *testing.T) {
	m := newTestManager(t)
	h := NewHealthService(m, quietLogger())
	client := dialHealth(t, h)

	h.Close()
	m.Shutdown()

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkHealth(t, client, ServiceName),
		"a detached service no longer follows the manager")
}
