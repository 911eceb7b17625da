package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/cuemby/hutch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		min     int
		max     int
		healthy bool
	}{
		{name: "ok", status: http.StatusOK, healthy: true},
		{name: "server error", status: http.StatusInternalServerError, healthy: false},
		{name: "redirect is not followed", status: http.StatusFound, healthy: true},
		{name: "not found inside a wide range", status: http.StatusNotFound, min: 100, max: 499, healthy: true},
		{name: "created outside a narrow range", status: http.StatusCreated, min: 200, max: 200, healthy: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.status == http.StatusFound {
					http.Redirect(w, r, "/login", http.StatusFound)
					return
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			checker := NewHTTPChecker(server.URL)
			if tt.min != 0 {
				checker.WithStatusRange(tt.min, tt.max)
			}
			result := checker.Check(context.Background())
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
			assert.Positive(t, result.Duration)
		})
	}
}

func TestHTTPCheckerTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).WithTimeout(50 * time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy)
}

func TestHTTPCheckerCancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, NewHTTPChecker(server.URL).Check(ctx).Healthy)
}

func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	checker := NewTCPChecker(addr)
	assert.Equal(t, CheckTypeTCP, checker.Type())
	assert.True(t, checker.Check(context.Background()).Healthy)

	require.NoError(t, ln.Close())
	result := checker.Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "connection failed")
}

func TestForPort(t *testing.T) {
	tests := []struct {
		name string
		port *types.PortMapping
		want CheckType
	}{
		{name: "plain tcp", port: &types.PortMapping{ContainerPort: 5432, Protocol: "tcp"}, want: CheckTypeTCP},
		{name: "named http", port: &types.PortMapping{Name: "http", ContainerPort: 3000}, want: CheckTypeHTTP},
		{name: "named http-admin", port: &types.PortMapping{Name: "HTTP-admin", ContainerPort: 9000}, want: CheckTypeHTTP},
		{name: "named https", port: &types.PortMapping{Name: "https", ContainerPort: 443}, want: CheckTypeTCP},
		{name: "udp", port: &types.PortMapping{ContainerPort: 53, Protocol: "udp"}},
		{name: "nil"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ForPort("10.0.0.2", tt.port)
			if tt.want == "" {
				assert.Nil(t, c)
				return
			}
			require.NotNil(t, c)
			assert.Equal(t, tt.want, c.Type())
		})
	}

	c := ForPort("10.0.0.2", &types.PortMapping{Name: "http", ContainerPort: 3000})
	assert.Equal(t, "http://10.0.0.2:3000/", c.(*HTTPChecker).URL)
}

func TestProbeSkipsUDPPorts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	def := &types.ContainerDefinition{Ports: []*types.PortMapping{
		{ContainerPort: 53, Protocol: "udp"},
		{ContainerPort: port, Protocol: "tcp"},
	}}
	c := Probe("127.0.0.1", def)
	require.NotNil(t, c)
	assert.Equal(t, "127.0.0.1:"+strconv.Itoa(port), c.(*TCPChecker).Address)
	assert.True(t, c.Check(context.Background()).Healthy)

	assert.Nil(t, Probe("127.0.0.1", &types.ContainerDefinition{}))
}
