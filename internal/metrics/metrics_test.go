package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(Config{Subsystem: "server", Registry: reg})

	c.Connected()
	c.Connected()
	c.Disconnected()
	c.Frame(DirectionIn, 10)
	c.Frame(DirectionOut, 7)
	c.Frame(DirectionOut, 3)
	c.Handshake(0.01, nil)
	c.Handshake(0, errors.New("bad key"))
	c.DecodeError("authentication")

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"connections", testutil.ToFloat64(c.connections), 2},
		{"disconnects", testutil.ToFloat64(c.disconnects), 1},
		{"active", testutil.ToFloat64(c.activeClients), 1},
		{"frames out", testutil.ToFloat64(c.frames.WithLabelValues(DirectionOut)), 2},
		{"bytes out", testutil.ToFloat64(c.bytes.WithLabelValues(DirectionOut)), 10},
		{"bytes in", testutil.ToFloat64(c.bytes.WithLabelValues(DirectionIn)), 10},
		{"handshake failures", testutil.ToFloat64(c.handshakeFailures), 1},
		{"decode errors", testutil.ToFloat64(c.decodeErrors.WithLabelValues("authentication")), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}

	c.Reset()
	if got := testutil.ToFloat64(c.activeClients); got != 0 {
		t.Errorf("active after Reset() = %v, want 0", got)
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.Connected()
	c.Disconnected()
	c.Frame(DirectionIn, 1)
	c.Handshake(1, nil)
	c.DecodeError("x")
	c.Reset()
	if c.Registry() != nil {
		t.Error("Registry() of nil collector should be nil")
	}
}

func TestHandler(t *testing.T) {
	c := New(Config{Subsystem: "server"})
	c.Connected()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "dtp_server_connections_total 1") {
		t.Errorf("metrics output missing counter:\n%s", body)
	}
}

func TestServe(t *testing.T) {
	c := New(Config{Subsystem: "client"})
	c.Frame(DirectionOut, 10)

	srv, err := c.Serve("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	defer srv.Shutdown(context.Background())

	resp, err := http.Get("http://" + srv.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `dtp_client_frames_total{direction="out"} 1`) {
		t.Errorf("metrics output missing frame counter:\n%s", body)
	}
}
