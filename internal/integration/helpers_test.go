package integration

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"ruleevents/internal/app"
	"ruleevents/internal/bridge"
	"ruleevents/internal/clock"
	"ruleevents/internal/config"
)

// monday returns a time on Monday 2024-01-01 in UTC.
func monday(hour, minute, second int) time.Time {
	return time.Date(2024, 1, 1, hour, minute, second, 0, time.UTC)
}

// cluster is a set of processes sharing one SQLite file, one clock and one
// in-memory notification channel.
type cluster struct {
	dbPath    string
	clock     *clock.Fake
	transport *bridge.MemoryTransport
}

func newCluster(t *testing.T, start time.Time) *cluster {
	t.Helper()
	return &cluster{
		dbPath:    filepath.Join(t.TempDir(), "shared.db"),
		clock:     clock.NewFake(start),
		transport: bridge.NewMemoryTransport(),
	}
}

// process starts one application. Only a leader competes for the ticker lease.
func (c *cluster) process(t *testing.T, leader bool) *app.Application {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Environment = config.EnvTest
	cfg.Database.DatabasePath = c.dbPath
	cfg.Bridge.Backend = config.BackendMemory
	cfg.Ticker.Force = leader

	a, err := app.NewApplication(context.Background(), cfg,
		app.WithLogger(zerolog.Nop()),
		app.WithClock(c.clock),
		app.WithTransport(c.transport),
		app.WithListenAddr("127.0.0.1:0"),
	)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return a
}

func dialWatch(t *testing.T, a *app.Application, classroomID, hostname string) *websocket.Conn {
	t.Helper()
	url := "ws://" + a.Addr() + "/ws?classroomId=" + classroomID + "&hostname=" + hostname
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func nextPayload(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return strings.TrimSpace(string(data))
}
