package commands

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleevents/pkg/types"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestMigrateCommand(t *testing.T) {
	t.Setenv("RULEEVENTS_DATABASE_PATH", filepath.Join(t.TempDir(), "cli.db"))
	t.Setenv("RULEEVENTS_LOGGING_LEVEL", "error")

	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "applied migrations: 001")

	out, err = execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema up to date")
}

func TestEmitCommand_RequiresSharedBackend(t *testing.T) {
	_, err := execute(t, "emit", "broadcast")
	assert.ErrorIs(t, err, errNoSharedBackend)
}

func TestEmitCommand_PublishesOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("RULEEVENTS_BRIDGE_BACKEND", "redis")
	t.Setenv("RULEEVENTS_REDIS_ADDR", mr.Addr())

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	sub := client.Subscribe(context.Background(), types.DefaultChannelName)
	defer sub.Close()
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	out, err := execute(t, "emit", "group", "g1")
	require.NoError(t, err)
	assert.Contains(t, out, "published group envelope on rule_events")

	select {
	case msg := <-sub.Channel():
		env, err := types.ParseEnvelope(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, "g1", env.GroupID)
		assert.Contains(t, env.Origin, "cli-")
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope published")
	}
}

func TestEmitCommand_Arguments(t *testing.T) {
	_, err := execute(t, "emit", "group")
	assert.Error(t, err)

	_, err = execute(t, "emit", "broadcast", "extra")
	assert.Error(t, err)
}

func TestLogLevelFlagValidated(t *testing.T) {
	t.Setenv("RULEEVENTS_DATABASE_PATH", filepath.Join(t.TempDir(), "cli.db"))
	_, err := execute(t, "--log-level", "loud", "migrate")
	assert.Error(t, err)
}
