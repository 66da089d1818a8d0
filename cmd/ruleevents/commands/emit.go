package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"ruleevents/internal/bridge"
	"ruleevents/internal/config"
	"ruleevents/pkg/types"
)

var errNoSharedBackend = errors.New("emit needs the postgres or redis bridge backend")

func emitCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Notify every running process of a change",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "group <group-id>",
		Short: "Announce that a group's rules changed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return publish(cmd, opts, func(origin string) types.Envelope {
				return types.GroupEnvelope(args[0], origin)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "classroom <classroom-id>",
		Short: "Ask every process to re-resolve a classroom",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return publish(cmd, opts, func(origin string) types.Envelope {
				return types.ClassroomEnvelope(args[0], origin)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "broadcast",
		Short: "Announce a change affecting every group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return publish(cmd, opts, types.BroadcastEnvelope)
		},
	})
	return cmd
}

// publish sends one envelope with a throwaway origin so every listener dispatches it.
func publish(cmd *cobra.Command, opts *rootOptions, build func(origin string) types.Envelope) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	transport, closeFn, err := openTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	origin := "cli-" + uuid.NewString()
	b := bridge.New(transport, nil, origin,
		bridge.WithChannel(cfg.Bridge.Channel),
		bridge.WithPublishTimeout(cfg.Bridge.PublishTimeout),
	)
	env := build(origin)
	if err := b.Publish(ctx, env); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %s envelope on %s\n", env.Type, b.Channel())
	return nil
}

func openTransport(ctx context.Context, cfg *config.Config) (bridge.Transport, func(), error) {
	switch cfg.Bridge.Backend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return bridge.NewPostgresTransport(pool), pool.Close, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return bridge.NewRedisTransport(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, errNoSharedBackend
	}
}
