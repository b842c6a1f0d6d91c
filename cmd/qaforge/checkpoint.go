package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BaSui01/qaforge/checkpoint"
	"github.com/BaSui01/qaforge/config"
	"github.com/BaSui01/qaforge/internal/redisconn"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCheckpointCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or reset the resume checkpoint",
	}

	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Print the stored checkpoint as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), root, func(store *checkpoint.Checkpointer) error {
				rec, err := store.Load(cmd.Context())
				if err != nil {
					return err
				}
				view := struct {
					Cursor       int      `json:"cursor"`
					Completed    int      `json:"completed"`
					Failed       int      `json:"failed"`
					FailedIDs    []string `json:"failed_ids,omitempty"`
					OutputOffset int64    `json:"output_offset"`
					UpdatedAt    string   `json:"updated_at,omitempty"`
					Version      int      `json:"version"`
				}{
					Cursor:       rec.Cursor,
					Completed:    len(rec.CompletedIDs),
					Failed:       len(rec.FailedIDs),
					FailedIDs:    rec.FailedIDs,
					OutputOffset: rec.OutputOffset,
					Version:      rec.Version,
				}
				if !rec.UpdatedAt.IsZero() {
					view.UpdatedAt = rec.UpdatedAt.Format("2006-01-02T15:04:05Z07:00")
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			})
		},
	}

	var confirmed bool
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Delete the checkpoint so the next run starts from the first item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return fmt.Errorf("refusing to delete the checkpoint without --yes")
			}
			return withStore(cmd.Context(), root, func(store *checkpoint.Checkpointer) error {
				if err := store.Reset(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "checkpoint removed")
				return nil
			})
		},
	}
	reset.Flags().BoolVar(&confirmed, "yes", false, "confirm deletion")

	cmd.AddCommand(inspect, reset)
	return cmd
}

// withStore 按配置打开断点存储
func withStore(ctx context.Context, root *rootOptions, fn func(*checkpoint.Checkpointer) error) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, rc, err := openCheckpoint(ctx, cfg, zap.NewNop(), redisconn.WithHealthCheckInterval(0))
	if err != nil {
		return err
	}
	if rc != nil {
		defer rc.Close()
	}
	return fn(store)
}

// openCheckpoint 返回配置的断点存储；redis 后端同时返回连接，调用方负责关闭
func openCheckpoint(ctx context.Context, cfg *config.Config, logger *zap.Logger, ropts ...redisconn.Option) (*checkpoint.Checkpointer, *redisconn.Manager, error) {
	opts := []checkpoint.Option{
		checkpoint.WithFrequency(cfg.CheckpointFrequency),
		checkpoint.WithLogger(logger),
	}
	if cfg.Checkpoint.Backend != "redis" {
		return checkpoint.NewFileStore(cfg.Checkpoint.Path, opts...), nil, nil
	}
	rc, err := redisconn.Open(ctx, cfg.Redis, append([]redisconn.Option{redisconn.WithLogger(logger)}, ropts...)...)
	if err != nil {
		return nil, nil, err
	}
	return checkpoint.NewRedisStore(rc.Client(), cfg.Checkpoint.Key, opts...), rc, nil
}
