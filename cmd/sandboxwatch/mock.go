package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pkt.systems/pslog"
	"pkt.systems/sandboxwatch/httpapi"
	"pkt.systems/sandboxwatch/internal/appconfig"
	"pkt.systems/sandboxwatch/internal/persist"
	"pkt.systems/sandboxwatch/schema"
)

func newMockServerCmd() *cobra.Command {
	var cfgPath string
	var addr string
	var dropEvery time.Duration
	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run a development sandbox API that executes scripted commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Mock.Addr = addr
			}
			return runMockServer(cmd.Context(), cfg, dropEvery)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config path (default ~/.sandboxwatch/config.yaml)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides mock.addr)")
	cmd.Flags().DurationVar(&dropEvery, "drop-every", 0, "abruptly drop every stream at this interval (0 disables)")
	return cmd
}

func runMockServer(ctx context.Context, cfg appconfig.Config, dropEvery time.Duration) error {
	logger := pslog.Ctx(ctx)
	sandboxID := schema.SandboxID(cfg.Mock.SandboxID)

	store := httpapi.NewStore()
	if err := store.PutSandbox(schema.ConnectionInfo{
		SandboxID:   sandboxID,
		SandboxName: cfg.Mock.SandboxName,
		State:       schema.SandboxRunning,
		IPAddress:   "10.0.0.2",
	}); err != nil {
		return err
	}
	srv := httpapi.NewServer(httpapi.Config{
		Addr:              cfg.Mock.Addr,
		HeartbeatInterval: time.Duration(cfg.Mock.HeartbeatIntervalSeconds) * time.Second,
		HistoryLimit:      cfg.Mock.HistoryLimit,
	}, store, httpapi.NewHub(0, logger))
	var recorder httpapi.Recorder = srv
	if cfg.Mock.StateDir != "" {
		history, err := persist.NewStoreWithLogger(cfg.Mock.StateDir, logger)
		if err != nil {
			return err
		}
		restored, err := restoreHistory(store, history, sandboxID)
		if err != nil {
			return err
		}
		logger.Info("mock history restored", "sandbox", sandboxID, "commands", restored)
		recorder = &persistingRecorder{Server: srv, history: history}
	}

	logger.Info("mock sandbox api", "addr", cfg.Mock.Addr, "sandbox", sandboxID, "name", cfg.Mock.SandboxName)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpapi.ListenAndServe(gctx, cfg.Mock.Addr, srv.Handler())
	})
	if cfg.Mock.CommandIntervalSeconds > 0 {
		sim := httpapi.NewSimulator(recorder, sandboxID, time.Duration(cfg.Mock.CommandIntervalSeconds)*time.Second)
		g.Go(func() error {
			return sim.Run(gctx)
		})
	}
	if dropEvery > 0 {
		g.Go(func() error {
			return dropStreams(gctx, srv.Hub(), sandboxID, dropEvery)
		})
	}
	return g.Wait()
}

func dropStreams(ctx context.Context, hub *httpapi.Hub, sandboxID schema.SandboxID, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := hub.Kick(sandboxID); n > 0 {
				pslog.Ctx(ctx).Info("mock dropped streams", "sandbox", sandboxID, "streams", n)
			}
		}
	}
}

func restoreHistory(store *httpapi.Store, history *persist.Store, sandboxID schema.SandboxID) (int, error) {
	records, ok, err := history.Load(sandboxID)
	if err != nil || !ok {
		return 0, err
	}
	for _, record := range records {
		if err := store.PutCommand(sandboxID, record); err != nil {
			return 0, err
		}
	}
	return len(records), nil
}

// persistingRecorder saves the sandbox history after every recorded command.
type persistingRecorder struct {
	*httpapi.Server
	history *persist.Store
}

func (r *persistingRecorder) RecordCommand(ctx context.Context, sandboxID schema.SandboxID, record schema.CommandRecord) error {
	if err := r.Server.RecordCommand(ctx, sandboxID, record); err != nil {
		return err
	}
	records, err := r.Store().Commands(sandboxID, 0, 0)
	if err != nil {
		return err
	}
	return r.history.Save(sandboxID, records)
}
