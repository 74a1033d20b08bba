package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/sandboxwatch/internal/appconfig"
	"pkt.systems/sandboxwatch/internal/eventbus"
	"pkt.systems/sandboxwatch/internal/format"
	"pkt.systems/sandboxwatch/internal/reconnect"
	"pkt.systems/sandboxwatch/internal/snapshot"
	"pkt.systems/sandboxwatch/internal/transport"
	"pkt.systems/sandboxwatch/schema"
	"pkt.systems/sandboxwatch/stream"
)

func newWatchCmd() *cobra.Command {
	var cfgPath string
	var serverURL string
	var noSnapshot bool
	cmd := &cobra.Command{
		Use:   "watch <sandbox-id>",
		Short: "Stream the commands executed in a sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if serverURL != "" {
				cfg.Server.BaseURL = serverURL
				if err := appconfig.Validate(cfg); err != nil {
					return err
				}
			}
			return runWatch(cmd.Context(), cmd.OutOrStdout(), cfg, schema.SandboxID(args[0]), !noSnapshot)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config path (default ~/.sandboxwatch/config.yaml)")
	cmd.Flags().StringVar(&serverURL, "server", "", "sandbox API base URL (overrides server.base_url)")
	cmd.Flags().BoolVar(&noSnapshot, "no-snapshot", false, "skip the initial command history fetch")
	return cmd
}

// watchStats counts what the subscription delivered for the exit summary.
type watchStats struct {
	stream.NopSink
	updates    atomic.Int64
	reconnects atomic.Int64
	errors     atomic.Int64
}

func (s *watchStats) OnStateChange(_ schema.SandboxID, _, to schema.ConnectionState) {
	if to == schema.StateReconnecting {
		s.reconnects.Add(1)
	}
}

func (s *watchStats) OnCommand(schema.SandboxID, schema.CommandRecord) {
	s.updates.Add(1)
}

func (s *watchStats) OnError(schema.SandboxID, error) {
	s.errors.Add(1)
}

func runWatch(ctx context.Context, out io.Writer, cfg appconfig.Config, sandboxID schema.SandboxID, fetchSnapshot bool) error {
	logger := pslog.Ctx(ctx)
	policy, err := reconnect.FromSettings(cfg.ReconnectSettings())
	if err != nil {
		return err
	}

	bus := eventbus.New(logger)
	events, unsubscribe := bus.Subscribe(sandboxID)
	defer unsubscribe()
	stats := &watchStats{}

	client, err := stream.NewClient(stream.Config{
		BaseURL: cfg.Server.BaseURL,
		Dialer: transport.NewWebsocketDialer(transport.Config{
			HandshakeTimeout: cfg.HandshakeTimeout(),
			ReadLimit:        cfg.Stream.ReadLimitBytes,
		}),
		Policy:          policy,
		Sink:            stream.Fanout{bus, stats},
		LivenessTimeout: cfg.LivenessTimeout(),
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	sub, err := client.Subscribe(ctx, sandboxID)
	if err != nil {
		return err
	}

	renderer := format.NewPlainRenderer()
	if fetchSnapshot {
		if err := seedFromSnapshot(ctx, cfg, sub); err != nil {
			sub.Dispose()
			return err
		}
	}
	printLines(out, renderer.FormatLedger(sub.Ledger().Snapshot()))

	for {
		select {
		case event := <-events:
			printLines(out, renderer.FormatEvent(event))
		case <-sub.Done():
			for len(events) > 0 {
				printLines(out, renderer.FormatEvent(<-events))
			}
			_, _ = fmt.Fprintf(out, "watched %d commands (%d updates, %d reconnects, %d errors)\n",
				sub.Ledger().Len(), stats.updates.Load(), stats.reconnects.Load(), stats.errors.Load())
			if err := sub.Err(); err != nil && !errors.Is(err, schema.ErrSubscriptionClosed) {
				return err
			}
			return nil
		}
	}
}

func seedFromSnapshot(ctx context.Context, cfg appconfig.Config, sub *stream.Subscription) error {
	logger := pslog.Ctx(ctx)
	client, err := snapshot.New(cfg.Server.BaseURL, cfg.RequestTimeout())
	if err != nil {
		return err
	}
	records, err := client.Fetch(ctx, sub.SandboxID())
	if err != nil {
		if snapshot.IsNotFound(err) {
			return fmt.Errorf("sandbox %s: %w", sub.SandboxID(), err)
		}
		logger.Warn("snapshot fetch failed, continuing with the live stream", "err", err)
		return nil
	}
	added := sub.Seed(records)
	logger.Info("snapshot seeded", "fetched", len(records), "added", added)
	return nil
}

func printLines(out io.Writer, lines []string) {
	if len(lines) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out, strings.Join(lines, "\n"))
}
