package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/chatsync/internal/client"
	"github.com/dgnsrekt/chatsync/internal/connection"
	"github.com/dgnsrekt/chatsync/internal/event"
	"github.com/dgnsrekt/chatsync/internal/model"
	"github.com/dgnsrekt/chatsync/internal/notify"
)

// eventLine is one event written to stdout.
type eventLine struct {
	Seq       uint64          `json:"seq"`
	Type      string          `json:"type"`
	ChannelID string          `json:"cid,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

func listenCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect and stream persisted events to stdout",
		Long: `Connect to the chat backend, persist every event to the local store and
print each one as a JSON line once it is committed.

Examples:
  # Stream events
  chatsync listen

  # Stream events and expose Prometheus metrics
  chatsync listen --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			notifyCfg, err := notify.LoadConfig()
			if err != nil {
				return err
			}
			if err := notifyCfg.Validate(); err != nil {
				return err
			}
			notifier := notify.New(notifyCfg, logger.Named("notify"))

			c, err := client.New(cfg, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			return listen(cmd.Context(), c, notifier, metricsAddr)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

func listen(ctx context.Context, c *client.Client, notifier notify.Notifier, metricsAddr string) error {
	g, ctx := errgroup.WithContext(ctx)

	var out sync.Mutex
	enc := json.NewEncoder(os.Stdout)
	sub := c.Subscribe("", func(env event.Envelope) {
		out.Lock()
		_ = enc.Encode(eventLine{
			Seq:       env.Seq,
			Type:      env.Type,
			ChannelID: env.ChannelID,
			CreatedAt: env.CreatedAt,
			Payload:   env.Raw,
		})
		out.Unlock()

		if env.Type == event.TypeMessageNew {
			forwardMessage(ctx, notifier, env)
		}
	})
	defer sub.Cancel()

	userID := cfg.User.ID
	cancelStates := c.OnStateChange(func(s connection.State) {
		logger.Info("connection state", zap.Stringer("state", s))
		if err := notifier.SendDisconnected(ctx, userID, s); err != nil {
			logger.Warn("connection alert failed", zap.Error(err))
		}
	})
	defer cancelStates()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", metricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		c.Connect()
		<-ctx.Done()
		logger.Info("disconnecting")
		c.Disconnect()

		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Flush(flushCtx); err != nil && !errors.Is(err, event.ErrPipelineClosed) {
			logger.Warn("final flush failed", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

func forwardMessage(ctx context.Context, notifier notify.Notifier, env event.Envelope) {
	var p struct {
		Message *model.Message `json:"message"`
	}
	if err := json.Unmarshal(env.Raw, &p); err != nil || p.Message == nil {
		return
	}
	msg := *p.Message
	if msg.ChannelID == "" {
		msg.ChannelID = env.ChannelID
	}
	if msg.User.ID == cfg.User.ID {
		return
	}
	if err := notifier.SendMessage(ctx, msg); err != nil {
		logger.Warn("message notification failed", zap.String("cid", msg.ChannelID), zap.Error(err))
	}
}
