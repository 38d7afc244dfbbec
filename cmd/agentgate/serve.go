// cmd/agentgate/serve.go
// The serve command: builds every component, wires the bridge -> router ->
// transports pipeline, starts the HTTP surface and the maintenance schedule,
// and tears everything down in dependency order on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/triologue/agentgate/internal/bridge"
	"github.com/triologue/agentgate/internal/eventlog"
	"github.com/triologue/agentgate/internal/httpapi"
	"github.com/triologue/agentgate/internal/idempotency"
	"github.com/triologue/agentgate/internal/inject"
	"github.com/triologue/agentgate/internal/logging"
	"github.com/triologue/agentgate/internal/loopguard"
	"github.com/triologue/agentgate/internal/metrics"
	"github.com/triologue/agentgate/internal/ratelimit"
	"github.com/triologue/agentgate/internal/readtrack"
	"github.com/triologue/agentgate/internal/registry"
	"github.com/triologue/agentgate/internal/router"
	"github.com/triologue/agentgate/internal/socket"
	"github.com/triologue/agentgate/internal/stream"
	"github.com/triologue/agentgate/internal/webhook"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServeConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	return cmd
}

// socketTable adapts the socket manager to the router's lookup capability.
type socketTable struct{ m *socket.Manager }

func (t socketTable) Lookup(principalID string) (router.SocketSink, bool) {
	if s := t.m.Get(principalID); s != nil {
		return s, true
	}
	return nil, false
}

func runServe(cfg serveConfig) error {
	lg := logging.Logger()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return err
	}

	// Storage: Redis when configured, in-process otherwise.
	var (
		log  eventlog.Store
		idem idempotency.Cache
		err  error
	)
	if cfg.StorageURL != "" {
		opts, err := redis.ParseURL(cfg.StorageURL)
		if err != nil {
			return err
		}
		cli := redis.NewClient(opts)
		log = eventlog.NewRedis(cli)
		idem = idempotency.NewRedis(cli)
		lg.Info("using redis storage", zap.String("addr", opts.Addr))
	} else {
		log, err = eventlog.NewInMem(filepath.Join(cfg.DataDir, "eventlog.seq"))
		if err != nil {
			return err
		}
		idem = idempotency.NewInMem()
	}

	met := metrics.New(filepath.Join(cfg.DataDir, "metrics.log"))

	reg := registry.New(registry.Config{
		Endpoint: cfg.UpstreamURL + "/api/v4/agents/registry",
		Token:    cfg.Token,
		FilePath: cfg.AgentsFile,
	})
	reg.OnRefreshFailure(met.RefreshFailure)
	if err := reg.Bootstrap(context.Background()); err != nil {
		// No agents means nothing to route; refuse to start half-blind.
		return err
	}

	tracker, err := readtrack.Load(filepath.Join(cfg.DataDir, "readtracker.json"))
	if err != nil {
		return err
	}

	brd := bridge.New(bridge.Config{
		BaseURL:  cfg.UpstreamURL,
		WSURL:    cfg.UpstreamWSURL,
		Username: cfg.Username,
		Token:    cfg.Token,
		DataDir:  cfg.DataDir,
	})

	guard := loopguard.New()
	sockets := socket.NewManager()
	streams := stream.NewHub()
	hooks := webhook.NewDispatcher(met)
	injector := inject.New(cfg.InjectURL)
	limiter := ratelimit.New()

	rt := router.New(router.Deps{
		Agents:   reg,
		History:  brd,
		Sockets:  socketTable{m: sockets},
		Streams:  streams,
		Webhooks: hooks,
		Inject:   injector,
		Guard:    guard,
		Tracker:  tracker,
		Log:      log,
	}, 0)
	brd.Subscribe(rt.Enqueue)

	streamH := stream.NewHandler(streams, log, met)
	socketH := socket.NewHandler(reg, brd, sockets, met)
	api := httpapi.NewServer(reg, brd, sockets, streams, streamH, socketH, idem, limiter, met)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go rt.Run(ctx)

	if err := brd.Connect(ctx); err != nil {
		// The reconnect loop is already scheduled; degraded start, not fatal.
		lg.Warn("initial upstream connect failed", zap.Error(err))
	}

	// Maintenance schedule.
	sched := cron.New()
	_, _ = sched.AddFunc("@every 1m", func() {
		if err := reg.Refresh(context.Background()); err == nil {
			if revoked := sockets.AuditTokens(reg.Authenticate); revoked > 0 {
				for i := 0; i < revoked; i++ {
					met.RevokedTokenLive()
				}
				lg.Warn("live sessions hold revoked tokens", zap.Int("count", revoked))
			}
		}
		met.SetTransportCount("socket", sockets.Count())
		met.SetTransportCount("stream", streams.Count())
		met.SetTransportCount("webhook", len(reg.WebhookAgents()))
	})
	_, _ = sched.AddFunc("@every 1m", met.Flush)
	_, _ = sched.AddFunc("@every 10m", func() {
		now := time.Now()
		guard.Sweep(now)
		limiter.Cleanup(now)
		idem.Sweep()
		_ = log.Prune(context.Background())
	})
	sched.Start()

	go func() {
		lg.Info("http listening", zap.String("addr", cfg.Listen))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("http listener", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	lg.Info("shutting down")

	// Ordering: stop the schedule, stop accepting requests, notify and close
	// downstream sessions, drop the upstream session, then flush state.
	<-sched.Stop().Done()

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = httpSrv.Shutdown(shutCtx)
	cancel()

	streams.Shutdown()
	sockets.Shutdown()
	_ = brd.Close()
	met.Flush()
	tracker.Flush()

	lg.Info("goodbye")
	return nil
}
