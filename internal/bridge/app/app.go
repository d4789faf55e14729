// Package app assembles callbridge from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sebas/callbridge/internal/bridge/api"
	"github.com/sebas/callbridge/internal/bridge/config"
	"github.com/sebas/callbridge/internal/bridge/core"
	"github.com/sebas/callbridge/internal/bridge/esl"
	"github.com/sebas/callbridge/internal/bridge/events"
	"github.com/sebas/callbridge/internal/bridge/flow"
	"github.com/sebas/callbridge/internal/bridge/metrics"
	"github.com/sebas/callbridge/internal/bridge/routing"
	"github.com/sebas/callbridge/internal/bridge/webhook"
)

// HealthService is the gRPC health service name reported next to "".
const HealthService = "callbridge"

const (
	healthInterval  = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Bridge owns every long-running component.
type Bridge struct {
	cfg    *config.Config
	logger *slog.Logger

	cores   *core.Set
	web     *webhook.Client
	events  events.Publisher
	metrics *metrics.Metrics
	connect *routing.ConnectHandler
	api     *api.Server

	grpcServer *grpc.Server
	health     *health.Server
}

// New builds a Bridge. Nothing listens or dials until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		web: webhook.NewClient(webhook.Config{
			Timeout:   cfg.WebhookTimeout,
			AuthToken: cfg.AuthToken,
			Logger:    logger,
		}),
	}

	pub, err := newPublisher(cfg, logger)
	if err != nil {
		return nil, err
	}
	b.events = pub

	nodeID, _ := os.Hostname()
	builder := events.NewBuilder(nodeID).WithPrefix(cfg.NATSPrefix)

	cores := make([]*core.Core, 0, len(cfg.Switches))
	for _, sw := range cfg.Switches {
		cores = append(cores, core.New(core.Config{
			Name:           sw.Name,
			Addr:           sw.Addr,
			Password:       sw.Password,
			OutboundAddr:   cfg.OutboundAddr,
			VarPrefix:      cfg.VarPrefix,
			DefaultMethod:  cfg.DefaultMethod,
			OriginateRate:  cfg.OriginateRate,
			MaxOriginating: cfg.MaxOriginating,
			Web:            b.web,
			Events:         pub,
			Builder:        builder,
			Metrics:        b.metrics,
			Logger:         logger.With("core", sw.Name),
		}, nil))
	}
	b.cores = core.NewSet(cores...)

	walker := flow.NewWalker(flow.WalkerConfig{
		Web: b.web,
		Options: flow.Options{
			DefaultMethod: cfg.DefaultMethod,
			EventTimeout:  cfg.EventTimeout,
			MaxRedirects:  cfg.MaxRedirects,
			RecordPath:    cfg.RecordPath,
		},
		Metrics: b.metrics,
		Logger:  logger,
	})
	logger.Debug("[App] Call-flow elements", "elements", walker.Elements())

	b.connect = routing.NewConnectHandler(routing.Config{
		Cores:            b.cores,
		Walker:           walker,
		Events:           pub,
		Builder:          builder,
		DefaultAnswerURL: cfg.DefaultAnswerURL,
		DefaultHangupURL: cfg.DefaultHangupURL,
		VarPrefix:        cfg.VarPrefix,
		Logger:           logger,
	})
	b.api = api.NewServer(cfg.APIAddr, b.cores, b.metrics.Handler(), logger)

	b.grpcServer = grpc.NewServer()
	b.health = health.NewServer()
	healthpb.RegisterHealthServer(b.grpcServer, b.health)
	b.setServing(false)

	return b, nil
}

func newPublisher(cfg *config.Config, logger *slog.Logger) (events.Publisher, error) {
	if cfg.NATSURL == "" {
		return events.NewLoggingPublisher(logger), nil
	}
	natsCfg := events.DefaultNATSConfig()
	natsCfg.URL = cfg.NATSURL
	if cfg.NATSPrefix != "" {
		natsCfg.SubjectPrefix = cfg.NATSPrefix
	}
	pub, err := events.NewNATSPublisher(natsCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS publisher: %w", err)
	}
	// Events still reach the debug log when they go to NATS.
	return events.NewMultiPublisher(logger, pub, events.NewLoggingPublisher(logger)), nil
}

// Cores returns the configured switch instances.
func (b *Bridge) Cores() *core.Set { return b.cores }

// Run starts the outbound listener, the switch connections, the admin API
// and the health server. It returns when ctx is done or one of them fails.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.listen(ctx) })
	g.Go(func() error { return b.cores.Run(ctx) })
	g.Go(func() error { return b.api.Run(ctx) })
	g.Go(func() error { return b.serveHealth(ctx) })
	g.Go(func() error {
		b.watchHealth(ctx)
		return nil
	})

	return g.Wait()
}

// listen accepts the switch's outbound socket connections. The listener has
// no shutdown hook, so on ctx done it is left to exit with the process.
func (b *Bridge) listen(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		b.logger.Info("[App] Outbound socket listening", "addr", b.cfg.ListenAddr)
		errc <- esl.ListenAndServe(b.cfg.ListenAddr, func(conn *esl.Conn) {
			b.connect.HandleConnection(ctx, conn)
		})
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return fmt.Errorf("outbound socket %s: %w", b.cfg.ListenAddr, err)
	}
}

func (b *Bridge) serveHealth(ctx context.Context) error {
	if b.cfg.HealthAddr == "" {
		return nil
	}
	lis, err := net.Listen("tcp", b.cfg.HealthAddr)
	if err != nil {
		return fmt.Errorf("health listen %s: %w", b.cfg.HealthAddr, err)
	}
	b.logger.Info("[App] gRPC health listening", "addr", lis.Addr().String())

	serveErr := make(chan error, 1)
	go func() { serveErr <- b.grpcServer.Serve(lis) }()

	select {
	case <-ctx.Done():
		b.health.Shutdown()
		b.grpcServer.GracefulStop()
		err := <-serveErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve health: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve health: %w", err)
	}
}

// watchHealth reports SERVING while every switch control connection is up.
func (b *Bridge) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		b.setServing(b.connected())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *Bridge) connected() bool {
	for _, c := range b.cores.All() {
		if !c.Stats().Connected {
			return false
		}
	}
	return true
}

func (b *Bridge) setServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	b.health.SetServingStatus("", status)
	b.health.SetServingStatus(HealthService, status)
}

// Close waits for pending notifications and releases every component.
func (b *Bridge) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := b.web.Wait(ctx); err != nil {
		b.logger.Warn("[App] Pending notifications dropped", "error", err)
	}
	b.cores.Close()
	b.grpcServer.Stop()
	if err := b.events.Flush(ctx); err != nil {
		b.logger.Warn("[App] Event flush failed", "error", err)
	}
	return b.events.Close()
}
