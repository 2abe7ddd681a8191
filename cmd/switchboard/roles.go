// ABOUTME: Builds and runs the components behind each switchboard role
// ABOUTME: Shared collaborators (stores, router, bus, bridge client) are created once per process

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/bridge"
	"github.com/2389/switchboard/internal/channelstate"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/eventbus"
	"github.com/2389/switchboard/internal/gateway"
	"github.com/2389/switchboard/internal/ingest"
	"github.com/2389/switchboard/internal/jobs"
	"github.com/2389/switchboard/internal/mirror"
	"github.com/2389/switchboard/internal/server"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/tenant"
	"github.com/2389/switchboard/internal/webhook"
)

// webhookReplayWindow bounds how long a repeated message delivery is ignored
const webhookReplayWindow = 10 * time.Minute

type role string

const (
	roleGateway  role = "gateway"
	roleWebhooks role = "webhooks"
	roleWorker   role = "worker"
)

// runtime holds the collaborators every role shares
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	control *store.ControlStore
	router  *tenant.SQLiteRouter
	bus     eventbus.Bus
	bridge  *bridge.Client
	srv     *server.Server

	machine  *channelstate.Machine
	ingester *ingest.Service
}

func runRoles(ctx context.Context, roles ...role) error {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	printStartup(configPath, cfg, roles)
	logger := setupLogger(cfg.Logging)
	logger.Info("starting switchboard",
		"config", configPath,
		"roles", roles,
		"http_addr", cfg.Server.HTTPAddr,
		"bus", cfg.Bus.Driver,
	)

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}

	for _, r := range roles {
		var err error
		switch r {
		case roleGateway:
			err = rt.setupGateway()
		case roleWebhooks:
			rt.setupWebhooks()
		case roleWorker:
			rt.setupWorker()
		}
		if err != nil {
			_ = rt.close()
			return err
		}
	}

	rt.srv.OnShutdown("runtime", rt.close)
	return rt.srv.Run(ctx)
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	if err := os.MkdirAll(cfg.Database.TenantsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating tenants directory: %w", err)
	}
	control, err := store.NewControlStore(cfg.Database.ControlPath)
	if err != nil {
		return nil, fmt.Errorf("opening control store: %w", err)
	}

	bus, err := openBus(ctx, cfg.Bus, logger)
	if err != nil {
		control.Close()
		return nil, err
	}

	return &runtime{
		cfg:     cfg,
		logger:  logger,
		control: control,
		router:  tenant.NewSQLiteRouter(control, cfg.Database.TenantsDir, logger),
		bus:     bus,
		bridge:  bridge.NewClient(cfg.Bridge.BaseURL, cfg.Bridge.APIKey, cfg.Bridge.Timeout),
		srv:     server.New(cfg.Server, logger),
	}, nil
}

func openBus(ctx context.Context, cfg config.BusConfig, logger *slog.Logger) (eventbus.Bus, error) {
	switch cfg.Driver {
	case config.BusDriverRedis:
		bus, err := eventbus.NewRedisBus(ctx, cfg.RedisURL, cfg.ReconnectDelay, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis bus: %w", err)
		}
		return bus, nil
	case config.BusDriverAMQP:
		bus, err := eventbus.NewAMQPBus(cfg.AMQPURL, cfg.Exchange, cfg.ReconnectDelay, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to amqp bus: %w", err)
		}
		return bus, nil
	default:
		logger.Warn("using in-process event bus; events do not leave this process")
		return eventbus.NewMemoryBus(logger), nil
	}
}

// stateMachine is shared by the webhook receiver and the job handlers
func (rt *runtime) stateMachine() *channelstate.Machine {
	if rt.machine == nil {
		queue := jobs.NewSQLiteQueue(rt.control, rt.logger)
		rt.machine = channelstate.NewMachine(rt.router, rt.bridge, queue, rt.bus, rt.cfg.Bridge.InstancePrefix, rt.logger)
	}
	return rt.machine
}

func (rt *runtime) ingestService() *ingest.Service {
	if rt.ingester == nil {
		rt.ingester = ingest.New(rt.router, rt.bus, rt.cfg.Bridge.InstancePrefix, rt.logger)
	}
	return rt.ingester
}

func (rt *runtime) setupGateway() error {
	if rt.cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required for the gateway role")
	}
	sessions := auth.NewJWTSessionStore([]byte(rt.cfg.Auth.JWTSecret))

	seen := dedupe.New(rt.cfg.Presence.Window, 0)
	rt.srv.OnShutdown("presence cache", func() error {
		seen.Close()
		return nil
	})
	presence := gateway.NewPresence(rt.router, rt.bridge, seen, rt.logger)

	gw := gateway.New(rt.router, sessions, rt.bus, presence, rt.logger)
	gw.Routes(rt.srv.Router())
	rt.srv.Go("gateway-relay", gw.Run)
	return nil
}

func (rt *runtime) setupWebhooks() {
	replay := dedupe.New(webhookReplayWindow, 0)
	rt.srv.OnShutdown("webhook replay cache", func() error {
		replay.Close()
		return nil
	})

	receiver := webhook.NewReceiver(rt.stateMachine(), rt.ingestService(), replay, rt.logger)
	receiver.Routes(rt.srv.Router())

	reconciler := channelstate.NewReconciler(rt.stateMachine(), rt.cfg.Reconcile.Interval, rt.cfg.Reconcile.RatePerSecond, rt.logger)
	rt.srv.Go("reconciler", reconciler.Run)
}

func (rt *runtime) setupWorker() {
	worker := jobs.NewWorker(rt.control, jobs.WorkerConfig{
		PollInterval: rt.cfg.Jobs.PollInterval,
		MaxAttempts:  rt.cfg.Jobs.MaxAttempts,
		Backoff:      rt.cfg.Jobs.Backoff,
		Lease:        rt.cfg.Jobs.Lease,
	}, rt.logger)
	worker.Register(jobs.NameChannelBackfill, channelstate.NewBackfill(rt.stateMachine(), rt.bridge, rt.ingestService(), 0, rt.logger))
	worker.Register(jobs.NameChannelAvatarSync, channelstate.NewAvatarSync(rt.stateMachine(), rt.logger))
	rt.srv.Go("job-worker", worker.Run)

	consumer := mirror.NewConsumer(mirror.New(rt.router, rt.bus, rt.logger), rt.bus, rt.logger)
	rt.srv.Go("mirror-consumer", consumer.Run)
}

func (rt *runtime) close() error {
	var errs []error
	if err := rt.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing bus: %w", err))
	}
	if err := rt.router.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing tenant stores: %w", err))
	}
	if err := rt.control.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing control store: %w", err))
	}
	return errors.Join(errs...)
}
