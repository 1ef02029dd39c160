package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fitsync/internal/models"
	"fitsync/internal/push"
	"fitsync/internal/queue"
	"fitsync/internal/remote"
	"fitsync/internal/retry"
	"fitsync/internal/syncer"

	"github.com/sirupsen/logrus"
)

// app holds the agent components wired from one configuration
type app struct {
	cfg    *models.Config
	logger *logrus.Logger

	store     queue.Store
	backend   *remote.Client
	host      *syncer.Host
	replayer  *syncer.Replayer
	enqueuer  *syncer.Enqueuer
	monitor   *syncer.ConnectivityMonitor
	relay     *push.RelayPlatform
	pushes    *push.Manager
	presenter *push.Presenter
	hub       *push.Hub

	// lifetime of background push listeners
	ctx    context.Context
	cancel context.CancelFunc

	listenMu   sync.Mutex
	listening  string
	stopListen context.CancelFunc
	wg         sync.WaitGroup
}

// newApp opens the queue and wires every component around it
func newApp(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*app, error) {
	store, err := queue.Open(ctx, cfg.Database, cfg.Retry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open action queue: %w", err)
	}

	backend := remote.NewClient(cfg.Backend, nil, logger)

	host := syncer.NewHost(syncer.HostConfig{
		MaxRefires: cfg.Sync.MaxRefires,
		Backoff:    retry.FromRetryConfig(cfg.Retry),
		Disabled:   cfg.Sync.Disabled,
	}, logger)
	replayer := syncer.NewReplayer(store, backend, cfg.Sync, logger)
	host.Handle(cfg.Sync.Tag, replayer.Handler())
	host.Watch(cfg.Sync.Tag, replayer.Backlog)
	// Work left from a previous run, or queued by the CLI, stays armed
	host.Reconcile(ctx)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		backend:  backend,
		host:     host,
		replayer: replayer,
		enqueuer: syncer.NewEnqueuer(store, host, cfg.Sync.Tag, logger),
		monitor: syncer.NewConnectivityMonitor(backend, host,
			time.Duration(cfg.Sync.ConnectivityCheckSec)*time.Second, 0, logger),
		hub: push.NewHub(logger),
	}
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))

	var platform push.Platform
	if cfg.Push.RelayURL != "" {
		a.relay = push.NewRelayPlatform(cfg.Push.RelayURL, nil, retry.FromRetryConfig(cfg.Retry), logger)
		platform = a.relay
	}
	a.pushes = push.NewManager(platform, backend, cfg.Push.VAPIDPublicKey, logger)
	a.presenter = push.NewPresenter(a.hub, a.hub, logger)
	a.hub.OnClick(a.presenter.HandleClick)

	return a, nil
}

// subscribePush obtains a push subscription and keeps a relay listener open
// for its endpoint. A nil result means push is unavailable.
func (a *app) subscribePush(ctx context.Context) *models.PushSubscription {
	sub := a.pushes.Subscribe(ctx)
	if sub == nil || a.relay == nil {
		return sub
	}

	a.listenMu.Lock()
	defer a.listenMu.Unlock()

	if a.listening == sub.Endpoint || a.ctx.Err() != nil {
		return sub
	}
	if a.stopListen != nil {
		a.stopListen()
	}

	listenCtx, cancel := context.WithCancel(a.ctx)
	a.stopListen = cancel
	a.listening = sub.Endpoint

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.relay.Run(listenCtx, sub.Endpoint, a.handlePush)
	}()
	return sub
}

func (a *app) handlePush(ctx context.Context, data []byte) {
	if _, err := a.presenter.HandlePush(ctx, data); err != nil {
		a.logger.WithError(err).Warn("Failed to present push notification")
	}
}

// Close stops background work and closes the queue
func (a *app) Close() error {
	a.cancel()
	a.monitor.Stop()
	a.host.Stop()
	a.enqueuer.Wait()
	a.wg.Wait()
	return a.store.Close()
}
