package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fitsync/internal/constants"

	"github.com/sirupsen/logrus"
)

// Prober checks whether the backend is reachable
type Prober interface {
	Ping(ctx context.Context) error
}

// ConnectivitySink receives connectivity changes
type ConnectivitySink interface {
	SetOnline(online bool)
}

// ConnectivityMonitor probes the backend on an interval and reports the
// result to the host
type ConnectivityMonitor struct {
	prober       Prober
	sink         ConnectivitySink
	interval     time.Duration
	probeTimeout time.Duration
	logger       *logrus.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewConnectivityMonitor creates a monitor. Non-positive durations use the
// defaults.
func NewConnectivityMonitor(prober Prober, sink ConnectivitySink, interval, probeTimeout time.Duration, logger *logrus.Logger) *ConnectivityMonitor {
	if interval <= 0 {
		interval = constants.DefaultConnectivityCheckSec * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = constants.DefaultProbeTimeoutSec * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &ConnectivityMonitor{
		prober:       prober,
		sink:         sink,
		interval:     interval,
		probeTimeout: probeTimeout,
		logger:       logger,
	}
}

// Start probes once immediately and then on every tick
func (m *ConnectivityMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("connectivity monitor is already running")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	m.wg.Add(1)
	go m.loop()

	m.logger.WithField("interval", m.interval.String()).Info("Connectivity monitor started")
	return nil
}

// Stop ends probing and waits for the loop to exit
func (m *ConnectivityMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.running = false
	m.logger.Info("Connectivity monitor stopped")
}

// IsRunning returns whether the monitor is active
func (m *ConnectivityMonitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// CheckNow probes once and reports the result to the sink
func (m *ConnectivityMonitor) CheckNow(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	err := m.prober.Ping(ctx)
	online := err == nil
	if err != nil {
		m.logger.WithError(err).Debug("Backend probe failed")
	}
	m.sink.SetOnline(online)
	return online
}

func (m *ConnectivityMonitor) loop() {
	defer m.wg.Done()

	m.CheckNow(m.ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(m.ctx)
		}
	}
}
