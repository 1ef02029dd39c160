package syncer

import (
	"context"
	"sync"

	apperrors "fitsync/internal/errors"
	"fitsync/internal/metrics"
	"fitsync/internal/retry"

	"github.com/sirupsen/logrus"
)

// Registrar arms a background callback for a tag
type Registrar interface {
	Register(ctx context.Context, tag string) error
}

// Handler is the background callback bound to a tag. It returns true when no
// work is left for the tag.
type Handler func(ctx context.Context) bool

// BacklogFunc reports whether durable work is waiting for a tag. The host
// consults it while online so work queued before a restart, or by another
// process, is armed without a fresh registration.
type BacklogFunc func(ctx context.Context) bool

// HostConfig configures the background sync host
type HostConfig struct {
	// MaxRefires bounds how many times an incomplete handler is re-fired
	// while the backend stays online. Zero disables re-firing.
	MaxRefires int
	Backoff    retry.BackoffConfig
	// Disabled makes every registration fail as unsupported
	Disabled bool
}

// registration is the state of one armed tag
type registration struct {
	firing  bool
	pending bool
	// forced marks a pending follow-up requested by Fire, which ignores
	// connectivity
	forced  bool
	refires int
}

// Host is the background sync platform. Tags registered with Register stay
// armed until their handler reports completion. Handlers fire when the host
// is online: immediately on registration, and for every armed tag on each
// offline to online transition. Repeated registrations of an armed tag are
// coalesced, and at most one firing per tag runs at a time.
type Host struct {
	config  HostConfig
	backoff *retry.Backoff
	logger  *logrus.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	backlogs map[string]BacklogFunc
	armed    map[string]*registration
	online   bool
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHost creates a host that starts offline
func NewHost(config HostConfig, logger *logrus.Logger) *Host {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		config:   config,
		backoff:  retry.NewBackoff(config.Backoff),
		logger:   logger,
		handlers: make(map[string]Handler),
		backlogs: make(map[string]BacklogFunc),
		armed:    make(map[string]*registration),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handle binds the background handler for a tag
func (h *Host) Handle(tag string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[tag] = handler
}

// Watch binds a backlog check for tag. See Reconcile.
func (h *Host) Watch(tag string, backlog BacklogFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backlogs[tag] = backlog
}

// Reconcile arms every watched tag that is not armed yet but has backlog.
// Armed tags fire right away when the host is online, otherwise on the next
// offline to online transition. Tags already armed are left alone, so a tag
// parked after spending its re-fire budget waits for connectivity to change.
func (h *Host) Reconcile(ctx context.Context) {
	h.mu.Lock()
	candidates := make(map[string]BacklogFunc, len(h.backlogs))
	for tag, backlog := range h.backlogs {
		if _, armed := h.armed[tag]; !armed {
			candidates[tag] = backlog
		}
	}
	h.mu.Unlock()

	for tag, backlog := range candidates {
		if !backlog(ctx) {
			continue
		}

		h.mu.Lock()
		if _, armed := h.armed[tag]; armed || h.checkLocked(tag) != nil {
			h.mu.Unlock()
			continue
		}
		reg := &registration{}
		h.armed[tag] = reg
		if h.online {
			h.dispatchLocked(tag, reg)
		}
		online := h.online
		h.mu.Unlock()

		h.logger.WithFields(logrus.Fields{
			"tag":    tag,
			"online": online,
		}).Info("Background sync armed for queued work")
	}
}

// Register arms tag. It fails with SyncRegistrationUnsupported when the host
// is disabled and with SyncRegistrationRejected when no handler is bound or
// the host has stopped.
func (h *Host) Register(ctx context.Context, tag string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewSyncRejected(tag, err.Error())
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkLocked(tag); err != nil {
		metrics.IncrementCounter(metrics.SyncRegistrations, map[string]string{"result": string(apperrors.GetCode(err))}, "Background sync registrations")
		return err
	}
	metrics.IncrementCounter(metrics.SyncRegistrations, map[string]string{"result": "armed"}, "Background sync registrations")

	reg, exists := h.armed[tag]
	if !exists {
		reg = &registration{}
		h.armed[tag] = reg
	}

	switch {
	case reg.firing:
		// Coalesced into one follow-up firing
		reg.pending = true
	case h.online:
		reg.refires = 0
		h.dispatchLocked(tag, reg)
	}

	h.logger.WithFields(logrus.Fields{
		"tag":       tag,
		"coalesced": exists,
		"online":    h.online,
	}).Debug("Background sync registered")
	return nil
}

// Fire runs the handler for tag now regardless of connectivity, as a manual
// flush. The tag is armed as if registered.
func (h *Host) Fire(ctx context.Context, tag string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewSyncRejected(tag, err.Error())
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkLocked(tag); err != nil {
		return err
	}

	reg, exists := h.armed[tag]
	if !exists {
		reg = &registration{}
		h.armed[tag] = reg
	}
	if reg.firing {
		reg.pending = true
		reg.forced = true
		return nil
	}
	reg.refires = 0
	h.dispatchLocked(tag, reg)
	return nil
}

func (h *Host) checkLocked(tag string) error {
	switch {
	case h.config.Disabled:
		return apperrors.NewSyncUnsupported(tag, "background sync is disabled")
	case h.stopped:
		return apperrors.NewSyncRejected(tag, "host stopped")
	}
	if _, ok := h.handlers[tag]; !ok {
		return apperrors.NewSyncRejected(tag, "no handler bound for tag")
	}
	return nil
}

// SetOnline records connectivity. Going online fires every armed tag that is
// not already firing. While online, every call also reconciles watched tags
// against their backlog.
func (h *Host) SetOnline(online bool) {
	if h.setOnline(online) {
		h.Reconcile(h.ctx)
	}
}

// setOnline applies the state change and reports whether to reconcile
func (h *Host) setOnline(online bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.online == online {
		return online && !h.stopped
	}
	h.online = online

	state := 0.0
	if online {
		state = 1
	}
	metrics.SetGauge(metrics.BackendOnline, state, nil, "Backend reachability")
	h.logger.WithFields(logrus.Fields{
		"online": online,
		"armed":  len(h.armed),
	}).Info("Connectivity changed")

	if !online || h.stopped {
		return false
	}
	for tag, reg := range h.armed {
		if reg.firing {
			continue
		}
		reg.refires = 0
		h.dispatchLocked(tag, reg)
	}
	return true
}

// Online reports the last connectivity state
func (h *Host) Online() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online
}

// Armed reports whether tag is waiting for or running a firing
func (h *Host) Armed(tag string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.armed[tag]
	return ok
}

// Stop rejects further registrations and waits for running handlers, which
// see their context cancelled
func (h *Host) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
}

func (h *Host) dispatchLocked(tag string, reg *registration) {
	reg.firing = true
	reg.pending = false
	reg.forced = false
	h.wg.Add(1)
	go h.run(tag)
}

// run fires the handler until it completes, the re-fire budget is spent or
// the host goes offline
func (h *Host) run(tag string) {
	defer h.wg.Done()

	for {
		h.mu.Lock()
		handler := h.handlers[tag]
		h.mu.Unlock()

		metrics.IncrementCounter(metrics.SyncFirings, map[string]string{"tag": tag}, "Background sync firings")
		complete := h.invoke(tag, handler)

		h.mu.Lock()
		reg := h.armed[tag]
		switch {
		case h.stopped:
			reg.firing = false
			h.mu.Unlock()
			return
		case reg.pending:
			forced := reg.forced
			reg.pending = false
			reg.forced = false
			if !h.online && !forced {
				// Coalesced registration fires on the next transition
				reg.firing = false
				h.logger.WithField("tag", tag).Debug("Background sync deferred until online")
				h.mu.Unlock()
				return
			}
			h.mu.Unlock()
			continue
		case complete:
			delete(h.armed, tag)
			h.mu.Unlock()
			return
		}

		reg.refires++
		if reg.refires > h.config.MaxRefires || !h.online {
			reg.firing = false
			h.logger.WithFields(logrus.Fields{
				"tag":     tag,
				"refires": reg.refires - 1,
			}).Info("Background sync left armed until connectivity changes")
			h.mu.Unlock()
			return
		}
		attempt := reg.refires
		h.mu.Unlock()

		if err := h.backoff.Wait(h.ctx, attempt); err != nil {
			h.mu.Lock()
			reg.firing = false
			h.mu.Unlock()
			return
		}

		h.mu.Lock()
		if !h.online && !reg.forced {
			reg.firing = false
			h.mu.Unlock()
			return
		}
		h.mu.Unlock()
	}
}

// invoke runs one handler call, treating a panic as incomplete work
func (h *Host) invoke(tag string, handler Handler) (complete bool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.WithFields(logrus.Fields{
				"tag":   tag,
				"panic": r,
			}).Error("Background sync handler panicked")
			complete = false
		}
	}()
	return handler(h.ctx)
}
