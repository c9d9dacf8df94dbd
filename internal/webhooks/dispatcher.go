// Package webhooks delivers matched events to registered HTTP endpoints.
// Each registration owns a serial FIFO queue so destinations are isolated
// from each other; retries, rate pacing and failure accounting happen per
// destination.
package webhooks

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/AwwCookies/Chatterbox-sub000/internal/bus"
	"github.com/AwwCookies/Chatterbox-sub000/internal/events"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/clients"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/logging"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/models"
)

// Config tunes delivery behavior.
type Config struct {
	// MaxRetries bounds attempts per event for 429/5xx responses.
	MaxRetries int
	// RetryBase and RetryMax bound the per-attempt backoff.
	RetryBase time.Duration
	RetryMax  time.Duration
	// PerURLRate caps requests per second against a single URL.
	PerURLRate int
	// QueueSize bounds each registration's FIFO.
	QueueSize int
	// MaxConcurrent bounds in-flight deliveries across all registrations.
	MaxConcurrent int
	// MuteThreshold is the consecutive-failure count that auto-mutes.
	MuteThreshold int
	// RequestTimeout is the per-request deadline.
	RequestTimeout time.Duration
	// BreakerDelay is how long a destination's circuit stays open after
	// repeated failures before a probe is allowed through.
	BreakerDelay time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     5,
		RetryBase:      500 * time.Millisecond,
		RetryMax:       15 * time.Second,
		PerURLRate:     5,
		QueueSize:      100,
		MaxConcurrent:  32,
		MuteThreshold:  20,
		RequestTimeout: 10 * time.Second,
		BreakerDelay:   30 * time.Second,
	}
}

// worker is the per-registration delivery state. The registration copy
// carries the live muted/enabled flags. Each worker owns its executor so
// one destination's open circuit never affects another's.
type worker struct {
	reg      models.WebhookRegistration
	queue    chan events.Event
	done     chan struct{}
	executor failsafe.Executor[*http.Response]
}

// Stats is a point-in-time dispatcher snapshot.
type Stats struct {
	Registrations int    `json:"registrations"`
	Matched       uint64 `json:"matched"`
	Delivered     uint64 `json:"delivered"`
	Failed        uint64 `json:"failed"`
	DroppedFull   uint64 `json:"dropped_queue_full"`
	AutoMuted     uint64 `json:"auto_muted"`
}

// Dispatcher fans matched events out to registration workers.
type Dispatcher struct {
	cfg    Config
	store  Store
	bus    *bus.Bus
	client *http.Client
	logger logging.Logger

	// sem bounds global in-flight deliveries.
	sem chan struct{}

	mu      sync.Mutex
	workers map[int]*worker
	pacers  map[string]*urlPacer

	matched     atomic.Uint64
	delivered   atomic.Uint64
	failed      atomic.Uint64
	droppedFull atomic.Uint64
	autoMuted   atomic.Uint64

	wg      sync.WaitGroup
	stop    chan struct{}
	stopped sync.Once
}

// NewDispatcher builds the dispatcher. Start loads registrations and
// begins consuming the bus.
func NewDispatcher(cfg Config, store Store, b *bus.Bus, logger logging.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.PerURLRate <= 0 {
		cfg.PerURLRate = def.PerURLRate
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MuteThreshold <= 0 {
		cfg.MuteThreshold = def.MuteThreshold
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}

	return &Dispatcher{
		cfg:     cfg,
		store:   store,
		bus:     b,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		logger:  logger,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		workers: make(map[int]*worker),
		pacers:  make(map[string]*urlPacer),
		stop:    make(chan struct{}),
	}
}

// Start loads registrations and begins routing bus events.
func (d *Dispatcher) Start(ctx context.Context) error {
	regs, err := d.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load webhook registrations: %w", err)
	}
	for _, reg := range regs {
		d.addWorker(reg)
	}
	d.logger.WithField("registrations", len(regs)).Info("Webhook dispatcher started")

	sub := d.bus.Subscribe(bus.WithKinds(
		events.KindChatMessage,
		events.KindModAction,
		events.KindChannelStatus,
		events.KindBits,
		events.KindSubscription,
		events.KindRaid,
	))
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer sub.Close()
		for {
			select {
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				d.route(ev)
			case <-d.stop:
				return
			}
		}
	}()
	return nil
}

// Close stops routing and drains worker queues until the context expires.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.stopped.Do(func() { close(d.stop) })

	d.mu.Lock()
	workers := make([]*worker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	d.workers = make(map[int]*worker)
	d.mu.Unlock()

	for _, w := range workers {
		close(w.queue)
	}

	finished := make(chan struct{})
	go func() {
		for _, w := range workers {
			<-w.done
		}
		d.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("webhook dispatcher drain: %w", ctx.Err())
	}
}

// Register validates, persists and activates a new registration.
func (d *Dispatcher) Register(ctx context.Context, reg models.WebhookRegistration) (models.WebhookRegistration, error) {
	if err := ValidateURL(reg.URL); err != nil {
		return models.WebhookRegistration{}, err
	}
	created, err := d.store.Create(ctx, reg)
	if err != nil {
		return models.WebhookRegistration{}, err
	}
	created.URLMask = MaskURL(created.URL)
	d.addWorker(created)
	return created, nil
}

// Unregister removes a registration and stops its worker.
func (d *Dispatcher) Unregister(ctx context.Context, id int) error {
	if err := d.store.Delete(ctx, id); err != nil {
		return err
	}
	d.removeWorker(id)
	return nil
}

// SetEnabled flips a registration and refreshes its worker state.
func (d *Dispatcher) SetEnabled(ctx context.Context, id int, enabled bool) error {
	if err := d.store.SetEnabled(ctx, id, enabled); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.workers[id]; ok {
		w.reg.Enabled = enabled
		if enabled {
			w.reg.Muted = false
			w.reg.ConsecutiveFailures = 0
		}
	}
	return nil
}

// List returns registrations with masked URLs.
func (d *Dispatcher) List(ctx context.Context) ([]models.WebhookRegistration, error) {
	return d.store.List(ctx)
}

// Stats reports dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	n := len(d.workers)
	d.mu.Unlock()
	return Stats{
		Registrations: n,
		Matched:       d.matched.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		DroppedFull:   d.droppedFull.Load(),
		AutoMuted:     d.autoMuted.Load(),
	}
}

func (d *Dispatcher) addWorker(reg models.WebhookRegistration) {
	w := &worker{
		reg:   reg,
		queue: make(chan events.Event, d.cfg.QueueSize),
		done:  make(chan struct{}),
		executor: clients.NewHTTPExecutor(clients.HTTPExecutorConfig{
			MaxRetries:   d.cfg.MaxRetries,
			BaseDelay:    d.cfg.RetryBase,
			MaxDelay:     d.cfg.RetryMax,
			BreakerDelay: d.cfg.BreakerDelay,
		}),
	}
	d.mu.Lock()
	d.workers[reg.ID] = w
	d.mu.Unlock()

	go d.runWorker(w)
}

func (d *Dispatcher) removeWorker(id int) {
	d.mu.Lock()
	w, ok := d.workers[id]
	if ok {
		delete(d.workers, id)
	}
	d.mu.Unlock()
	if ok {
		close(w.queue)
	}
}

// route enqueues an event onto every matching registration's queue. A full
// queue drops the event for that registration only. Filters run for muted
// and disabled registrations too, so match accounting stays accurate while
// delivery is suppressed.
func (d *Dispatcher) route(ev events.Event) {
	d.mu.Lock()
	targets := make([]*worker, 0, 4)
	for _, w := range d.workers {
		if !Matches(w.reg, ev) {
			continue
		}
		d.matched.Add(1)
		if !w.reg.Enabled || w.reg.Muted {
			continue
		}
		targets = append(targets, w)
	}
	d.mu.Unlock()

	for _, w := range targets {
		select {
		case w.queue <- ev:
		default:
			d.droppedFull.Add(1)
			d.logger.WithFields(logging.Fields{
				"webhook_id": w.reg.ID,
				"kind":       string(w.reg.Kind),
			}).Warn("Webhook queue full, dropping event")
		}
	}
}

// runWorker delivers a registration's queue strictly serially.
func (d *Dispatcher) runWorker(w *worker) {
	defer close(w.done)
	for ev := range w.queue {
		d.mu.Lock()
		skip := !w.reg.Enabled || w.reg.Muted
		url := w.reg.URL
		d.mu.Unlock()
		if skip {
			continue
		}

		d.pacer(url).wait()

		d.sem <- struct{}{}
		ok := d.deliver(w, url, ev)
		<-d.sem

		if ok {
			d.onSuccess(w)
		} else {
			d.onFailure(w)
		}
	}
}

// deliver POSTs one event. Retries for 429/5xx happen inside the executor;
// any other 4xx is a permanent failure for this event.
func (d *Dispatcher) deliver(w *worker, url string, ev events.Event) bool {
	id := w.reg.ID
	body, err := buildPayload(ev)
	if err != nil {
		d.logger.WithFields(logging.Fields{
			"webhook_id": id,
			"error":      err.Error(),
		}).Error("Failed to build webhook payload")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(d.cfg.MaxRetries+1)*d.cfg.RequestTimeout)
	defer cancel()

	resp, err := clients.PostJSON(ctx, w.executor, d.client, url, body)
	if err != nil {
		d.logger.WithFields(logging.Fields{
			"webhook_id": id,
			"error":      err.Error(),
		}).Warn("Webhook delivery failed")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true
	}
	d.logger.WithFields(logging.Fields{
		"webhook_id": id,
		"status":     resp.StatusCode,
	}).Warn("Webhook delivery rejected")
	return false
}

func (d *Dispatcher) onSuccess(w *worker) {
	d.delivered.Add(1)
	d.mu.Lock()
	w.reg.ConsecutiveFailures = 0
	now := time.Now().UTC()
	w.reg.LastTriggeredAt = &now
	w.reg.TriggerCount++
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.RecordSuccess(ctx, w.reg.ID); err != nil {
		d.logger.WithField("error", err.Error()).Warn("Failed to record webhook success")
	}
}

func (d *Dispatcher) onFailure(w *worker) {
	d.failed.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	failures, muted, err := d.store.RecordFailure(ctx, w.reg.ID, d.cfg.MuteThreshold)
	if err != nil {
		d.logger.WithField("error", err.Error()).Warn("Failed to record webhook failure")
		return
	}

	d.mu.Lock()
	w.reg.ConsecutiveFailures = failures
	wasMuted := w.reg.Muted
	w.reg.Muted = muted
	d.mu.Unlock()

	if muted && !wasMuted {
		d.autoMuted.Add(1)
		d.drainQueue(w)
		d.logger.WithFields(logging.Fields{
			"webhook_id": w.reg.ID,
			"failures":   failures,
		}).Warn("Webhook auto-muted after consecutive failures")
		d.bus.Publish(events.Event{
			Kind: events.KindWebhookMuted,
			TS:   time.Now().UTC(),
			WebhookMuted: &events.WebhookMuted{
				WebhookID: w.reg.ID,
				Kind:      string(w.reg.Kind),
				Failures:  failures,
			},
		})
	}
}

// drainQueue discards a muted registration's backlog to reclaim memory.
func (d *Dispatcher) drainQueue(w *worker) {
	for {
		select {
		case <-w.queue:
		default:
			return
		}
	}
}

// urlPacer enforces a minimum interval between requests to one URL.
// Registrations pointing at the same destination share a pacer.
type urlPacer struct {
	mu       sync.Mutex
	interval time.Duration
	nextAt   time.Time
}

func (d *Dispatcher) pacer(url string) *urlPacer {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pacers[url]
	if !ok {
		p = &urlPacer{interval: time.Second / time.Duration(d.cfg.PerURLRate)}
		d.pacers[url] = p
	}
	return p
}

func (p *urlPacer) wait() {
	p.mu.Lock()
	now := time.Now()
	if p.nextAt.After(now) {
		wait := p.nextAt.Sub(now)
		p.nextAt = p.nextAt.Add(p.interval)
		p.mu.Unlock()
		time.Sleep(wait)
		return
	}
	p.nextAt = now.Add(p.interval)
	p.mu.Unlock()
}
