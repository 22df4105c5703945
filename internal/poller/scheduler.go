// Package poller owns the device polling loop: one configurable engine for
// every protocol family instead of a poller per vendor.
package poller

import (
	"context"
	"log"
	"sync"
	"time"

	"attendance-cloud/internal/attendance/application"
	attendance "attendance-cloud/internal/attendance/domain"
	"attendance-cloud/internal/ingest/dedup"
	masterdata "attendance-cloud/internal/masterdata/domain"
	"attendance-cloud/internal/notify"
	"attendance-cloud/internal/observability/metrics"
	"attendance-cloud/internal/terminal"
)

const (
	sourcePoll = "poll"

	pollStatusSuccess   = "success"
	pollStatusTransient = "transient"
	pollStatusTerminal  = "terminal"
)

// deviceState is the scheduler's per-device view. busy guarantees at most
// one in-flight poll per device.
type deviceState struct {
	busy       bool
	attempts   int
	backoff    float64
	lastSync   time.Time
	watermark  time.Time
	seededSync bool
}

// Scheduler polls every active device on its own interval with a bounded
// worker pool.
type Scheduler struct {
	devices    masterdata.DeviceRepository
	adapters   *terminal.Registry
	reconciler *application.Reconciler
	index      dedup.Index
	cfg        Config
	notifier   notify.Notifier
	logger     *log.Logger

	mu     sync.Mutex
	states map[string]*deviceState

	sem chan struct{}
	wg  sync.WaitGroup

	lastEviction time.Time
}

// SchedulerOption configures the scheduler.
type SchedulerOption func(*Scheduler)

// WithNotifier sets the device health notifier.
func WithNotifier(notifier notify.Notifier) SchedulerOption {
	return func(s *Scheduler) { s.notifier = notifier }
}

// NewScheduler constructs a scheduler.
func NewScheduler(
	devices masterdata.DeviceRepository,
	adapters *terminal.Registry,
	reconciler *application.Reconciler,
	index dedup.Index,
	cfg Config,
	logger *log.Logger,
	opts ...SchedulerOption,
) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	s := &Scheduler{
		devices:    devices,
		adapters:   adapters,
		reconciler: reconciler,
		index:      index,
		cfg:        cfg,
		logger:     logger,
		states:     make(map[string]*deviceState),
		sem:        make(chan struct{}, cfg.MaxConcurrency),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the scheduling loop until ctx is cancelled. Cancellation stops
// new polls immediately and drains in-flight ones before returning.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.devices == nil || s.adapters == nil || s.reconciler == nil {
		return
	}
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case now := <-ticker.C:
			s.tick(ctx, now.UTC())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	devices, err := s.devices.ListActive(ctx)
	if err != nil {
		// Registry unreachable means no devices this cycle, never a crash.
		s.logger.Printf("poller: list devices failed, skipping cycle: %v", err)
		return
	}

	for _, device := range devices {
		state := s.ensureState(device)
		if !s.shouldPoll(state, device, now) {
			continue
		}
		s.markBusy(device.ID)
		s.wg.Add(1)
		go s.poll(device, now)
	}

	s.maybeEvict(ctx, now)
}

func (s *Scheduler) ensureState(device masterdata.Device) *deviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.states[device.ID]
	if state == nil {
		state = &deviceState{backoff: 1}
		s.states[device.ID] = state
	}
	// Only the poll cadence is seeded from the registry. The fetch
	// watermark stays zero so the first fetch reads the full buffer:
	// device clocks drift against the server clock, and a punch stamped
	// behind a server-derived watermark would be filtered out before the
	// dedup index ever saw it. Dedup absorbs the replays instead.
	if !state.seededSync && device.LastSyncAt != nil {
		state.lastSync = device.LastSyncAt.UTC()
		state.seededSync = true
	}
	return state
}

func (s *Scheduler) shouldPoll(state *deviceState, device masterdata.Device, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.busy {
		return false
	}
	interval := device.PollInterval
	if interval <= 0 {
		interval = s.cfg.DefaultPollInterval
	}
	effective := time.Duration(float64(interval) * state.backoff)
	if s.cfg.BackoffCeiling > 0 && effective > s.cfg.BackoffCeiling {
		effective = s.cfg.BackoffCeiling
	}
	return now.Sub(state.lastSync) >= effective
}

func (s *Scheduler) markBusy(deviceID string) {
	s.mu.Lock()
	s.states[deviceID].busy = true
	s.mu.Unlock()
}

// poll runs one device poll. The poll body deliberately does not inherit
// the scheduler context: a stop signal must not abort an in-flight write.
func (s *Scheduler) poll(device masterdata.Device, now time.Time) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.states[device.ID].busy = false
		s.mu.Unlock()
	}()

	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	started := time.Now()
	status := s.pollOnce(device, now)
	metrics.ObservePoll(status, time.Since(started))
}

func (s *Scheduler) pollOnce(device masterdata.Device, now time.Time) string {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PollTimeout)
	defer cancel()

	adapter, err := s.adapters.ForFamily(device.Family)
	if err != nil {
		s.logger.Printf("poller: device=%s: %v", device.ID, err)
		s.onTerminalFailure(ctx, device, err)
		return pollStatusTerminal
	}

	watermark := s.currentWatermark(device.ID)
	conn, err := adapter.Connect(ctx, device)
	if err != nil {
		return s.onFetchError(ctx, device, err)
	}
	punches, err := conn.FetchPunchesSince(ctx, watermark)
	closeErr := conn.Close()
	if err != nil {
		return s.onFetchError(ctx, device, err)
	}
	if closeErr != nil {
		s.logger.Printf("poller: device=%s close: %v", device.ID, closeErr)
	}

	summary, err := s.reconciler.Process(ctx, sourcePoll, punches)
	if err != nil {
		// Infrastructure failure downstream of the device; the window is
		// retried next cycle and dedup absorbs the redelivery.
		s.logger.Printf("poller: device=%s reconcile failed: %v", device.ID, err)
		s.onTransientFailure(ctx, device, err)
		return pollStatusTransient
	}

	s.onSuccess(ctx, device, now, punches, summary)
	return pollStatusSuccess
}

func (s *Scheduler) currentWatermark(deviceID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[deviceID].watermark
}

func (s *Scheduler) onSuccess(ctx context.Context, device masterdata.Device, now time.Time, punches []attendance.RawPunch, summary application.Summary) {
	s.mu.Lock()
	state := s.states[device.ID]
	// The watermark follows the newest device-stamped punch and holds on
	// an empty fetch. It is never advanced to the server clock: a lagging
	// device would stamp its next punch behind it and the adapter-side
	// filter would drop the punch before dedup saw it.
	watermark := state.watermark
	for _, punch := range punches {
		if punch.Timestamp.After(watermark) {
			watermark = punch.Timestamp
		}
	}
	state.lastSync = now
	state.watermark = watermark
	state.attempts = 0
	state.backoff = 1
	state.seededSync = true
	s.mu.Unlock()

	if err := s.devices.RecordSyncAttempt(ctx, device.ID, true, now); err != nil {
		s.logger.Printf("poller: device=%s record sync failed: %v", device.ID, err)
	}
	metrics.SetDeviceHealthy(device.ID, true)
	if summary.Received > 0 {
		s.logger.Printf("poller: device=%s received=%d applied=%d duplicates=%d unmapped=%d conflicts=%d",
			device.ID, summary.Received, summary.Applied, summary.Duplicates, summary.Unmapped, summary.Conflicts)
	}
}

func (s *Scheduler) onFetchError(ctx context.Context, device masterdata.Device, err error) string {
	if terminal.IsTerminal(err) {
		s.onTerminalFailure(ctx, device, err)
		return pollStatusTerminal
	}
	s.onTransientFailure(ctx, device, err)
	return pollStatusTransient
}

func (s *Scheduler) onTransientFailure(ctx context.Context, device masterdata.Device, err error) {
	s.logger.Printf("poller: device=%s transient failure: %v", device.ID, err)

	degraded := false
	s.mu.Lock()
	state := s.states[device.ID]
	state.attempts++
	if state.attempts >= s.cfg.DegradeAfter {
		state.backoff = s.bumpBackoffLocked(state, device)
		degraded = true
	}
	s.mu.Unlock()

	if err := s.devices.RecordSyncAttempt(ctx, device.ID, false, time.Now().UTC()); err != nil {
		s.logger.Printf("poller: device=%s record attempt failed: %v", device.ID, err)
	}
	if degraded {
		s.degrade(ctx, device)
	} else if err := s.devices.SetHealth(ctx, device.ID, masterdata.HealthOffline); err != nil {
		s.logger.Printf("poller: device=%s set health failed: %v", device.ID, err)
	}
	metrics.SetDeviceHealthy(device.ID, false)
}

func (s *Scheduler) onTerminalFailure(ctx context.Context, device masterdata.Device, err error) {
	s.logger.Printf("poller: device=%s terminal failure: %v", device.ID, err)

	s.mu.Lock()
	state := s.states[device.ID]
	state.attempts++
	state.backoff = s.bumpBackoffLocked(state, device)
	s.mu.Unlock()

	if err := s.devices.RecordSyncAttempt(ctx, device.ID, false, time.Now().UTC()); err != nil {
		s.logger.Printf("poller: device=%s record attempt failed: %v", device.ID, err)
	}
	s.degrade(ctx, device)
	metrics.SetDeviceHealthy(device.ID, false)
}

// bumpBackoffLocked multiplies the effective interval up to the ceiling.
// Caller holds s.mu.
func (s *Scheduler) bumpBackoffLocked(state *deviceState, device masterdata.Device) float64 {
	next := state.backoff * s.cfg.BackoffFactor
	interval := device.PollInterval
	if interval <= 0 {
		interval = s.cfg.DefaultPollInterval
	}
	if s.cfg.BackoffCeiling > 0 {
		ceiling := float64(s.cfg.BackoffCeiling) / float64(interval)
		if ceiling >= 1 && next > ceiling {
			next = ceiling
		}
	}
	return next
}

func (s *Scheduler) degrade(ctx context.Context, device masterdata.Device) {
	if err := s.devices.SetHealth(ctx, device.ID, masterdata.HealthError); err != nil {
		s.logger.Printf("poller: device=%s set health failed: %v", device.ID, err)
	}
	if s.notifier != nil {
		event := notify.Event{
			Kind:     notify.KindDeviceHealth,
			DeviceID: device.ID,
			Health:   string(masterdata.HealthError),
		}
		if err := s.notifier.Notify(ctx, event); err != nil {
			s.logger.Printf("poller: device=%s health notify failed: %v", device.ID, err)
		}
	}
}

func (s *Scheduler) maybeEvict(ctx context.Context, now time.Time) {
	if s.index == nil || s.cfg.RetentionDays <= 0 {
		return
	}
	if !s.lastEviction.IsZero() && now.Sub(s.lastEviction) < 24*time.Hour {
		return
	}
	s.lastEviction = now
	cutoff := now.AddDate(0, 0, -s.cfg.RetentionDays)
	if err := s.index.EvictBefore(ctx, cutoff); err != nil {
		s.logger.Printf("poller: dedup eviction failed: %v", err)
	}
}
