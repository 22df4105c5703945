// Package http is the push-receiver surface: devices that push punches
// out-of-band land here and are funneled through the same reconciler used
// by the pollers.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"attendance-cloud/internal/attendance/application"
	attendance "attendance-cloud/internal/attendance/domain"
	"attendance-cloud/internal/ingest/pushqueue"
	masterdata "attendance-cloud/internal/masterdata/domain"
	"attendance-cloud/internal/observability/metrics"
)

const (
	sourcePush = "push"

	naiveTimeLayout = "2006-01-02 15:04:05"

	defaultDrainBatch = 64
	defaultDrainEvery = 5 * time.Second
)

// PushHandler accepts device-initiated punch pushes. A batch is stored in
// the durable queue before the 202 ack goes out, so a crash between ack
// and reconciliation replays the batch on the next start instead of
// losing it. Reconciliation runs on a drain goroutine so flaky device
// firmware never times out waiting on a write.
type PushHandler struct {
	devices    masterdata.DeviceRepository
	reconciler *application.Reconciler
	store      pushqueue.Store
	logger     *log.Logger
	loc        *time.Location
	drainLimit int
	drainEvery time.Duration

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.Mutex
	closed bool
}

// PushOption configures the handler.
type PushOption func(*PushHandler)

// WithDrainBatchSize overrides how many batches one drain pass reads.
func WithDrainBatchSize(size int) PushOption {
	return func(h *PushHandler) {
		if size > 0 {
			h.drainLimit = size
		}
	}
}

// WithPushLocation sets the location used to read naive device timestamps.
func WithPushLocation(loc *time.Location) PushOption {
	return func(h *PushHandler) {
		if loc != nil {
			h.loc = loc
		}
	}
}

// NewPushHandler constructs the handler and starts its drain goroutine.
// Batches left in the store by a previous run are drained immediately.
func NewPushHandler(devices masterdata.DeviceRepository, reconciler *application.Reconciler, store pushqueue.Store, logger *log.Logger, opts ...PushOption) (*PushHandler, error) {
	if devices == nil {
		return nil, errors.New("push handler: nil device repository")
	}
	if reconciler == nil {
		return nil, errors.New("push handler: nil reconciler")
	}
	if store == nil {
		return nil, errors.New("push handler: nil queue store")
	}
	if logger == nil {
		logger = log.Default()
	}
	h := &PushHandler{
		devices:    devices,
		reconciler: reconciler,
		store:      store,
		logger:     logger,
		loc:        time.UTC,
		drainLimit: defaultDrainBatch,
		drainEvery: defaultDrainEvery,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.wg.Add(1)
	go h.drain()
	return h, nil
}

// Close stops accepting new batches, drains what is stored and waits for
// the drain goroutine to finish.
func (h *PushHandler) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		close(h.done)
	})
	h.wg.Wait()
}

func (h *PushHandler) drain() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.drainEvery)
	defer ticker.Stop()

	// Replay whatever a previous run left behind.
	h.drainPending()
	for {
		select {
		case <-h.done:
			h.drainPending()
			return
		case <-h.wake:
			h.drainPending()
		case <-ticker.C:
			h.drainPending()
		}
	}
}

func (h *PushHandler) drainPending() {
	ctx := context.Background()
	for {
		batches, err := h.store.Pending(ctx, h.drainLimit)
		if err != nil {
			h.logger.Printf("push: pending read failed: %v", err)
			return
		}
		if len(batches) == 0 {
			return
		}
		for _, batch := range batches {
			summary, err := h.reconciler.Process(ctx, sourcePush, batch.Punches)
			if err != nil {
				// Left pending; the next pass retries and dedup absorbs
				// whatever already landed.
				h.logger.Printf("push: reconcile failed: ack=%s err=%v", batch.ID, err)
				return
			}
			h.logger.Printf("push: reconciled ack=%s received=%d applied=%d duplicates=%d unmapped=%d",
				batch.ID, summary.Received, summary.Applied, summary.Duplicates, summary.Unmapped)
			if err := h.store.Complete(ctx, batch.ID); err != nil {
				h.logger.Printf("push: complete failed: ack=%s err=%v", batch.ID, err)
				return
			}
		}
	}
}

// ServeHTTP accepts a pushed punch batch.
func (h *PushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		metrics.IncPushRequest(metrics.ResultError)
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req pushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		metrics.IncPushRequest(metrics.ResultError)
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.DeviceID == "" {
		metrics.IncPushRequest(metrics.ResultError)
		http.Error(w, "missing deviceId", http.StatusBadRequest)
		return
	}

	device, err := h.devices.Get(r.Context(), req.DeviceID)
	if err != nil {
		h.logger.Printf("push: device lookup error: %v", err)
		metrics.IncPushRequest(metrics.ResultError)
		http.Error(w, "device lookup error", http.StatusInternalServerError)
		return
	}
	if device == nil {
		metrics.IncPushRequest(metrics.ResultError)
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}

	punches, err := req.toPunches(device.ID, h.loc)
	if err != nil {
		metrics.IncPushRequest(metrics.ResultError)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		metrics.IncPushRequest(metrics.ResultError)
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	batch := pushqueue.Batch{
		ID:         uuid.NewString(),
		DeviceID:   device.ID,
		Punches:    punches,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := h.store.Enqueue(r.Context(), batch); err != nil {
		metrics.IncPushRequest(metrics.ResultError)
		if errors.Is(err, pushqueue.ErrQueueFull) {
			metrics.IncPushQueueFull()
			http.Error(w, "queue full", http.StatusServiceUnavailable)
			return
		}
		h.logger.Printf("push: enqueue failed: device=%s err=%v", device.ID, err)
		http.Error(w, "enqueue error", http.StatusInternalServerError)
		return
	}
	select {
	case h.wake <- struct{}{}:
	default:
	}

	metrics.IncPushRequest(metrics.ResultSuccess)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ack":    batch.ID,
		"queued": len(punches),
	})
}

// HealthCheckHandler answers the device liveness probe.
func HealthCheckHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

type pushRequest struct {
	DeviceID string        `json:"deviceId"`
	Punches  []pushedPunch `json:"punches"`
}

type pushedPunch struct {
	UserID    string `json:"userId"`
	Timestamp string `json:"timestamp"`
	Status    int    `json:"status"`
}

func (r pushRequest) toPunches(deviceID string, loc *time.Location) ([]attendance.RawPunch, error) {
	if len(r.Punches) == 0 {
		return nil, errors.New("no punches")
	}
	punches := make([]attendance.RawPunch, 0, len(r.Punches))
	for _, pushed := range r.Punches {
		if pushed.UserID == "" {
			return nil, errors.New("punch with empty userId")
		}
		ts, err := parsePushedTime(pushed.Timestamp, loc)
		if err != nil {
			return nil, err
		}
		punches = append(punches, attendance.RawPunch{
			DeviceID:     deviceID,
			DeviceUserID: pushed.UserID,
			Timestamp:    ts,
			StatusCode:   decodeStatus(pushed.Status),
		})
	}
	return punches, nil
}

// parsePushedTime reads either RFC3339 or a naive device-local timestamp.
func parsePushedTime(value string, loc *time.Location) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("punch with empty timestamp")
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.ParseInLocation(naiveTimeLayout, value, loc)
	if err != nil {
		return time.Time{}, errors.New("invalid punch timestamp " + value)
	}
	return ts.UTC(), nil
}

func decodeStatus(status int) attendance.PunchStatus {
	switch status {
	case 0:
		return attendance.PunchStatusCheckIn
	case 1:
		return attendance.PunchStatusCheckOut
	default:
		return attendance.PunchStatusUnknown
	}
}
