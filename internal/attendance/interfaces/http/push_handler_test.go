package http

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"attendance-cloud/internal/attendance/application"
	attendance "attendance-cloud/internal/attendance/domain"
	attendancemem "attendance-cloud/internal/attendance/infrastructure/memory"
	"attendance-cloud/internal/ingest/dedup"
	"attendance-cloud/internal/ingest/pushqueue"
	masterdata "attendance-cloud/internal/masterdata/domain"
	masterdatamem "attendance-cloud/internal/masterdata/infrastructure/memory"
	"attendance-cloud/internal/workhours"
)

type pushComponents struct {
	devices    *masterdatamem.DeviceRepository
	records    *attendancemem.AttendanceRepository
	reconciler *application.Reconciler
	logger     *log.Logger
}

func newPushComponents(t *testing.T) *pushComponents {
	t.Helper()
	ctx := context.Background()
	logger := log.New(os.Stderr, "test ", log.LstdFlags)

	devices := masterdatamem.NewDeviceRepository()
	if err := devices.Save(ctx, &masterdata.Device{
		ID:           "dev-1",
		Name:         "gate",
		Host:         "10.0.0.10",
		Port:         4370,
		Family:       masterdata.FamilyESSL,
		Active:       true,
		PollInterval: time.Minute,
		Health:       masterdata.HealthOnline,
	}); err != nil {
		t.Fatalf("save device: %v", err)
	}

	mappings := masterdatamem.NewUserMappingRepository()
	if err := mappings.Save(ctx, &masterdata.UserMapping{
		DeviceUserID: "42",
		UserID:       "user-1",
		OfficeID:     "office-1",
	}); err != nil {
		t.Fatalf("save mapping: %v", err)
	}

	records := attendancemem.NewAttendanceRepository()
	hours := workhours.Config{
		Defaults: workhours.Policy{StartTime: "09:00", LateAfter: 15 * time.Minute, HalfDayBelow: 4},
	}
	reconciler, err := application.NewReconciler(records, mappings, dedup.NewMemoryIndex(), hours, logger)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return &pushComponents{devices: devices, records: records, reconciler: reconciler, logger: logger}
}

type pushFixture struct {
	records *attendancemem.AttendanceRepository
	queue   *pushqueue.MemoryStore
	handler *PushHandler
}

func newPushFixture(t *testing.T) *pushFixture {
	t.Helper()
	c := newPushComponents(t)
	queue := pushqueue.NewMemoryStore(8)
	handler, err := NewPushHandler(c.devices, c.reconciler, queue, c.logger)
	if err != nil {
		t.Fatalf("new push handler: %v", err)
	}
	t.Cleanup(handler.Close)
	return &pushFixture{records: c.records, queue: queue, handler: handler}
}

func postPush(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/device/push-attendance", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp
}

func TestPushHandler_AcceptsAndReconciles(t *testing.T) {
	f := newPushFixture(t)

	resp := postPush(t, f.handler, `{
		"deviceId": "dev-1",
		"punches": [
			{"userId": "42", "timestamp": "2026-03-02 09:05:00", "status": 0},
			{"userId": "42", "timestamp": "2026-03-02T18:10:00Z", "status": 1}
		]
	}`)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.Code, resp.Body.String())
	}

	var ack struct {
		Ack    string `json:"ack"`
		Queued int    `json:"queued"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Ack == "" || ack.Queued != 2 {
		t.Fatalf("ack = %+v", ack)
	}

	// Close drains the queue; the ack guarantees the punch gets processed.
	f.handler.Close()

	day := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)
	record := f.records.Get("user-1", day)
	if record == nil {
		t.Fatal("no record after drain")
	}
	if record.CheckIn == nil || record.CheckOut == nil {
		t.Fatalf("pair = %v / %v", record.CheckIn, record.CheckOut)
	}
	if record.TotalHours != 9.08 {
		t.Fatalf("total hours = %v", record.TotalHours)
	}
	if f.queue.Len() != 0 {
		t.Fatalf("queue not drained: %d pending", f.queue.Len())
	}
}

func TestPushHandler_ReplaysStoredBatchesOnStart(t *testing.T) {
	c := newPushComponents(t)
	ctx := context.Background()

	// A previous run crashed after acknowledging this batch.
	queue := pushqueue.NewMemoryStore(8)
	if err := queue.Enqueue(ctx, pushqueue.Batch{
		ID:       "leftover-1",
		DeviceID: "dev-1",
		Punches: []attendance.RawPunch{{
			DeviceID:     "dev-1",
			DeviceUserID: "42",
			Timestamp:    time.Date(2026, time.March, 2, 9, 5, 0, 0, time.UTC),
			StatusCode:   attendance.PunchStatusCheckIn,
		}},
		EnqueuedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	handler, err := NewPushHandler(c.devices, c.reconciler, queue, c.logger)
	if err != nil {
		t.Fatalf("new push handler: %v", err)
	}
	handler.Close()

	day := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)
	record := c.records.Get("user-1", day)
	if record == nil || record.CheckIn == nil {
		t.Fatal("acknowledged batch lost across restart")
	}
	if queue.Len() != 0 {
		t.Fatalf("queue not drained: %d pending", queue.Len())
	}
}

type fullQueue struct {
	pushqueue.Store
}

func (fullQueue) Enqueue(context.Context, pushqueue.Batch) error {
	return pushqueue.ErrQueueFull
}

func TestPushHandler_QueueFullReturns503(t *testing.T) {
	c := newPushComponents(t)
	handler, err := NewPushHandler(c.devices, c.reconciler, fullQueue{Store: pushqueue.NewMemoryStore(1)}, c.logger)
	if err != nil {
		t.Fatalf("new push handler: %v", err)
	}
	t.Cleanup(handler.Close)

	resp := postPush(t, handler, `{"deviceId":"dev-1","punches":[{"userId":"42","timestamp":"2026-03-02 09:05:00","status":0}]}`)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.Code)
	}
}

func TestPushHandler_RejectsAfterClose(t *testing.T) {
	f := newPushFixture(t)
	f.handler.Close()

	resp := postPush(t, f.handler, `{"deviceId":"dev-1","punches":[{"userId":"42","timestamp":"2026-03-02 09:05:00","status":0}]}`)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.Code)
	}
}

func TestPushHandler_RejectsMalformedPayloads(t *testing.T) {
	f := newPushFixture(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{"deviceId":`, http.StatusBadRequest},
		{"missing device id", `{"punches":[{"userId":"42","timestamp":"2026-03-02 09:05:00","status":0}]}`, http.StatusBadRequest},
		{"empty punches", `{"deviceId":"dev-1","punches":[]}`, http.StatusBadRequest},
		{"empty user id", `{"deviceId":"dev-1","punches":[{"userId":"","timestamp":"2026-03-02 09:05:00","status":0}]}`, http.StatusBadRequest},
		{"bad timestamp", `{"deviceId":"dev-1","punches":[{"userId":"42","timestamp":"yesterday","status":0}]}`, http.StatusBadRequest},
		{"unknown device", `{"deviceId":"dev-404","punches":[{"userId":"42","timestamp":"2026-03-02 09:05:00","status":0}]}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postPush(t, f.handler, tt.body)
			if resp.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", resp.Code, tt.want, resp.Body.String())
			}
		})
	}
}

func TestPushHandler_MethodNotAllowed(t *testing.T) {
	f := newPushFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/device/push-attendance", nil)
	resp := httptest.NewRecorder()
	f.handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", resp.Code)
	}
}

func TestHealthCheckHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/device/health-check", nil)
	resp := httptest.NewRecorder()
	HealthCheckHandler().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
}
