package poller

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"attendance-cloud/internal/attendance/application"
	attendance "attendance-cloud/internal/attendance/domain"
	attendancemem "attendance-cloud/internal/attendance/infrastructure/memory"
	"attendance-cloud/internal/ingest/dedup"
	masterdata "attendance-cloud/internal/masterdata/domain"
	masterdatamem "attendance-cloud/internal/masterdata/infrastructure/memory"
	"attendance-cloud/internal/terminal"
	"attendance-cloud/internal/workhours"
)

func workhoursConfig() workhours.Config {
	return workhours.Config{
		Defaults: workhours.Policy{StartTime: "09:00", LateAfter: 15 * time.Minute, HalfDayBelow: 4},
	}
}

type fakeConn struct {
	adapter *fakeAdapter
	punches []attendance.RawPunch
	err     error
}

func (c *fakeConn) FetchPunchesSince(ctx context.Context, watermark time.Time) ([]attendance.RawPunch, error) {
	if c.adapter.block != nil {
		<-c.adapter.block
	}
	if c.err != nil {
		return nil, c.err
	}
	var out []attendance.RawPunch
	for _, punch := range c.punches {
		if !watermark.IsZero() && !punch.Timestamp.After(watermark) {
			continue
		}
		out = append(out, punch)
	}
	return out, nil
}

func (c *fakeConn) Close() error { return nil }

type fakeAdapter struct {
	mu         sync.Mutex
	connects   int
	connectErr error
	fetchErr   error
	punches    []attendance.RawPunch
	block      chan struct{}
	started    chan struct{}
}

func (a *fakeAdapter) Connect(ctx context.Context, device masterdata.Device) (terminal.Conn, error) {
	a.mu.Lock()
	a.connects++
	connectErr := a.connectErr
	fetchErr := a.fetchErr
	punches := a.punches
	a.mu.Unlock()
	if a.started != nil {
		select {
		case a.started <- struct{}{}:
		default:
		}
	}
	if connectErr != nil {
		return nil, connectErr
	}
	return &fakeConn{adapter: a, punches: punches, err: fetchErr}, nil
}

func (a *fakeAdapter) connectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

type schedulerFixture struct {
	devices   *masterdatamem.DeviceRepository
	records   *attendancemem.AttendanceRepository
	adapter   *fakeAdapter
	scheduler *Scheduler
}

func testConfig() Config {
	return Config{
		TickInterval:        5 * time.Millisecond,
		DefaultPollInterval: time.Minute,
		ConnectTimeout:      time.Second,
		PollTimeout:         5 * time.Second,
		BackoffFactor:       2,
		BackoffCeiling:      8 * time.Minute,
		MaxConcurrency:      4,
		DegradeAfter:        3,
		RetentionDays:       2,
		Timezone:            "UTC",
		MiddayCutoff:        "12:00",
	}
}

func newSchedulerFixture(t *testing.T, adapter *fakeAdapter) *schedulerFixture {
	t.Helper()
	ctx := context.Background()
	logger := log.New(os.Stderr, "test ", log.LstdFlags)

	devices := masterdatamem.NewDeviceRepository()
	if err := devices.Save(ctx, &masterdata.Device{
		ID:           "dev-1",
		Name:         "gate",
		Host:         "10.0.0.10",
		Port:         4370,
		Family:       masterdata.FamilyZKT,
		Active:       true,
		PollInterval: time.Minute,
		Health:       masterdata.HealthOffline,
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

	index := dedup.NewMemoryIndex()
	records := attendancemem.NewAttendanceRepository()
	reconciler, err := application.NewReconciler(records, mappings, index, workhoursConfig(), logger)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}

	adapters := terminal.NewRegistry()
	adapters.Register(masterdata.FamilyZKT, adapter)

	return &schedulerFixture{
		devices:   devices,
		records:   records,
		adapter:   adapter,
		scheduler: NewScheduler(devices, adapters, reconciler, index, testConfig(), logger),
	}
}

func (f *schedulerFixture) tickAndDrain(now time.Time) {
	f.scheduler.tick(context.Background(), now)
	f.scheduler.wg.Wait()
}

func (f *schedulerFixture) deviceHealth(t *testing.T) masterdata.HealthState {
	t.Helper()
	device, err := f.devices.Get(context.Background(), "dev-1")
	if err != nil || device == nil {
		t.Fatalf("get device: %v", err)
	}
	return device.Health
}

func TestScheduler_SuccessfulPollAdvancesSync(t *testing.T) {
	adapter := &fakeAdapter{punches: []attendance.RawPunch{{
		DeviceID:     "dev-1",
		DeviceUserID: "42",
		Timestamp:    time.Date(2026, time.March, 2, 9, 5, 0, 0, time.UTC),
		StatusCode:   attendance.PunchStatusCheckIn,
	}}}
	f := newSchedulerFixture(t, adapter)

	now := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	f.tickAndDrain(now)

	if got := adapter.connectCount(); got != 1 {
		t.Fatalf("connects = %d", got)
	}
	if got := f.deviceHealth(t); got != masterdata.HealthOnline {
		t.Fatalf("health = %s", got)
	}
	device, _ := f.devices.Get(context.Background(), "dev-1")
	if device.LastSyncAt == nil || !device.LastSyncAt.Equal(now) {
		t.Fatalf("last sync = %v", device.LastSyncAt)
	}

	// Within the interval nothing new is due.
	f.tickAndDrain(now.Add(30 * time.Second))
	if got := adapter.connectCount(); got != 1 {
		t.Fatalf("connects after early tick = %d", got)
	}
	f.tickAndDrain(now.Add(2 * time.Minute))
	if got := adapter.connectCount(); got != 2 {
		t.Fatalf("connects after due tick = %d", got)
	}
}

func TestScheduler_LaggingDeviceClockPunchSurvivesEmptyPoll(t *testing.T) {
	adapter := &fakeAdapter{}
	f := newSchedulerFixture(t, adapter)

	// First poll finds an empty buffer.
	base := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	f.tickAndDrain(base)
	if got := adapter.connectCount(); got != 1 {
		t.Fatalf("connects = %d", got)
	}

	// The device clock runs behind the server and stamps the next punch
	// before the first poll's wall time. The watermark must not have
	// crossed it.
	lagged := base.Add(-2 * time.Minute)
	adapter.mu.Lock()
	adapter.punches = []attendance.RawPunch{{
		DeviceID:     "dev-1",
		DeviceUserID: "42",
		Timestamp:    lagged,
		StatusCode:   attendance.PunchStatusCheckIn,
	}}
	adapter.mu.Unlock()

	f.tickAndDrain(base.Add(2 * time.Minute))
	if got := adapter.connectCount(); got != 2 {
		t.Fatalf("connects = %d", got)
	}

	day := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)
	record := f.records.Get("user-1", day)
	if record == nil || record.CheckIn == nil {
		t.Fatalf("lagged punch lost: record = %+v", record)
	}
	if !record.CheckIn.Equal(lagged) {
		t.Fatalf("check-in = %v, want %v", record.CheckIn, lagged)
	}
}

func TestScheduler_RegistrySyncTimeDoesNotGateFetch(t *testing.T) {
	punchAt := time.Date(2026, time.March, 2, 9, 58, 0, 0, time.UTC)
	adapter := &fakeAdapter{punches: []attendance.RawPunch{{
		DeviceID:     "dev-1",
		DeviceUserID: "42",
		Timestamp:    punchAt,
		StatusCode:   attendance.PunchStatusCheckIn,
	}}}
	f := newSchedulerFixture(t, adapter)

	// The registry carries a sync time ahead of the punch; only the poll
	// cadence may use it, never the fetch window.
	ctx := context.Background()
	lastSync := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	device, _ := f.devices.Get(ctx, "dev-1")
	device.LastSyncAt = &lastSync
	if err := f.devices.Save(ctx, device); err != nil {
		t.Fatalf("save device: %v", err)
	}

	f.tickAndDrain(lastSync.Add(2 * time.Minute))
	if got := adapter.connectCount(); got != 1 {
		t.Fatalf("connects = %d", got)
	}

	day := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)
	record := f.records.Get("user-1", day)
	if record == nil || record.CheckIn == nil || !record.CheckIn.Equal(punchAt) {
		t.Fatalf("punch behind registry sync time lost: record = %+v", record)
	}
}

func TestScheduler_ConsecutiveTransientFailuresDegrade(t *testing.T) {
	adapter := &fakeAdapter{connectErr: terminal.Transient(errors.New("connect timeout"))}
	f := newSchedulerFixture(t, adapter)

	base := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

	f.tickAndDrain(base)
	if got := f.deviceHealth(t); got != masterdata.HealthOffline {
		t.Fatalf("health after attempt 1 = %s", got)
	}
	f.tickAndDrain(base.Add(2 * time.Minute))
	if got := f.deviceHealth(t); got != masterdata.HealthOffline {
		t.Fatalf("health after attempt 2 = %s", got)
	}
	f.tickAndDrain(base.Add(4 * time.Minute))
	if got := f.deviceHealth(t); got != masterdata.HealthError {
		t.Fatalf("health after attempt 3 = %s", got)
	}

	f.scheduler.mu.Lock()
	backoff := f.scheduler.states["dev-1"].backoff
	f.scheduler.mu.Unlock()
	if backoff != 2 {
		t.Fatalf("backoff = %v, want 2", backoff)
	}
}

func TestScheduler_TerminalFailureBacksOffImmediately(t *testing.T) {
	adapter := &fakeAdapter{connectErr: terminal.Terminal(errors.New("handshake rejected"))}
	f := newSchedulerFixture(t, adapter)

	f.tickAndDrain(time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC))

	if got := f.deviceHealth(t); got != masterdata.HealthError {
		t.Fatalf("health = %s", got)
	}
	f.scheduler.mu.Lock()
	backoff := f.scheduler.states["dev-1"].backoff
	f.scheduler.mu.Unlock()
	if backoff != 2 {
		t.Fatalf("backoff = %v, want 2", backoff)
	}
}

func TestScheduler_SuccessResetsBackoff(t *testing.T) {
	adapter := &fakeAdapter{connectErr: terminal.Terminal(errors.New("handshake rejected"))}
	f := newSchedulerFixture(t, adapter)

	base := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	f.tickAndDrain(base)

	adapter.mu.Lock()
	adapter.connectErr = nil
	adapter.mu.Unlock()
	f.tickAndDrain(base.Add(10 * time.Minute))

	if got := f.deviceHealth(t); got != masterdata.HealthOnline {
		t.Fatalf("health = %s", got)
	}
	f.scheduler.mu.Lock()
	state := f.scheduler.states["dev-1"]
	backoff, attempts := state.backoff, state.attempts
	f.scheduler.mu.Unlock()
	if backoff != 1 || attempts != 0 {
		t.Fatalf("backoff = %v attempts = %d", backoff, attempts)
	}
}

func TestScheduler_BackoffDefersNextPoll(t *testing.T) {
	adapter := &fakeAdapter{connectErr: terminal.Terminal(errors.New("handshake rejected"))}
	f := newSchedulerFixture(t, adapter)

	base := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	f.tickAndDrain(base)
	if got := adapter.connectCount(); got != 1 {
		t.Fatalf("connects = %d", got)
	}

	// Failure did not advance lastSync, so the retry window is gated only
	// by the doubled effective interval from the seeded sync point.
	f.scheduler.mu.Lock()
	f.scheduler.states["dev-1"].lastSync = base
	f.scheduler.mu.Unlock()

	f.tickAndDrain(base.Add(90 * time.Second))
	if got := adapter.connectCount(); got != 1 {
		t.Fatalf("poll ran inside backoff window: connects = %d", got)
	}
	f.tickAndDrain(base.Add(3 * time.Minute))
	if got := adapter.connectCount(); got != 2 {
		t.Fatalf("poll did not run after backoff window: connects = %d", got)
	}
}

func TestScheduler_SingleInflightPollPerDevice(t *testing.T) {
	adapter := &fakeAdapter{
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	f := newSchedulerFixture(t, adapter)

	now := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	f.scheduler.tick(context.Background(), now)

	select {
	case <-adapter.started:
	case <-time.After(2 * time.Second):
		t.Fatal("poll never started")
	}

	// A second tick while the first poll hangs must not stack another.
	f.scheduler.tick(context.Background(), now.Add(5*time.Minute))
	if got := adapter.connectCount(); got != 1 {
		t.Fatalf("connects = %d, want 1", got)
	}

	close(adapter.block)
	f.scheduler.wg.Wait()
}

func TestScheduler_StartDrainsInflightPollOnStop(t *testing.T) {
	adapter := &fakeAdapter{
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	f := newSchedulerFixture(t, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.scheduler.Start(ctx)
		close(done)
	}()

	select {
	case <-adapter.started:
	case <-time.After(2 * time.Second):
		t.Fatal("poll never started")
	}

	cancel()
	select {
	case <-done:
		t.Fatal("Start returned while a poll was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(adapter.block)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after the poll drained")
	}
}

type failingDevices struct {
	masterdata.DeviceRepository
}

func (failingDevices) ListActive(ctx context.Context) ([]masterdata.Device, error) {
	return nil, errors.New("registry unreachable")
}

func TestScheduler_RegistryErrorSkipsCycle(t *testing.T) {
	adapter := &fakeAdapter{}
	f := newSchedulerFixture(t, adapter)
	f.scheduler.devices = failingDevices{DeviceRepository: f.devices}

	f.tickAndDrain(time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC))
	if got := adapter.connectCount(); got != 0 {
		t.Fatalf("connects = %d, want 0", got)
	}
}
