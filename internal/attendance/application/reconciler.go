package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	attendance "attendance-cloud/internal/attendance/domain"
	"attendance-cloud/internal/audit"
	"attendance-cloud/internal/ingest/dedup"
	masterdata "attendance-cloud/internal/masterdata/domain"
	"attendance-cloud/internal/notify"
	"attendance-cloud/internal/observability/metrics"
	"attendance-cloud/internal/workhours"
)

const (
	actorSystem = "system"

	actionCreate = "attendance.create"
	actionUpdate = "attendance.update"

	conflictCheckInOverwrite = "check-in-overwrite"
	conflictImpossibleOut    = "check-out-before-check-in"
)

// Reconciler converts distinct raw punches into daily attendance records.
// It is the only writer of attendance records; both ingestion paths (poll
// and push) run through it.
type Reconciler struct {
	records  attendance.Repository
	mappings masterdata.UserMappingRepository
	index    dedup.Index
	hours    workhours.Config
	auditLog audit.Logger
	notifier notify.Notifier
	logger   *log.Logger
	loc      *time.Location
	cutoff   time.Duration
	locks    stripedMutex
}

// Option configures the reconciler.
type Option func(*Reconciler)

// WithAuditLogger sets the audit logger.
func WithAuditLogger(logger audit.Logger) Option {
	return func(r *Reconciler) { r.auditLog = logger }
}

// WithNotifier sets the downstream notifier.
func WithNotifier(notifier notify.Notifier) Option {
	return func(r *Reconciler) { r.notifier = notifier }
}

// WithLocation sets the canonical timezone for civil-day grouping.
func WithLocation(loc *time.Location) Option {
	return func(r *Reconciler) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithMiddayCutoff sets the time-of-day before which a lone punch counts as
// a check-in. Inherited heuristic; see classifySingle.
func WithMiddayCutoff(cutoff time.Duration) Option {
	return func(r *Reconciler) {
		if cutoff > 0 {
			r.cutoff = cutoff
		}
	}
}

// NewReconciler constructs a reconciler.
func NewReconciler(
	records attendance.Repository,
	mappings masterdata.UserMappingRepository,
	index dedup.Index,
	hours workhours.Config,
	logger *log.Logger,
	opts ...Option,
) (*Reconciler, error) {
	if records == nil {
		return nil, errors.New("reconciler: nil record repository")
	}
	if mappings == nil {
		return nil, errors.New("reconciler: nil mapping repository")
	}
	if index == nil {
		return nil, errors.New("reconciler: nil dedup index")
	}
	if logger == nil {
		logger = log.Default()
	}
	r := &Reconciler{
		records:  records,
		mappings: mappings,
		index:    index,
		hours:    hours,
		logger:   logger,
		loc:      time.UTC,
		cutoff:   12 * time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Summary reports what one reconciliation pass did.
type Summary struct {
	Received   int
	Duplicates int
	Unmapped   int
	Applied    int
	Conflicts  int
	Failed     int
}

type acceptedPunch struct {
	punch    attendance.RawPunch
	key      string
	userID   string
	officeID string
	day      time.Time
}

type groupKey struct {
	userID string
	day    int64
}

// Process runs one batch of raw punches through dedup, identity resolution
// and reconciliation. Source names the ingestion path for metrics.
func (r *Reconciler) Process(ctx context.Context, source string, punches []attendance.RawPunch) (Summary, error) {
	summary := Summary{Received: len(punches)}
	if len(punches) == 0 {
		return summary, nil
	}
	metrics.AddPunches(source, len(punches))

	groups := make(map[groupKey][]acceptedPunch)
	var order []groupKey
	for _, punch := range punches {
		if err := punch.Validate(); err != nil {
			r.logger.Printf("reconcile: invalid punch dropped: %v", err)
			summary.Failed++
			continue
		}
		key := dedup.Key(punch.DeviceID, punch.DeviceUserID, punch.Timestamp, string(punch.StatusCode))
		seen, err := r.index.Seen(ctx, punch.DeviceID, key)
		if err != nil {
			return summary, fmt.Errorf("reconcile: dedup lookup: %w", err)
		}
		if seen {
			summary.Duplicates++
			metrics.IncDuplicatePrevented(source)
			continue
		}

		mapping, err := r.mappings.FindByDeviceUserID(ctx, punch.DeviceUserID)
		if err != nil {
			return summary, fmt.Errorf("reconcile: identity lookup: %w", err)
		}
		if mapping == nil {
			// Dropped, never guessed. The key is not recorded so the punch
			// becomes processable if a mapping is added later.
			summary.Unmapped++
			metrics.IncUnmappedIdentity(punch.DeviceID)
			r.logger.Printf("reconcile: unmapped device user id=%s device=%s", punch.DeviceUserID, punch.DeviceID)
			continue
		}

		day := punch.Day(r.loc)
		gk := groupKey{userID: mapping.UserID, day: day.Unix()}
		if _, ok := groups[gk]; !ok {
			order = append(order, gk)
		}
		groups[gk] = append(groups[gk], acceptedPunch{
			punch:    punch,
			key:      key,
			userID:   mapping.UserID,
			officeID: mapping.OfficeID,
			day:      day,
		})
	}

	for _, gk := range order {
		group := groups[gk]
		if err := r.reconcileGroup(ctx, group, &summary); err != nil {
			r.logger.Printf("reconcile: group user=%s failed: %v", group[0].userID, err)
			summary.Failed += len(group)
		}
	}
	return summary, nil
}

func (r *Reconciler) reconcileGroup(ctx context.Context, group []acceptedPunch, summary *Summary) error {
	sort.Slice(group, func(i, j int) bool {
		return group[i].punch.Timestamp.Before(group[j].punch.Timestamp)
	})

	userID := group[0].userID
	day := group[0].day

	var checkIn, checkOut *acceptedPunch
	switch len(group) {
	case 1:
		lone := &group[0]
		if r.classifySingle(lone.punch.Timestamp) == attendance.PunchStatusCheckIn {
			checkIn = lone
		} else {
			checkOut = lone
		}
	default:
		checkIn = &group[0]
		checkOut = &group[len(group)-1]
		if interior := len(group) - 2; interior > 0 {
			metrics.AddInteriorDiscarded(group[0].punch.DeviceID, interior)
		}
	}

	// Serialize in-process writers for one (user, day); a writer in the
	// other binary is caught by the repository's optimistic save and
	// handled by re-reading.
	unlock := r.locks.lock(fmt.Sprintf("%s|%d", userID, day.Unix()))
	defer unlock()

	var result applyResult
	var err error
	for attempt := 0; ; attempt++ {
		result, err = r.applyOnce(ctx, userID, group[0].officeID, day, checkIn, checkOut)
		if !errors.Is(err, attendance.ErrStaleRecord) || attempt >= maxStaleRetries {
			break
		}
		r.logger.Printf("reconcile: record changed concurrently, re-reading: user=%s day=%s", userID, day.Format("2006-01-02"))
	}
	if err != nil {
		// Keys stay unrecorded so the punches are redelivered next cycle;
		// duplication is preferred over silent loss.
		return err
	}

	summary.Conflicts += result.conflicts
	if result.applied {
		summary.Applied++
		action := actionUpdate
		if result.created {
			action = actionCreate
		}
		metrics.IncRecordMutation(action)
		r.writeAudit(ctx, action, result.before, result.after)
		r.sendNotification(ctx, action, result.after)
	}

	for _, accepted := range group {
		if err := r.index.Record(ctx, accepted.punch.DeviceID, accepted.key, accepted.day); err != nil {
			r.logger.Printf("reconcile: dedup record failed: device=%s err=%v", accepted.punch.DeviceID, err)
		}
	}
	return nil
}

// maxStaleRetries bounds the re-read loop when the record keeps changing
// underneath a writer in the other binary.
const maxStaleRetries = 3

type applyResult struct {
	applied   bool
	created   bool
	conflicts int
	before    *attendance.Record
	after     *attendance.Record
}

// applyOnce reads the record fresh, applies the group's pair against it
// and saves. A concurrent write surfaces as ErrStaleRecord from Save; the
// caller re-runs the whole application so first-writer-wins is judged on
// the row that actually won.
func (r *Reconciler) applyOnce(ctx context.Context, userID, officeID string, day time.Time, checkIn, checkOut *acceptedPunch) (applyResult, error) {
	record, created, err := r.records.GetOrCreate(ctx, userID, day)
	if err != nil {
		return applyResult{}, fmt.Errorf("get or create record: %w", err)
	}
	result := applyResult{created: created, before: record.Clone()}

	if checkIn != nil {
		switch err := record.SetCheckIn(checkIn.punch.Timestamp, checkIn.punch.DeviceID); {
		case err == nil:
			result.applied = true
		case errors.Is(err, attendance.ErrCheckInAlreadySet):
			result.conflicts++
			metrics.IncReconcileConflict(conflictCheckInOverwrite)
			r.logger.Printf("reconcile: check-in kept, punch rejected: user=%s day=%s device=%s", userID, day.Format("2006-01-02"), checkIn.punch.DeviceID)
		default:
			result.conflicts++
			metrics.IncReconcileConflict(conflictImpossibleOut)
			r.logger.Printf("reconcile: check-in rejected: user=%s day=%s err=%v", userID, day.Format("2006-01-02"), err)
		}
	}
	if checkOut != nil {
		switch err := record.SetCheckOut(checkOut.punch.Timestamp, checkOut.punch.DeviceID); {
		case err == nil:
			result.applied = true
		case errors.Is(err, attendance.ErrCheckOutNotLater):
			// A re-delivered or earlier check-out adds nothing; not a conflict.
		default:
			result.conflicts++
			metrics.IncReconcileConflict(conflictImpossibleOut)
			r.logger.Printf("reconcile: check-out rejected: user=%s day=%s err=%v", userID, day.Format("2006-01-02"), err)
		}
	}

	if !result.applied {
		return result, nil
	}

	policy := r.hours.PolicyForOffice(officeID)
	record.Status = policy.DeriveStatus(record, r.loc)
	if err := r.saveWithRetry(ctx, record); err != nil {
		if !errors.Is(err, attendance.ErrStaleRecord) {
			metrics.IncPersistenceFailure()
		}
		return applyResult{}, fmt.Errorf("save record: %w", err)
	}
	result.after = record
	return result, nil
}

// classifySingle decides a lone punch's direction by time of day. This is a
// heuristic carried over from the legacy pipeline; a late-morning check-in
// after the cutoff will be misread as a check-out.
func (r *Reconciler) classifySingle(ts time.Time) attendance.PunchStatus {
	local := ts.In(r.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, r.loc)
	if local.Sub(midnight) < r.cutoff {
		return attendance.PunchStatusCheckIn
	}
	return attendance.PunchStatusCheckOut
}

func (r *Reconciler) saveWithRetry(ctx context.Context, record *attendance.Record) error {
	err := r.records.Save(ctx, record)
	if err == nil || errors.Is(err, attendance.ErrStaleRecord) {
		// Stale means the row moved, not that the write flaked; resending
		// the same record would just lose again.
		return err
	}
	r.logger.Printf("reconcile: save failed, retrying once: user=%s err=%v", record.UserID, err)
	return r.records.Save(ctx, record)
}

func (r *Reconciler) writeAudit(ctx context.Context, action string, before, after *attendance.Record) {
	if r.auditLog == nil {
		return
	}
	beforeRaw, _ := json.Marshal(before)
	afterRaw, _ := json.Marshal(after)
	entry := audit.Entry{
		Actor:        actorSystem,
		Action:       action,
		ResourceType: "attendance_record",
		ResourceID:   fmt.Sprintf("%s:%s", after.UserID, after.Day.Format("2006-01-02")),
		DeviceID:     after.SourceDeviceID,
		Before:       beforeRaw,
		After:        afterRaw,
	}
	if after.SourceDeviceID != "" {
		entry.Actor = after.SourceDeviceID
	}
	if err := r.auditLog.Log(ctx, entry); err != nil {
		r.logger.Printf("reconcile: audit write failed: %v", err)
	}
}

func (r *Reconciler) sendNotification(ctx context.Context, action string, record *attendance.Record) {
	if r.notifier == nil {
		return
	}
	event := notify.Event{
		Kind:       notify.KindAttendance,
		UserID:     record.UserID,
		Day:        record.Day.Format("2006-01-02"),
		DeviceID:   record.SourceDeviceID,
		Action:     action,
		TotalHours: record.TotalHours,
		Status:     string(record.Status),
	}
	if record.CheckIn != nil {
		event.CheckIn = record.CheckIn.Format(time.RFC3339)
	}
	if record.CheckOut != nil {
		event.CheckOut = record.CheckOut.Format(time.RFC3339)
	}
	if err := r.notifier.Notify(ctx, event); err != nil {
		r.logger.Printf("reconcile: notify failed: %v", err)
	}
}
