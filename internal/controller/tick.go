package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/printwatch/internal/store"
	"github.com/ChuLiYu/printwatch/pkg/types"
)

// Cancel reasons, also used as metric labels.
const (
	reasonUnauthorized = "unauthorized"
	reasonOverQuota    = "over_quota"
)

// tick holds the state of one reconciliation pass.
type tick struct {
	c   *Controller
	ctx context.Context
	log *slog.Logger
	now time.Time

	pending  []types.Authorization          // every unmatched authorization, newest first
	active   map[string]types.Authorization // newest authorization per device younger than T
	consumed map[types.RowID]bool           // rows matched or expired during this tick
}

func (t *tick) run() error {
	t.c.drainTelemetry(t.ctx)
	t.refreshDevices()
	t.ingest()

	steps := []struct {
		name string
		fn   func() error
	}{
		{"partition authorizations", t.partition},
		{"resolve jobs", t.resolveJobs},
		{"expire authorizations", t.expireAuthorizations},
		{"reconcile current jobs", t.reconcileCurrent},
		{"sync devices", t.syncDevices},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	t.publishState()
	return nil
}

// ============================================================================
// Step 0-1: devices and ingestion
// ============================================================================

func (t *tick) refreshDevices() {
	c := t.c
	if c.cfg.Devices == nil {
		return
	}
	if !c.lastRefresh.IsZero() && t.now.Sub(c.lastRefresh) < c.cfg.DeviceRefresh {
		return
	}

	devices, err := c.cfg.Devices.Devices(t.ctx)
	if err != nil {
		t.log.Error("Device enumeration failed", "error", err)
		return
	}
	for name, serial := range devices {
		if err := c.store.RegisterDevice(t.ctx, name, serial); err != nil {
			t.log.Error("Failed to register device", "device", name, "error", err)
		}
	}
	if c.cfg.Fleet != nil {
		if err := c.cfg.Fleet.Ensure(t.ctx, devices); err != nil {
			t.log.Warn("Some devices failed to connect", "error", err)
		}
	}
	c.lastRefresh = t.now
	t.log.Info("Device list refreshed", "devices", len(devices))
}

// ingest adds new authorizations, then new tasks. A failing source is
// logged and yields nothing this tick; the other source still runs.
func (t *tick) ingest() {
	c := t.c
	if c.cfg.Authorizations != nil {
		auths, err := c.cfg.Authorizations.Poll(t.ctx)
		if err != nil {
			t.log.Error("Authorization poll failed", "error", err)
		}
		added := 0
		for _, auth := range auths {
			err := c.store.AddAuthorization(t.ctx, auth)
			switch {
			case err == nil:
				added++
				t.log.Info("Authorization ingested", "row", auth.Row, "device", auth.Device, "user", auth.User)
			case errors.Is(err, store.ErrDuplicate):
			default:
				t.log.Error("Failed to add authorization", "row", auth.Row, "error", err)
			}
		}
		c.metrics.Ingested("authorization", added)
	}

	if c.cfg.Tasks != nil {
		tasks, err := c.cfg.Tasks.Tasks(t.ctx)
		if err != nil {
			t.log.Error("Task poll failed", "error", err)
		}
		added := 0
		for _, task := range tasks {
			if !task.Printable {
				continue
			}
			err := c.store.AddJob(t.ctx, task.Job())
			switch {
			case err == nil:
				added++
				t.log.Info("Job ingested", "job_id", task.ID, "device", task.Device, "start", task.StartTime, "weight", task.Weight)
			case errors.Is(err, store.ErrDuplicate):
			default:
				t.log.Error("Failed to add job", "job_id", task.ID, "error", err)
			}
		}
		c.metrics.Ingested("job", added)
	}
}

// ============================================================================
// Step 2-4: matching
// ============================================================================

// partition loads the unmatched authorizations. They arrive newest first,
// so the first one seen per device inside the window is its active
// candidate.
func (t *tick) partition() error {
	pending, err := t.c.store.UnmatchedAuthorizations(t.ctx)
	if err != nil {
		return err
	}
	t.pending = pending
	t.active = make(map[string]types.Authorization)
	for _, auth := range pending {
		if t.now.Sub(auth.SubmittedAt) >= t.c.cfg.MatchingWindow {
			continue
		}
		if _, ok := t.active[auth.Device]; !ok {
			t.active[auth.Device] = auth
		}
	}
	return nil
}

func (t *tick) resolveJobs() error {
	jobs, err := t.c.store.UnmatchedJobs(t.ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if t.now.Sub(job.StartTime) > t.c.cfg.MatchingWindow {
			err = t.resolveLate(job)
		} else {
			err = t.resolveLive(job)
		}
		if err != nil {
			return fmt.Errorf("job %s: %w", job.ID, err)
		}
	}
	return nil
}

// resolveLive matches a job inside the window with its device's active
// candidate once the device reports the same start time.
func (t *tick) resolveLive(job types.Job) error {
	auth, ok := t.active[job.Device]
	if !ok || t.consumed[auth.Row] {
		return nil
	}
	snap, ok := t.c.Telemetry(job.Device)
	if !ok || !t.fresh(snap) || snap.StartTime.IsZero() || !within(snap.StartTime, job.StartTime, t.c.cfg.Tolerance) {
		t.log.Debug("Waiting for telemetry to confirm job", "job_id", job.ID, "device", job.Device, "row", auth.Row)
		return nil
	}
	return t.admit(job, auth, false, true)
}

// resolveLate handles a job older than the window: match it retroactively
// to a stale authorization, or expire it and stop the device if the run is
// still going.
func (t *tick) resolveLate(job types.Job) error {
	if auth, ok := t.retroactiveCandidate(job); ok {
		return t.admit(job, auth, true, t.stillRunning(job))
	}

	expired, err := t.c.store.ExpireJob(t.ctx, job.ID)
	if errors.Is(err, store.ErrJobNotFound) {
		t.log.Warn("Job left the unmatched pool before expiry", "job_id", job.ID)
		return nil
	}
	if err != nil {
		return err
	}
	t.log.Info("Job expired without authorization", "job_id", job.ID, "device", job.Device, "start", job.StartTime)
	t.c.metrics.JobArchived(types.StatusExpired)
	t.notify(jobEvent(types.EventJobArchived, expired, t.now))

	if t.stillRunning(job) {
		t.cancel(job, reasonUnauthorized)
	}
	return nil
}

// retroactiveCandidate picks, among unconsumed authorizations on the job's
// device submitted within T of its start, the one closest in time. Ties go
// to the later submission, then the higher row.
func (t *tick) retroactiveCandidate(job types.Job) (types.Authorization, bool) {
	var (
		best     types.Authorization
		bestDist time.Duration
		found    bool
	)
	for _, auth := range t.pending {
		if auth.Device != job.Device || t.consumed[auth.Row] {
			continue
		}
		dist := absDuration(auth.SubmittedAt.Sub(job.StartTime))
		if dist > t.c.cfg.MatchingWindow {
			continue
		}
		if !found || closer(auth, dist, best, bestDist) {
			best, bestDist, found = auth, dist, true
		}
	}
	return best, found
}

func closer(a types.Authorization, da time.Duration, b types.Authorization, db time.Duration) bool {
	if da != db {
		return da < db
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.After(b.SubmittedAt)
	}
	return a.Row > b.Row
}

// admit runs the quota-checked match. An over-quota match consumes the
// authorization, archives the job CANCELED with no debit and, when
// cancelOnReject is set, stops the device.
func (t *tick) admit(job types.Job, auth types.Authorization, retroactive, cancelOnReject bool) error {
	row := auth.Row
	matched, err := t.c.store.Match(t.ctx, job.ID, &row)
	switch {
	case err == nil:
		t.consumed[row] = true
		t.log.Info("Job matched",
			"job_id", job.ID,
			"device", job.Device,
			"user", matched.User,
			"row", row,
			"debited", matched.Debited,
			"retroactive", retroactive)
		t.c.metrics.JobMatched(retroactive)
		t.notify(jobEvent(types.EventJobMatched, matched, t.now))
		return nil

	case errors.Is(err, store.ErrQuotaExceeded):
		rejected, rerr := t.c.store.Reject(t.ctx, job.ID, row)
		if isIntegrity(rerr) {
			t.log.Warn("Over-quota job changed state before rejection", "job_id", job.ID, "row", row, "error", rerr)
			return nil
		}
		if rerr != nil {
			return rerr
		}
		t.consumed[row] = true
		t.log.Warn("Job over quota, canceled",
			"job_id", job.ID,
			"device", job.Device,
			"user", rejected.User,
			"row", row,
			"weight", job.Weight)
		t.c.metrics.JobArchived(types.StatusCanceled)
		t.notify(jobEvent(types.EventJobArchived, rejected, t.now))
		if cancelOnReject {
			t.cancel(job, reasonOverQuota)
		}
		return nil

	case errors.Is(err, store.ErrAuthorizationNotFound):
		t.consumed[row] = true
		t.log.Warn("Authorization no longer unmatched", "job_id", job.ID, "row", row)
		return nil

	case errors.Is(err, store.ErrJobNotFound):
		t.log.Warn("Job no longer unmatched", "job_id", job.ID, "row", row)
		return nil
	}
	return err
}

// expireAuthorizations archives every authorization that outlived the
// stale pool without a match.
func (t *tick) expireAuthorizations() error {
	limit := t.c.cfg.MatchingWindow + t.c.cfg.StaleRetention
	for _, auth := range t.pending {
		if t.consumed[auth.Row] || t.now.Sub(auth.SubmittedAt) <= limit {
			continue
		}
		expired, err := t.c.store.ExpireAuthorization(t.ctx, auth.Row)
		if errors.Is(err, store.ErrAuthorizationNotFound) {
			t.log.Warn("Authorization left the unmatched pool before expiry", "row", auth.Row)
			continue
		}
		if err != nil {
			return fmt.Errorf("row %d: %w", auth.Row, err)
		}
		t.consumed[auth.Row] = true
		t.log.Info("Authorization expired", "row", auth.Row, "device", auth.Device, "user", auth.User)
		t.c.metrics.AuthorizationExpired()
		t.notify(types.JobEvent{
			Kind:   types.EventAuthExpired,
			At:     t.now,
			Row:    expired.Row,
			Device: expired.Device,
			User:   expired.User,
		})
	}
	return nil
}

// ============================================================================
// Step 5-6: current jobs and devices
// ============================================================================

// reconcileCurrent collapses duplicate current jobs per device and settles
// the survivor once its estimated end plus the grace period has passed.
func (t *tick) reconcileCurrent() error {
	jobs, err := t.c.store.CurrentJobs(t.ctx)
	if err != nil {
		return err
	}

	// CurrentJobs is ordered by device then start time, so the last job of
	// each run is the one to keep.
	for i := 0; i < len(jobs); {
		j := i
		for j < len(jobs) && jobs[j].Device == jobs[i].Device {
			j++
		}
		group := jobs[i:j]
		for _, older := range group[:len(group)-1] {
			status := types.StatusCanceled
			if !older.EndTime.After(t.now) {
				status = types.StatusSucceeded
			}
			if err := t.archive(older, status, "superseded"); err != nil {
				return err
			}
		}
		if err := t.settle(group[len(group)-1]); err != nil {
			return err
		}
		i = j
	}
	return nil
}

func (t *tick) settle(job types.Job) error {
	if t.now.Before(job.EndTime.Add(t.c.cfg.GracePeriod)) {
		return nil
	}

	snap, ok := t.c.Telemetry(job.Device)
	if !ok || !t.fresh(snap) {
		t.log.Debug("No fresh telemetry for current job", "job_id", job.ID, "device", job.Device)
		return nil
	}
	if !snap.StartTime.IsZero() {
		switch {
		case snap.StartTime.Sub(job.StartTime) > t.c.cfg.Tolerance:
			return t.archive(job, types.StatusSucceeded, "superseded")
		case job.StartTime.Sub(snap.StartTime) > t.c.cfg.Tolerance:
			t.log.Debug("Telemetry predates current job", "job_id", job.ID, "device", job.Device)
			return nil
		}
	}

	switch snap.State {
	case types.RunFinished:
		return t.archive(job, types.StatusSucceeded, "finished")
	case types.RunFailed:
		return t.archive(job, types.StatusFailed, "failed")
	case types.RunIdle:
		return t.archive(job, types.StatusCanceled, "vanished")
	}

	end := t.now.Add(snap.Remaining)
	if !end.After(job.EndTime) {
		return nil
	}
	err := t.c.store.UpdateJobEndTime(t.ctx, job.ID, end)
	if errors.Is(err, store.ErrJobNotFound) {
		t.log.Warn("Current job vanished before end time refresh", "job_id", job.ID)
		return nil
	}
	if err != nil {
		return err
	}
	t.log.Debug("Current job still running", "job_id", job.ID, "state", snap.State, "end", end)
	return nil
}

func (t *tick) archive(job types.Job, status types.JobStatus, reason string) error {
	archived, err := t.c.store.ArchiveJob(t.ctx, job.ID, status)
	if errors.Is(err, store.ErrJobNotFound) {
		t.log.Warn("Job left the current pool before archiving", "job_id", job.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("archiving %s: %w", job.ID, err)
	}

	credited := 0.0
	if status.Refunds() {
		credited = archived.Debited
	}
	t.log.Info("Job archived",
		"job_id", job.ID,
		"device", job.Device,
		"user", job.User,
		"status", status,
		"reason", reason,
		"credited", credited)
	t.c.metrics.JobArchived(status)
	t.notify(jobEvent(types.EventJobArchived, archived, t.now))
	return nil
}

// syncDevices derives each device's status. A current job wins; otherwise
// silent devices are OFFLINE and running ones UNMATCHED_PRINTING.
func (t *tick) syncDevices() error {
	devices, err := t.c.store.Devices(t.ctx)
	if err != nil {
		return err
	}
	current, err := t.c.store.CurrentJobs(t.ctx)
	if err != nil {
		return err
	}
	byDevice := make(map[string]types.Job, len(current))
	for _, job := range current {
		byDevice[job.Device] = job // latest start wins
	}

	counts := make(map[types.DeviceStatus]int)
	for _, device := range devices {
		status, jobID, user := types.DeviceIdle, types.JobID(""), ""
		snap, hasTelemetry := t.c.Telemetry(device.Name)
		if job, ok := byDevice[device.Name]; ok {
			status, jobID, user = types.DeviceMatched, job.ID, job.User
		} else if !hasTelemetry || !t.fresh(snap) {
			status = types.DeviceOffline
		} else if snap.State == types.RunRunning || snap.State == types.RunPaused {
			status = types.DeviceUnmatched
		}
		counts[status]++

		if device.Status == status && device.JobID == jobID && device.User == user {
			continue
		}
		if err := t.c.store.SetDeviceStatus(t.ctx, device.Name, status, jobID, user); err != nil {
			return err
		}
		t.log.Info("Device status changed", "device", device.Name, "from", device.Status, "to", status, "job_id", jobID)
	}
	t.c.metrics.DeviceStatuses(counts)
	return nil
}

// publishState reports pool sizes and writes the status snapshot when due.
func (t *tick) publishState() {
	c := t.c
	stats, err := c.store.Stats(t.ctx)
	if err != nil {
		t.log.Error("Failed to read pool sizes", "error", err)
	} else {
		c.metrics.PoolSizes(stats)
	}

	if c.cfg.Snapshots == nil || c.cfg.SnapshotEvery <= 0 || c.ticks%c.cfg.SnapshotEvery != 0 {
		return
	}
	snap, err := c.store.FleetSnapshot(t.ctx)
	if err != nil {
		t.log.Error("Failed to build status snapshot", "error", err)
		return
	}
	if err := c.cfg.Snapshots.Write(snap); err != nil {
		t.log.Error("Failed to write status snapshot", "error", err)
	}
}

// ============================================================================
// Helpers
// ============================================================================

// cancel is fire-and-forget: failures are logged and the outcome is only
// seen in later telemetry.
func (t *tick) cancel(job types.Job, reason string) {
	if t.c.cfg.Fleet == nil {
		t.log.Warn("No device fleet, cannot cancel", "job_id", job.ID, "device", job.Device)
		return
	}
	err := t.c.cfg.Fleet.Cancel(job.Device)
	t.c.metrics.CancelIssued(reason, err)
	if err != nil {
		t.log.Error("Cancel failed", "job_id", job.ID, "device", job.Device, "reason", reason, "error", err)
		return
	}
	t.log.Warn("Cancel issued", "job_id", job.ID, "device", job.Device, "reason", reason)
	event := jobEvent(types.EventCancelIssued, job, t.now)
	event.Status = ""
	t.notify(event)
}

func (t *tick) notify(event types.JobEvent) {
	if t.c.cfg.Notifier == nil {
		return
	}
	if err := t.c.cfg.Notifier.Publish(t.ctx, event); err != nil {
		t.log.Warn("Failed to publish event", "kind", event.Kind, "job_id", event.JobID, "error", err)
	}
}

// stillRunning reports whether the device's fresh telemetry shows this
// job's run as active. A snapshot restored from before a restart says
// nothing about what the device runs now.
func (t *tick) stillRunning(job types.Job) bool {
	snap, ok := t.c.Telemetry(job.Device)
	if !ok || !t.fresh(snap) || snap.StartTime.IsZero() {
		return false
	}
	return within(snap.StartTime, job.StartTime, t.c.cfg.Tolerance) && snap.State.Active()
}

func (t *tick) fresh(snap types.Telemetry) bool {
	return t.now.Sub(snap.ReceivedAt) <= t.c.cfg.OfflineAfter
}

func jobEvent(kind types.JobEventKind, job types.Job, at time.Time) types.JobEvent {
	event := types.JobEvent{
		Kind:   kind,
		At:     at,
		JobID:  job.ID,
		Device: job.Device,
		User:   job.User,
		Status: job.Status,
		Weight: job.Weight,
	}
	if job.Row != nil {
		event.Row = *job.Row
	}
	return event
}

func isIntegrity(err error) bool {
	return errors.Is(err, store.ErrJobNotFound) || errors.Is(err, store.ErrAuthorizationNotFound)
}

func within(a, b time.Time, tolerance time.Duration) bool {
	return absDuration(a.Sub(b)) <= tolerance
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

