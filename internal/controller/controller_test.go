package controller

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/printwatch/internal/clock"
	"github.com/ChuLiYu/printwatch/internal/store"
	"github.com/ChuLiYu/printwatch/pkg/types"
)

var t0 = time.Date(2026, 10, 15, 14, 0, 0, 0, time.UTC)

// ============================================================================
// Test Fakes
// ============================================================================

type fakeTasks struct {
	mu       sync.Mutex
	tasks    []types.Task
	err      error
	panicMsg string
	calls    int
}

func (f *fakeTasks) Tasks(context.Context) ([]types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]types.Task(nil), f.tasks...), nil
}

func (f *fakeTasks) set(tasks ...types.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = tasks
}

func (f *fakeTasks) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeAuths hands out each queued authorization once.
type fakeAuths struct {
	mu      sync.Mutex
	pending []types.Authorization
	err     error
}

func (f *fakeAuths) Poll(context.Context) ([]types.Authorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := f.pending
	f.pending = nil
	return out, nil
}

func (f *fakeAuths) add(auths ...types.Authorization) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, auths...)
}

type fakeDevices struct {
	devices map[string]string
	calls   int
}

func (f *fakeDevices) Devices(context.Context) (map[string]string, error) {
	f.calls++
	return f.devices, nil
}

type fakeFleet struct {
	ch        chan types.Telemetry
	mu        sync.Mutex
	cancels   []string
	ensured   []map[string]string
	cancelErr error
}

func (f *fakeFleet) Ensure(_ context.Context, devices map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, devices)
	return nil
}

func (f *fakeFleet) Cancel(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, name)
	return f.cancelErr
}

func (f *fakeFleet) Telemetry() <-chan types.Telemetry { return f.ch }

func (f *fakeFleet) canceled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []types.JobEvent
}

func (f *fakeNotifier) Publish(_ context.Context, event types.JobEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeNotifier) kinds() []types.JobEventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]types.JobEventKind, 0, len(f.events))
	for _, e := range f.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

type fakeSnapshots struct {
	mu    sync.Mutex
	snaps []types.FleetSnapshot
}

func (f *fakeSnapshots) Write(snap types.FleetSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = append(f.snaps, snap)
	return nil
}

// ============================================================================
// Test Helper Functions
// ============================================================================

type testEnv struct {
	path    string
	c       *Controller
	store   *store.Store
	clock   *clock.FakeClock
	tasks   *fakeTasks
	auths   *fakeAuths
	devices *fakeDevices
	fleet   *fakeFleet
	notes   *fakeNotifier
	snaps   *fakeSnapshots
}

// createTestController wires a controller to a real store in a temp dir and
// fake collaborators. Quota: 1000g per quarter, "staff" exempt.
func createTestController(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		path:    filepath.Join(t.TempDir(), "printwatch.db"),
		clock:   clock.Fake(t0),
		tasks:   &fakeTasks{},
		auths:   &fakeAuths{},
		devices: &fakeDevices{devices: map[string]string{}},
		fleet:   &fakeFleet{ch: make(chan types.Telemetry, 64)},
		notes:   &fakeNotifier{},
		snaps:   &fakeSnapshots{},
	}
	env.open(t)
	t.Cleanup(func() {
		env.c.Stop()
		env.store.Close()
	})
	return env
}

// open opens the store at e.path and builds a controller over it.
func (e *testEnv) open(t *testing.T) {
	t.Helper()
	s, err := store.Open(store.Config{
		Path:     e.path,
		PoolSize: 2,
		Clock:    e.clock,
		Quota:    store.NewQuotaPolicy(1000, []string{"staff"}, "quarter"),
	})
	require.NoError(t, err)
	e.store = s

	e.c, err = New(Config{
		TickInterval:   10 * time.Second,
		TickTimeout:    5 * time.Second,
		MatchingWindow: 600 * time.Second,
		Tolerance:      60 * time.Second,
		GracePeriod:    120 * time.Second,
		OfflineAfter:   120 * time.Second,
		DeviceRefresh:  300 * time.Second,
		SnapshotEvery:  1,
		Store:          s,
		Tasks:          e.tasks,
		Devices:        e.devices,
		Authorizations: e.auths,
		Fleet:          e.fleet,
		Notifier:       e.notes,
		Snapshots:      e.snaps,
		Clock:          e.clock,
	})
	require.NoError(t, err)
}

func task(id, device string, start time.Time, weight float64) types.Task {
	return types.Task{
		ID:        types.JobID(id),
		Device:    device,
		Title:     "part-" + id,
		StartTime: start,
		EndTime:   start.Add(30 * time.Minute),
		Weight:    weight,
		Printable: true,
	}
}

func auth(row int64, device, user string, at time.Time) types.Authorization {
	return types.Authorization{Row: types.RowID(row), SubmittedAt: at, Device: device, User: user}
}

// report queues a telemetry snapshot received now.
func (e *testEnv) report(snap types.Telemetry) {
	if snap.ReceivedAt.IsZero() {
		snap.ReceivedAt = e.clock.Now()
	}
	e.fleet.ch <- snap
}

func (e *testEnv) telemetry(device string, start time.Time, state types.RunState) {
	e.report(types.Telemetry{Device: device, StartTime: start, State: state})
}

func (e *testEnv) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, e.c.Tick())
}

func (e *testEnv) job(t *testing.T, id string) types.Job {
	t.Helper()
	job, err := e.store.Job(context.Background(), types.JobID(id))
	require.NoError(t, err)
	return job
}

func (e *testEnv) balance(t *testing.T, user string) float64 {
	t.Helper()
	balance, err := e.store.GetQuota(context.Background(), user)
	require.NoError(t, err)
	return balance
}

func (e *testEnv) archivedAuth(t *testing.T, row int64) (types.Authorization, bool) {
	t.Helper()
	auths, err := e.store.ArchivedAuthorizations(context.Background(), 0)
	require.NoError(t, err)
	for _, a := range auths {
		if a.Row == types.RowID(row) {
			return a, true
		}
	}
	return types.Authorization{}, false
}

// matchDirect puts a job straight into the current pool for user.
func (e *testEnv) matchDirect(t *testing.T, tk types.Task, row int64, user string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.AddJob(ctx, tk.Job()))
	require.NoError(t, e.store.AddAuthorization(ctx, auth(row, tk.Device, user, at)))
	r := types.RowID(row)
	_, err := e.store.Match(ctx, tk.ID, &r)
	require.NoError(t, err)
}

// assertInvariants checks the partition invariant for every known job and
// quota conservation for each user.
func (e *testEnv) assertInvariants(t *testing.T, users ...string) {
	t.Helper()
	ctx := context.Background()
	unmatched, err := e.store.UnmatchedJobs(ctx)
	require.NoError(t, err)
	current, err := e.store.CurrentJobs(ctx)
	require.NoError(t, err)
	archived, err := e.store.ArchivedJobs(ctx, 0)
	require.NoError(t, err)

	seen := make(map[types.JobID]int)
	for _, list := range [][]types.Job{unmatched, current, archived} {
		for _, j := range list {
			seen[j.ID]++
		}
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s is in %d pools", id, n)
	}

	for _, user := range users {
		want := 1000.0
		for _, j := range current {
			if j.User == user {
				want -= j.Debited
			}
		}
		for _, j := range archived {
			if j.User == user && !j.Status.Refunds() {
				want -= j.Debited
			}
		}
		assert.InDelta(t, want, e.balance(t, user), 1e-9, "ledger of %s", user)
	}
}

// ============================================================================
// Scenarios
// ============================================================================

func TestScenarioHappyPath(t *testing.T) {
	env := createTestController(t)
	start := t0.Add(5 * time.Second)

	env.auths.add(auth(2, "A", "u", t0))
	env.tasks.set(task("P", "A", start, 50))
	env.clock.Set(t0.Add(10 * time.Second))
	env.telemetry("A", start, types.RunRunning)
	env.tick(t)

	job := env.job(t, "P")
	assert.Equal(t, types.PoolCurrent, job.Pool)
	assert.Equal(t, "u", job.User)
	require.NotNil(t, job.Row)
	assert.Equal(t, types.RowID(2), *job.Row)
	assert.Equal(t, 950.0, env.balance(t, "u"))

	a, ok := env.archivedAuth(t, 2)
	require.True(t, ok)
	assert.Equal(t, types.AuthMatched, a.Outcome)
	assert.Equal(t, types.JobID("P"), a.JobID)

	device, err := env.store.Device(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceMatched, device.Status)
	assert.Equal(t, types.JobID("P"), device.JobID)
	assert.Equal(t, "u", device.User)

	assert.Empty(t, env.fleet.canceled())
	assert.Equal(t, []types.JobEventKind{types.EventJobMatched}, env.notes.kinds())
	env.assertInvariants(t, "u")
}

func TestScenarioAbandonedAuthorization(t *testing.T) {
	env := createTestController(t)

	env.auths.add(auth(2, "A", "u", t0))
	env.clock.Set(t0.Add(time.Second))
	env.tick(t)

	pending, err := env.store.UnmatchedAuthorizations(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	env.clock.Set(t0.Add(590 * time.Second))
	env.tick(t)
	_, ok := env.archivedAuth(t, 2)
	assert.False(t, ok, "still inside the window")

	env.clock.Set(t0.Add(601 * time.Second))
	env.tick(t)

	a, ok := env.archivedAuth(t, 2)
	require.True(t, ok)
	assert.Equal(t, types.AuthExpired, a.Outcome)
	assert.Equal(t, 1000.0, env.balance(t, "u"))
	assert.Contains(t, env.notes.kinds(), types.EventAuthExpired)
}

func TestScenarioOverQuotaCancellation(t *testing.T) {
	env := createTestController(t)
	ctx := context.Background()
	require.NoError(t, env.store.DebitQuota(ctx, "u", 990))
	start := t0.Add(5 * time.Second)

	env.auths.add(auth(2, "A", "u", t0))
	env.tasks.set(task("P", "A", start, 50))
	env.clock.Set(t0.Add(10 * time.Second))
	env.telemetry("A", start, types.RunRunning)
	env.tick(t)

	assert.Equal(t, []string{"A"}, env.fleet.canceled())
	job := env.job(t, "P")
	assert.Equal(t, types.PoolArchived, job.Pool)
	assert.Equal(t, types.StatusCanceled, job.Status)
	assert.Zero(t, job.Debited)
	assert.Equal(t, 10.0, env.balance(t, "u"))

	a, ok := env.archivedAuth(t, 2)
	require.True(t, ok)
	assert.Equal(t, types.AuthMatched, a.Outcome, "the authorization is consumed")

	assert.Equal(t, []types.JobEventKind{types.EventJobArchived, types.EventCancelIssued}, env.notes.kinds())
}

func TestScenarioRetroactiveMatch(t *testing.T) {
	env := createTestController(t)

	// Offline until t0+650s: both records show up in the same tick.
	env.clock.Set(t0.Add(650 * time.Second))
	env.auths.add(auth(2, "A", "u", t0.Add(-20*time.Second)))
	env.tasks.set(task("P", "A", t0, 50))
	env.tick(t)

	job := env.job(t, "P")
	assert.Equal(t, types.PoolCurrent, job.Pool)
	assert.Equal(t, "u", job.User)
	assert.Equal(t, types.RowID(2), *job.Row)
	assert.Equal(t, 950.0, env.balance(t, "u"))
	assert.Empty(t, env.fleet.canceled())
	env.assertInvariants(t, "u")
}

func TestScenarioDuplicateCurrentCollapse(t *testing.T) {
	t.Run("older run finished", func(t *testing.T) {
		env := createTestController(t)
		t1 := t0.Add(-2 * time.Hour)
		t2 := t0.Add(-10 * time.Minute)
		env.matchDirect(t, task("P1", "C", t1, 50), 2, "u", t1)
		env.matchDirect(t, task("P2", "C", t2, 50), 3, "u", t2)

		env.telemetry("C", t2, types.RunRunning)
		env.tick(t)

		p1 := env.job(t, "P1")
		assert.Equal(t, types.PoolArchived, p1.Pool)
		assert.Equal(t, types.StatusSucceeded, p1.Status)
		assert.Equal(t, types.PoolCurrent, env.job(t, "P2").Pool)
		assert.Equal(t, 900.0, env.balance(t, "u"))
		env.assertInvariants(t, "u")
	})

	t.Run("older run not finished is canceled and credited", func(t *testing.T) {
		env := createTestController(t)
		t1 := t0.Add(-5 * time.Minute)
		t2 := t0.Add(-2 * time.Minute)
		env.matchDirect(t, task("P1", "C", t1, 50), 2, "u", t1)
		env.matchDirect(t, task("P2", "C", t2, 70), 3, "u", t2)
		assert.Equal(t, 880.0, env.balance(t, "u"))

		env.telemetry("C", t2, types.RunRunning)
		env.tick(t)

		p1 := env.job(t, "P1")
		assert.Equal(t, types.StatusCanceled, p1.Status)
		assert.Equal(t, types.PoolCurrent, env.job(t, "P2").Pool)
		assert.Equal(t, 930.0, env.balance(t, "u"))
		assert.Empty(t, env.fleet.canceled(), "the surviving run is not stopped")
		env.assertInvariants(t, "u")
	})
}

// ============================================================================
// Matching details
// ============================================================================

func TestLateUnauthorizedJobIsExpiredAndCanceled(t *testing.T) {
	env := createTestController(t)
	env.clock.Set(t0.Add(700 * time.Second))
	env.tasks.set(task("P", "A", t0, 50))
	env.telemetry("A", t0.Add(20*time.Second), types.RunRunning)
	env.tick(t)

	job := env.job(t, "P")
	assert.Equal(t, types.StatusExpired, job.Status)
	assert.Equal(t, []string{"A"}, env.fleet.canceled())
	assert.Contains(t, env.notes.kinds(), types.EventCancelIssued)
}

func TestLateJobOnOtherRunIsNotCanceled(t *testing.T) {
	env := createTestController(t)
	env.clock.Set(t0.Add(700 * time.Second))
	env.tasks.set(task("P", "A", t0, 50))
	env.telemetry("A", t0.Add(650*time.Second), types.RunRunning)
	env.tick(t)

	assert.Equal(t, types.StatusExpired, env.job(t, "P").Status)
	assert.Empty(t, env.fleet.canceled())
}

func TestLiveMatchWaitsForTelemetryAgreement(t *testing.T) {
	env := createTestController(t)
	start := t0.Add(5 * time.Second)
	env.auths.add(auth(2, "A", "u", t0))
	env.tasks.set(task("P", "A", start, 50))

	// No telemetry yet.
	env.clock.Set(t0.Add(10 * time.Second))
	env.tick(t)
	assert.Equal(t, types.PoolUnmatched, env.job(t, "P").Pool)

	// Telemetry for a different run.
	env.telemetry("A", t0.Add(-30*time.Minute), types.RunRunning)
	env.clock.Set(t0.Add(20 * time.Second))
	env.tick(t)
	assert.Equal(t, types.PoolUnmatched, env.job(t, "P").Pool)
	assert.Empty(t, env.fleet.canceled())

	env.telemetry("A", start.Add(30*time.Second), types.RunRunning)
	env.clock.Set(t0.Add(30 * time.Second))
	env.tick(t)
	assert.Equal(t, types.PoolCurrent, env.job(t, "P").Pool)
}

func TestUnconfirmedJobMatchesRetroactivelyAfterWindow(t *testing.T) {
	env := createTestController(t)
	start := t0.Add(5 * time.Second)
	env.auths.add(auth(2, "A", "u", t0))
	env.tasks.set(task("P", "A", start, 50))
	env.clock.Set(t0.Add(10 * time.Second))
	env.tick(t)

	env.clock.Set(start.Add(601 * time.Second))
	env.tick(t)

	job := env.job(t, "P")
	assert.Equal(t, types.PoolCurrent, job.Pool)
	assert.Equal(t, "u", job.User)
	a, ok := env.archivedAuth(t, 2)
	require.True(t, ok)
	assert.Equal(t, types.AuthMatched, a.Outcome)
}

func TestRetroactiveTieBreak(t *testing.T) {
	tests := []struct {
		name  string
		auths []types.Authorization
		want  types.RowID
	}{
		{
			name: "closest in time wins",
			auths: []types.Authorization{
				auth(2, "A", "far", t0.Add(-300*time.Second)),
				auth(3, "A", "near", t0.Add(-10*time.Second)),
				auth(4, "A", "after", t0.Add(100*time.Second)),
			},
			want: 3,
		},
		{
			name: "equal distance goes to the later submission",
			auths: []types.Authorization{
				auth(2, "A", "before", t0.Add(-30*time.Second)),
				auth(3, "A", "after", t0.Add(30*time.Second)),
			},
			want: 3,
		},
		{
			name: "equal submission goes to the higher row",
			auths: []types.Authorization{
				auth(5, "A", "high", t0.Add(-30*time.Second)),
				auth(4, "A", "low", t0.Add(-30*time.Second)),
			},
			want: 5,
		},
		{
			name: "other devices and far submissions are ignored",
			auths: []types.Authorization{
				auth(2, "B", "other", t0),
				auth(3, "A", "ancient", t0.Add(-700*time.Second)),
				auth(4, "A", "ok", t0.Add(-500*time.Second)),
			},
			want: 4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := createTestController(t)
			env.clock.Set(t0.Add(700 * time.Second))
			env.auths.add(tt.auths...)
			env.tasks.set(task("P", "A", t0, 50))
			env.tick(t)

			job := env.job(t, "P")
			require.Equal(t, types.PoolCurrent, job.Pool)
			require.NotNil(t, job.Row)
			assert.Equal(t, tt.want, *job.Row)

			// Every other candidate aged out and expired in the same tick.
			pending, err := env.store.UnmatchedAuthorizations(context.Background())
			require.NoError(t, err)
			for _, a := range pending {
				assert.Less(t, env.clock.Now().Sub(a.SubmittedAt), 601*time.Second)
			}
		})
	}
}

func TestRetroactiveOverQuotaCancelsOnlyRunningJob(t *testing.T) {
	for _, running := range []bool{true, false} {
		env := createTestController(t)
		require.NoError(t, env.store.DebitQuota(context.Background(), "u", 980))
		env.clock.Set(t0.Add(650 * time.Second))
		env.auths.add(auth(2, "A", "u", t0.Add(-20*time.Second)))
		env.tasks.set(task("P", "A", t0, 50))
		if running {
			env.telemetry("A", t0, types.RunRunning)
		}
		env.tick(t)

		assert.Equal(t, types.StatusCanceled, env.job(t, "P").Status)
		assert.Equal(t, 20.0, env.balance(t, "u"))
		if running {
			assert.Equal(t, []string{"A"}, env.fleet.canceled())
		} else {
			assert.Empty(t, env.fleet.canceled())
		}
	}
}

func TestAuthorizationSingleUse(t *testing.T) {
	env := createTestController(t)
	start := t0.Add(5 * time.Second)
	env.auths.add(auth(2, "A", "u", t0))
	env.tasks.set(task("P1", "A", start, 10), task("P2", "A", start.Add(20*time.Second), 10))
	env.clock.Set(t0.Add(30 * time.Second))
	env.telemetry("A", start.Add(10*time.Second), types.RunRunning)
	env.tick(t)

	p1, p2 := env.job(t, "P1"), env.job(t, "P2")
	assert.Equal(t, types.PoolCurrent, p1.Pool)
	assert.Equal(t, types.PoolUnmatched, p2.Pool, "row 2 is consumed by P1")
	assert.Equal(t, 990.0, env.balance(t, "u"))
	env.assertInvariants(t, "u")
}

func TestExemptUserIsNeverDebited(t *testing.T) {
	env := createTestController(t)
	start := t0.Add(5 * time.Second)
	env.auths.add(auth(2, "A", "staff", t0))
	env.tasks.set(task("P", "A", start, 5000))
	env.clock.Set(t0.Add(10 * time.Second))
	env.telemetry("A", start, types.RunRunning)
	env.tick(t)

	job := env.job(t, "P")
	assert.Equal(t, types.PoolCurrent, job.Pool)
	assert.Zero(t, job.Debited)
	assert.Empty(t, env.fleet.canceled())
	assert.Equal(t, types.Unlimited, env.balance(t, "staff"))
}

// ============================================================================
// Current job reconciliation
// ============================================================================

func TestSettleCurrentJob(t *testing.T) {
	end := t0.Add(30 * time.Minute)
	afterGrace := end.Add(121 * time.Second)

	tests := []struct {
		name        string
		now         time.Time
		snap        types.Telemetry
		wantPool    types.JobPool
		wantStatus  types.JobStatus
		wantBalance float64
	}{
		{"finished", afterGrace, types.Telemetry{StartTime: t0, State: types.RunFinished},
			types.PoolArchived, types.StatusSucceeded, 950},
		{"failed is credited", afterGrace, types.Telemetry{StartTime: t0, State: types.RunFailed},
			types.PoolArchived, types.StatusFailed, 1000},
		{"vanished is credited", afterGrace, types.Telemetry{StartTime: t0, State: types.RunIdle},
			types.PoolArchived, types.StatusCanceled, 1000},
		{"running stays", afterGrace, types.Telemetry{StartTime: t0, State: types.RunRunning, Remaining: 10 * time.Minute},
			types.PoolCurrent, "", 950},
		{"unknown stays", afterGrace, types.Telemetry{StartTime: t0, State: types.RunUnknown},
			types.PoolCurrent, "", 950},
		{"inside grace period", end.Add(60 * time.Second), types.Telemetry{StartTime: t0, State: types.RunFinished},
			types.PoolCurrent, "", 950},
		{"superseded by a later run", afterGrace, types.Telemetry{StartTime: end.Add(time.Minute), State: types.RunRunning},
			types.PoolArchived, types.StatusSucceeded, 950},
		{"stale telemetry is ignored", afterGrace, types.Telemetry{StartTime: t0, State: types.RunIdle, ReceivedAt: t0},
			types.PoolCurrent, "", 950},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := createTestController(t)
			env.matchDirect(t, task("P", "A", t0, 50), 2, "u", t0)

			env.clock.Set(tt.now)
			snap := tt.snap
			snap.Device = "A"
			env.report(snap)
			env.tick(t)

			job := env.job(t, "P")
			assert.Equal(t, tt.wantPool, job.Pool)
			assert.Equal(t, tt.wantStatus, job.Status)
			assert.Equal(t, tt.wantBalance, env.balance(t, "u"))
			env.assertInvariants(t, "u")
		})
	}
}

func TestRunningJobEndTimeIsRefreshed(t *testing.T) {
	env := createTestController(t)
	env.matchDirect(t, task("P", "A", t0, 50), 2, "u", t0)

	now := t0.Add(33 * time.Minute)
	env.clock.Set(now)
	env.report(types.Telemetry{Device: "A", StartTime: t0, State: types.RunPaused, Remaining: 15 * time.Minute})
	env.tick(t)

	job := env.job(t, "P")
	assert.Equal(t, types.PoolCurrent, job.Pool)
	assert.True(t, now.Add(15*time.Minute).Equal(job.EndTime), "end time %s", job.EndTime)

	// Not re-inspected before the new end time plus grace.
	env.report(types.Telemetry{Device: "A", StartTime: t0, State: types.RunIdle})
	env.clock.Set(now.Add(16 * time.Minute))
	env.tick(t)
	assert.Equal(t, types.PoolCurrent, env.job(t, "P").Pool)

	env.clock.Set(now.Add(18 * time.Minute))
	env.report(types.Telemetry{Device: "A", StartTime: t0, State: types.RunIdle})
	env.tick(t)
	assert.Equal(t, types.StatusCanceled, env.job(t, "P").Status)
	assert.Equal(t, 1000.0, env.balance(t, "u"))
}

// ============================================================================
// Devices, ingestion and the tick boundary
// ============================================================================

func TestDeviceStatusSync(t *testing.T) {
	env := createTestController(t)
	env.devices.devices = map[string]string{"A": "S-A", "B": "S-B", "C": "S-C", "D": "S-D"}
	env.matchDirect(t, task("P", "D", t0.Add(-time.Minute), 50), 2, "u", t0.Add(-time.Minute))

	env.telemetry("A", t0.Add(-5*time.Minute), types.RunRunning)
	env.telemetry("B", time.Time{}, types.RunIdle)
	env.report(types.Telemetry{Device: "C", State: types.RunRunning, ReceivedAt: t0.Add(-10 * time.Minute)})
	env.tick(t)

	want := map[string]types.DeviceStatus{
		"A": types.DeviceUnmatched,
		"B": types.DeviceIdle,
		"C": types.DeviceOffline,
		"D": types.DeviceMatched,
	}
	for name, status := range want {
		device, err := env.store.Device(context.Background(), name)
		require.NoError(t, err)
		assert.Equal(t, status, device.Status, name)
	}

	require.Len(t, env.fleet.ensured, 1)
	assert.Equal(t, env.devices.devices, env.fleet.ensured[0])

	// Device list is refreshed only after DeviceRefresh.
	env.clock.Advance(10 * time.Second)
	env.tick(t)
	assert.Equal(t, 1, env.devices.calls)
	env.clock.Advance(300 * time.Second)
	env.tick(t)
	assert.Equal(t, 2, env.devices.calls)
}

func TestIngestionIsIdempotent(t *testing.T) {
	env := createTestController(t)
	env.clock.Set(t0.Add(time.Minute))
	draft := task("Q", "A", t0, 10)
	draft.Printable = false
	env.tasks.set(task("P", "A", t0, 10), draft)
	env.auths.add(auth(2, "A", "u", t0), auth(2, "A", "u", t0))

	env.tick(t)
	env.auths.add(auth(2, "A", "u", t0))
	env.tick(t)

	unmatched, err := env.store.UnmatchedJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, unmatched, 1)
	assert.Equal(t, types.JobID("P"), unmatched[0].ID)

	pending, err := env.store.UnmatchedAuthorizations(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestArchivedJobIsNotResurrected(t *testing.T) {
	env := createTestController(t)
	env.clock.Set(t0.Add(700 * time.Second))
	env.tasks.set(task("P", "A", t0, 50))
	env.tick(t)
	require.Equal(t, types.StatusExpired, env.job(t, "P").Status)

	env.auths.add(auth(2, "A", "u", t0))
	env.tick(t)
	env.tick(t)

	job := env.job(t, "P")
	assert.Equal(t, types.PoolArchived, job.Pool)
	assert.Equal(t, types.StatusExpired, job.Status)
	env.assertInvariants(t, "u")
}

func TestSourceFailureDoesNotBlockTheOther(t *testing.T) {
	env := createTestController(t)
	env.auths.err = errors.New("sheets unavailable")
	env.tasks.set(task("P", "A", t0, 10))
	env.tick(t)
	assert.Equal(t, types.PoolUnmatched, env.job(t, "P").Pool)

	env.auths.err = nil
	env.tasks.err = errors.New("cloud unavailable")
	env.auths.add(auth(2, "A", "u", t0))
	env.tick(t)
	ok, err := env.store.AuthorizationExists(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTickRecoversPanic(t *testing.T) {
	env := createTestController(t)
	env.tasks.panicMsg = "boom"

	err := env.c.Tick()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTickPanic)

	env.tasks.mu.Lock()
	env.tasks.panicMsg = ""
	env.tasks.mu.Unlock()
	assert.NoError(t, env.c.Tick())
}

func TestSnapshotWritten(t *testing.T) {
	env := createTestController(t)
	env.devices.devices = map[string]string{"A": "S-A"}
	env.tick(t)

	env.snaps.mu.Lock()
	defer env.snaps.mu.Unlock()
	require.Len(t, env.snaps.snaps, 1)
	snap := env.snaps.snaps[0]
	assert.Equal(t, store.SchemaVersion, snap.SchemaVer)
	require.Len(t, snap.Devices, 1)
	assert.Equal(t, "A", snap.Devices[0].Name)
}

// ============================================================================
// Loop lifecycle
// ============================================================================

func TestLoopTicksOnInterval(t *testing.T) {
	env := createTestController(t)
	require.NoError(t, env.c.Start())

	require.Eventually(t, func() bool { return env.tasks.callCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return env.clock.WaiterCount() == 1 }, time.Second, 5*time.Millisecond)

	env.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return env.tasks.callCount() == 2 }, time.Second, 5*time.Millisecond)

	// Telemetry between ticks is persisted by the loop.
	env.telemetry("A", t0, types.RunRunning)
	require.Eventually(t, func() bool {
		device, err := env.store.Device(context.Background(), "A")
		return err == nil && device.Telemetry != nil
	}, time.Second, 5*time.Millisecond)

	env.c.Stop()
	env.c.Stop()
	env.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, env.tasks.callCount())
}

func TestStartAfterStopFails(t *testing.T) {
	env := createTestController(t)
	env.c.Stop()
	assert.Error(t, env.c.Start())
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrMissingStore)
}
