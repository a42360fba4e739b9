package store

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/printwatch/internal/clock"
	"github.com/ChuLiYu/printwatch/pkg/types"
)

var t0 = time.Date(2026, 10, 15, 14, 0, 0, 0, time.UTC)

// createTestStore 建立一個使用臨時目錄的 store
func createTestStore(t *testing.T, exempt ...string) (*Store, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(t0)
	s, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "printwatch.db"),
		PoolSize: 2,
		Clock:    fake,
		Quota:    NewQuotaPolicy(1000, exempt, "quarter"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, fake
}

func testJob(id, device string, start time.Time, weight float64) types.Job {
	return types.Job{
		ID:        types.JobID(id),
		Device:    device,
		Title:     "benchy",
		StartTime: start,
		EndTime:   start.Add(30 * time.Minute),
		Weight:    weight,
		Materials: []types.Material{{Color: "#FF0000", Weight: weight}},
	}
}

func testAuth(row int64, device, user string, at time.Time) types.Authorization {
	return types.Authorization{Row: types.RowID(row), SubmittedAt: at, Device: device, User: user}
}

func rowPtr(r int64) *types.RowID {
	row := types.RowID(r)
	return &row
}

// assertPool checks the job lives in exactly one pool.
func assertPool(t *testing.T, s *Store, id types.JobID, want types.JobPool) {
	t.Helper()
	ctx := context.Background()
	found := 0
	for _, list := range []func() ([]types.Job, error){
		func() ([]types.Job, error) { return s.UnmatchedJobs(ctx) },
		func() ([]types.Job, error) { return s.CurrentJobs(ctx) },
		func() ([]types.Job, error) { return s.ArchivedJobs(ctx, 0) },
	} {
		jobs, err := list()
		require.NoError(t, err)
		for _, j := range jobs {
			if j.ID == id {
				found++
				assert.Equal(t, want, j.Pool)
			}
		}
	}
	assert.Equal(t, 1, found, "job %s should be in exactly one pool", id)
}

func TestAddJob(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	job := testJob("p1", "A", t0, 50)
	require.NoError(t, s.AddJob(ctx, job))

	exists, err := s.JobExists(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := s.Job(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, types.PoolUnmatched, got.Pool)
	assert.Equal(t, t0, got.StartTime)
	assert.Equal(t, 50.0, got.Weight)
	assert.Equal(t, job.Materials, got.Materials)
	assert.Nil(t, got.Row)

	// 重複加入應該失敗
	err = s.AddJob(ctx, job)
	assert.ErrorIs(t, err, ErrDuplicate)

	exists, err = s.JobExists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAddJob_TruncatesMaterials(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	job := testJob("p1", "A", t0, 10)
	job.Materials = make([]types.Material, 6)
	require.NoError(t, s.AddJob(ctx, job))

	got, err := s.Job(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, got.Materials, types.MaxMaterials)
}

func TestAddAuthorization(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddAuthorization(ctx, testAuth(2, "A", "alice", t0)))
	err := s.AddAuthorization(ctx, testAuth(2, "A", "alice", t0))
	assert.ErrorIs(t, err, ErrDuplicate)

	exists, err := s.AuthorizationExists(ctx, 2)
	require.NoError(t, err)
	assert.True(t, exists)

	last, err := s.LastRow(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.RowID(2), last)
}

func TestMatch_DebitsQuota(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddAuthorization(ctx, testAuth(2, "A", "alice", t0)))
	require.NoError(t, s.AddJob(ctx, testJob("p1", "A", t0.Add(5*time.Second), 50)))

	job, err := s.Match(ctx, "p1", rowPtr(2))
	require.NoError(t, err)
	assert.Equal(t, types.PoolCurrent, job.Pool)
	assert.Equal(t, "alice", job.User)
	assert.Equal(t, 50.0, job.Debited)
	assert.Equal(t, "2026-Q4", job.DebitPeriod)
	require.NotNil(t, job.Row)
	assert.Equal(t, types.RowID(2), *job.Row)

	balance, err := s.GetQuota(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 950.0, balance)

	assertPool(t, s, "p1", types.PoolCurrent)

	unmatched, err := s.UnmatchedAuthorizations(ctx)
	require.NoError(t, err)
	assert.Empty(t, unmatched)

	archived, err := s.ArchivedAuthorizations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, types.AuthMatched, archived[0].Outcome)
	assert.Equal(t, types.JobID("p1"), archived[0].JobID)
}

func TestMatch_AuthorizationSingleUse(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddAuthorization(ctx, testAuth(2, "A", "alice", t0)))
	require.NoError(t, s.AddJob(ctx, testJob("p1", "A", t0, 50)))
	require.NoError(t, s.AddJob(ctx, testJob("p2", "A", t0.Add(time.Minute), 50)))

	_, err := s.Match(ctx, "p1", rowPtr(2))
	require.NoError(t, err)

	_, err = s.Match(ctx, "p2", rowPtr(2))
	assert.ErrorIs(t, err, ErrAuthorizationNotFound)

	// the failed match rolled back; p2 is still unmatched
	assertPool(t, s, "p2", types.PoolUnmatched)
	balance, err := s.GetQuota(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 950.0, balance)
}

func TestMatch_QuotaExceededChangesNothing(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.DebitQuota(ctx, "alice", 990))
	require.NoError(t, s.AddAuthorization(ctx, testAuth(2, "A", "alice", t0)))
	require.NoError(t, s.AddJob(ctx, testJob("p1", "A", t0, 50)))

	_, err := s.Match(ctx, "p1", rowPtr(2))
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	assertPool(t, s, "p1", types.PoolUnmatched)
	exists, err := s.AuthorizationExists(ctx, 2)
	require.NoError(t, err)
	assert.True(t, exists)

	balance, err := s.GetQuota(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 10.0, balance)
}

func TestMatch_ExemptUserNotDebited(t *testing.T) {
	s, _ := createTestStore(t, "Staff1")
	ctx := context.Background()

	require.NoError(t, s.AddAuthorization(ctx, testAuth(2, "A", "staff1", t0)))
	require.NoError(t, s.AddJob(ctx, testJob("p1", "A", t0, 5000)))

	job, err := s.Match(ctx, "p1", rowPtr(2))
	require.NoError(t, err)
	assert.Equal(t, 0.0, job.Debited)

	balance, err := s.GetQuota(ctx, "staff1")
	require.NoError(t, err)
	assert.True(t, math.IsInf(balance, 1))

	entries, err := s.Ledger(ctx, "staff1")
	require.NoError(t, err)
	assert.Empty(t, entries, "exempt users never get ledger rows")
}

func TestMatch_WithoutAuthorization(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddJob(ctx, testJob("p1", "A", t0, 50)))
	job, err := s.Match(ctx, "p1", nil)
	require.NoError(t, err)
	assert.Equal(t, types.PoolCurrent, job.Pool)
	assert.Empty(t, job.User)
	assert.Nil(t, job.Row)
	assert.Equal(t, 0.0, job.Debited)
}

func TestMatch_NotUnmatched(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, err := s.Match(ctx, "ghost", nil)
	assert.ErrorIs(t, err, ErrJobNotFound)

	require.NoError(t, s.AddJob(ctx, testJob("p1", "A", t0, 50)))
	_, err = s.ExpireJob(ctx, "p1")
	require.NoError(t, err)

	// 已歸檔的任務不能復活
	_, err = s.Match(ctx, "p1", nil)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assertPool(t, s, "p1", types.PoolArchived)
}

func TestReject(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.DebitQuota(ctx, "alice", 990))
	require.NoError(t, s.AddAuthorization(ctx, testAuth(2, "A", "alice", t0)))
	require.NoError(t, s.AddJob(ctx, testJob("p1", "A", t0, 50)))

	job, err := s.Reject(ctx, "p1", 2)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCanceled, job.Status)
	assert.Equal(t, "alice", job.User)
	assert.Equal(t, 0.0, job.Debited)
	assertPool(t, s, "p1", types.PoolArchived)

	balance, err := s.GetQuota(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 10.0, balance)

	unmatched, err := s.UnmatchedAuthorizations(ctx)
	require.NoError(t, err)
	assert.Empty(t, unmatched)
}

func TestExpireJob_Idempotent(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddJob(ctx, testJob("p1", "A", t0, 50)))
	job, err := s.ExpireJob(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusExpired, job.Status)
	assert.Equal(t, t0, job.ArchivedAt)

	job, err = s.ExpireJob(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusExpired, job.Status)
	assertPool(t, s, "p1", types.PoolArchived)

	_, err = s.ExpireJob(ctx, "ghost")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestExpireAuthorization(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddAuthorization(ctx, testAuth(3, "A", "bob", t0)))
	auth, err := s.ExpireAuthorization(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, types.AuthExpired, auth.Outcome)

	// second expiry is a warning, not an error
	auth, err = s.ExpireAuthorization(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, types.AuthExpired, auth.Outcome)

	_, err = s.ExpireAuthorization(ctx, 99)
	assert.ErrorIs(t, err, ErrAuthorizationNotFound)

	// an expired row counts as ingested
	err = s.AddAuthorization(ctx, testAuth(3, "A", "bob", t0))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestArchiveJob_CreditsOnFailure(t *testing.T) {
	tests := []struct {
		status      types.JobStatus
		wantBalance float64
	}{
		{types.StatusSucceeded, 950},
		{types.StatusFailed, 1000},
		{types.StatusCanceled, 1000},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			s, _ := createTestStore(t)
			ctx := context.Background()

			require.NoError(t, s.AddAuthorization(ctx, testAuth(2, "A", "alice", t0)))
			require.NoError(t, s.AddJob(ctx, testJob("p1", "A", t0, 50)))
			_, err := s.Match(ctx, "p1", rowPtr(2))
			require.NoError(t, err)

			job, err := s.ArchiveJob(ctx, "p1", tt.status)
			require.NoError(t, err)
			assert.Equal(t, tt.status, job.Status)
			assert.Equal(t, 50.0, job.Debited, "the recorded debit is kept on the archive")

			balance, err := s.GetQuota(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, tt.wantBalance, balance)

			// re-archiving is a no-op and never credits twice
			again, err := s.ArchiveJob(ctx, "p1", types.StatusFailed)
			require.NoError(t, err)
			assert.Equal(t, tt.status, again.Status)
			balance, err = s.GetQuota(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, tt.wantBalance, balance)
		})
	}
}

func TestArchiveJob_CreditGoesToDebitPeriod(t *testing.T) {
	s, fake := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddAuthorization(ctx, testAuth(2, "A", "alice", t0)))
	require.NoError(t, s.AddJob(ctx, testJob("p1", "A", t0, 50)))
	_, err := s.Match(ctx, "p1", rowPtr(2))
	require.NoError(t, err)

	// cross into the next quarter before the failure is observed
	fake.Set(time.Date(2027, 1, 2, 0, 0, 0, 0, time.UTC))
	_, err = s.ArchiveJob(ctx, "p1", types.StatusFailed)
	require.NoError(t, err)

	entries, err := s.Ledger(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "2026-Q4", entries[0].Period)
	assert.Equal(t, 1000.0, entries[0].Balance)

	balance, err := s.GetQuota(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, balance, "new period starts from the default")
}

func TestArchiveJob_Errors(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, err := s.ArchiveJob(ctx, "ghost", types.StatusSucceeded)
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = s.ArchiveJob(ctx, "ghost", types.JobStatus("DONE"))
	assert.Error(t, err)
}

func TestGetQuota_DoesNotCreateRows(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	balance, err := s.GetQuota(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, balance)

	entries, err := s.Ledger(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDebitQuota_NegativeCredits(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.DebitQuota(ctx, "alice", 200))
	require.NoError(t, s.DebitQuota(ctx, "alice", -50))

	balance, err := s.GetQuota(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 850.0, balance)
}

func TestUpdateJobEndTime(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddJob(ctx, testJob("p1", "A", t0, 50)))
	err := s.UpdateJobEndTime(ctx, "p1", t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrJobNotFound, "only current jobs have a refreshable end time")

	_, err = s.Match(ctx, "p1", nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateJobEndTime(ctx, "p1", t0.Add(time.Hour)))

	job, err := s.Job(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), job.EndTime)
}

func TestUnmatchedAuthorizationsOrder(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddAuthorization(ctx, testAuth(2, "A", "a", t0)))
	require.NoError(t, s.AddAuthorization(ctx, testAuth(3, "A", "b", t0.Add(time.Minute))))
	require.NoError(t, s.AddAuthorization(ctx, testAuth(4, "B", "c", t0)))

	auths, err := s.UnmatchedAuthorizations(ctx)
	require.NoError(t, err)
	require.Len(t, auths, 3)
	assert.Equal(t, types.RowID(3), auths[0].Row)
	assert.Equal(t, types.RowID(4), auths[1].Row)
	assert.Equal(t, types.RowID(2), auths[2].Row)
}

func TestDevices_TelemetryAndStatusAreIndependent(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterDevice(ctx, "A", "01S00A000000001"))
	require.NoError(t, s.SetDeviceStatus(ctx, "A", types.DeviceMatched, "p1", "alice"))
	require.NoError(t, s.UpdateDeviceTelemetry(ctx, types.Telemetry{
		Device:     "A",
		ReceivedAt: t0,
		State:      types.RunRunning,
		NozzleTemp: 219.5,
		Progress:   42,
		StartTime:  t0.Add(-10 * time.Minute),
	}))

	device, err := s.Device(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "01S00A000000001", device.Serial)
	assert.Equal(t, types.DeviceMatched, device.Status)
	assert.Equal(t, types.JobID("p1"), device.JobID)
	assert.Equal(t, "alice", device.User)
	require.NotNil(t, device.Telemetry)
	assert.Equal(t, 42, device.Telemetry.Progress)
	assert.True(t, device.Telemetry.StartTime.Equal(t0.Add(-10*time.Minute)))

	// status write leaves telemetry alone
	require.NoError(t, s.SetDeviceStatus(ctx, "A", types.DeviceIdle, "", ""))
	device, err = s.Device(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceIdle, device.Status)
	require.NotNil(t, device.Telemetry)
	assert.Equal(t, 42, device.Telemetry.Progress)

	// re-registration keeps status
	require.NoError(t, s.RegisterDevice(ctx, "A", "01S00A000000001"))
	device, err = s.Device(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceIdle, device.Status)

	_, err = s.Device(ctx, "Z")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	devices, err := s.Devices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestStats(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddJob(ctx, testJob("p1", "A", t0, 1)))
	require.NoError(t, s.AddJob(ctx, testJob("p2", "A", t0, 1)))
	require.NoError(t, s.AddJob(ctx, testJob("p3", "B", t0, 1)))
	require.NoError(t, s.AddAuthorization(ctx, testAuth(2, "A", "a", t0)))
	require.NoError(t, s.AddAuthorization(ctx, testAuth(3, "B", "b", t0)))

	_, err := s.Match(ctx, "p1", rowPtr(2))
	require.NoError(t, err)
	_, err = s.ExpireJob(ctx, "p3")
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Stats{
		UnmatchedJobs:  1,
		CurrentJobs:    1,
		ArchivedJobs:   1,
		UnmatchedAuths: 1,
		ArchivedAuths:  1,
	}, stats)
}

func TestPeriodKeys(t *testing.T) {
	assert.Equal(t, "2026-Q1", QuarterPeriod(time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2026-Q2", QuarterPeriod(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2026-Q4", QuarterPeriod(time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2026-10", MonthPeriod(t0))

	policy := NewQuotaPolicy(100, nil, "month")
	assert.Equal(t, "2026-10", policy.Period(t0))
}

func TestReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "printwatch.db")
	ctx := context.Background()
	cfg := Config{Path: path, Clock: clock.Fake(t0), Quota: NewQuotaPolicy(1000, nil, "quarter")}

	s, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.AddJob(ctx, testJob("p1", "A", t0, 50)))
	require.NoError(t, s.Close())

	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Close()

	exists, err := s.JobExists(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, exists)
}
