// Package types defines the domain model shared by every printwatch component:
// job records observed from the vendor cloud, authorization claims from the
// form feed, device records and the telemetry snapshots devices push.
package types

import (
	"math"
	"time"
)

// JobID is the vendor-assigned job identifier.
type JobID string

// RowID is the feed row number of an authorization claim.
type RowID int64

// JobPool names the three disjoint pools a job record can live in.
type JobPool string

const (
	PoolUnmatched JobPool = "unmatched" // observed, not yet paired with an authorization
	PoolCurrent   JobPool = "current"   // matched and quota-cleared
	PoolArchived  JobPool = "archived"  // terminal, immutable
)

// JobStatus is the terminal status of an archived job.
type JobStatus string

const (
	StatusExpired   JobStatus = "EXPIRED"
	StatusSucceeded JobStatus = "SUCCEEDED"
	StatusFailed    JobStatus = "FAILED"
	StatusCanceled  JobStatus = "CANCELED"
)

// Valid reports whether s is one of the terminal statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusExpired, StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Refunds reports whether archiving with this status returns the job's
// debit to its user.
func (s JobStatus) Refunds() bool {
	return s == StatusFailed || s == StatusCanceled
}

// MaxMaterials is the number of material slots a job record keeps.
const MaxMaterials = 4

// Material is one filament slot used by a job.
type Material struct {
	Color  string  `json:"color"`
	Weight float64 `json:"weight"`
}

// Job is one observed physical print.
type Job struct {
	ID        JobID      `json:"id"`
	Device    string     `json:"device"`
	Title     string     `json:"title"`
	Cover     string     `json:"cover,omitempty"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"` // estimated
	Weight    float64    `json:"weight"`
	Materials []Material `json:"materials,omitempty"`

	// Set once matched.
	User        string  `json:"user,omitempty"`
	Row         *RowID  `json:"row,omitempty"`
	Debited     float64 `json:"debited,omitempty"`
	DebitPeriod string  `json:"debit_period,omitempty"`

	Pool       JobPool   `json:"pool"`
	Status     JobStatus `json:"status,omitempty"` // archived only
	ArchivedAt time.Time `json:"archived_at,omitempty"`
}

// Task is one job-task as reported by the vendor cloud.
type Task struct {
	ID        JobID
	Device    string
	Title     string
	Cover     string
	StartTime time.Time
	EndTime   time.Time
	Weight    float64
	Materials []Material
	Printable bool
}

// Job converts the task into a new unmatched job record.
func (t Task) Job() Job {
	return Job{
		ID:        t.ID,
		Device:    t.Device,
		Title:     t.Title,
		Cover:     t.Cover,
		StartTime: t.StartTime,
		EndTime:   t.EndTime,
		Weight:    t.Weight,
		Materials: t.Materials,
		Pool:      PoolUnmatched,
	}
}

// AuthOutcome records how an authorization left the unmatched pool.
type AuthOutcome string

const (
	AuthPending AuthOutcome = ""
	AuthMatched AuthOutcome = "matched"
	AuthExpired AuthOutcome = "expired"
)

// Authorization is one human claim of responsibility for a device run.
type Authorization struct {
	Row         RowID       `json:"row"`
	SubmittedAt time.Time   `json:"submitted_at"`
	Device      string      `json:"device"`
	User        string      `json:"user"`
	Outcome     AuthOutcome `json:"outcome,omitempty"`
	JobID       JobID       `json:"job_id,omitempty"`
}

// DeviceStatus is the reconciled status of a device.
type DeviceStatus string

const (
	DeviceOffline   DeviceStatus = "OFFLINE"
	DeviceIdle      DeviceStatus = "IDLE"
	DeviceUnmatched DeviceStatus = "UNMATCHED_PRINTING"
	DeviceMatched   DeviceStatus = "MATCHED_PRINTING"
)

// RunState is the classified run state reported by a device.
type RunState string

const (
	RunRunning  RunState = "RUNNING"
	RunPaused   RunState = "PAUSED"
	RunFinished RunState = "FINISHED"
	RunFailed   RunState = "FAILED"
	RunIdle     RunState = "IDLE"
	RunUnknown  RunState = "UNKNOWN"
)

// Active reports whether the state must be treated as a job still on the
// device. Unknown states count as active.
func (s RunState) Active() bool {
	return s == RunRunning || s == RunPaused || s == RunUnknown
}

// Telemetry is an immutable snapshot of a device's latest reported state.
type Telemetry struct {
	Device       string        `json:"device"`
	ReceivedAt   time.Time     `json:"received_at"`
	State        RunState      `json:"state"`
	RawState     string        `json:"raw_state,omitempty"`
	NozzleTemp   float64       `json:"nozzle_temp"`
	NozzleTarget float64       `json:"nozzle_target"`
	BedTemp      float64       `json:"bed_temp"`
	BedTarget    float64       `json:"bed_target"`
	Progress     int           `json:"progress"`
	Remaining    time.Duration `json:"remaining"`
	StartTime    time.Time     `json:"start_time"`
	Layer        int           `json:"layer"`
	TotalLayers  int           `json:"total_layers"`
	GcodeFile    string        `json:"gcode_file,omitempty"`
	SpeedLevel   int           `json:"speed_level"`
	ActiveSpool  int           `json:"active_spool"`
	SpoolState   string        `json:"spool_state,omitempty"`
	SpoolColors  []string      `json:"spool_colors,omitempty"`
}

// Device is the persisted record of one physical device.
type Device struct {
	Name      string       `json:"name"`
	Serial    string       `json:"serial,omitempty"`
	Status    DeviceStatus `json:"status"`
	JobID     JobID        `json:"job_id,omitempty"`
	User      string       `json:"user,omitempty"`
	Telemetry *Telemetry   `json:"telemetry,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// JobEventKind names the outcome carried by a JobEvent.
type JobEventKind string

const (
	EventJobMatched   JobEventKind = "job_matched"
	EventJobArchived  JobEventKind = "job_archived"
	EventAuthExpired  JobEventKind = "authorization_expired"
	EventCancelIssued JobEventKind = "cancel_issued"
)

// JobEvent is published to the notification collaborator.
type JobEvent struct {
	Kind   JobEventKind `json:"kind"`
	At     time.Time    `json:"at"`
	JobID  JobID        `json:"job_id,omitempty"`
	Row    RowID        `json:"row,omitempty"`
	Device string       `json:"device"`
	User   string       `json:"user,omitempty"`
	Status JobStatus    `json:"status,omitempty"`
	Weight float64      `json:"weight,omitempty"`
}

// Unlimited is the balance reported for exempt users.
var Unlimited = math.Inf(1)

// Stats summarizes pool sizes.
type Stats struct {
	UnmatchedJobs  int `json:"unmatched_jobs"`
	CurrentJobs    int `json:"current_jobs"`
	ArchivedJobs   int `json:"archived_jobs"`
	UnmatchedAuths int `json:"unmatched_authorizations"`
	ArchivedAuths  int `json:"archived_authorizations"`
}

// FleetSnapshot is the status document written for the external dashboard.
type FleetSnapshot struct {
	GeneratedAt time.Time `json:"generated_at"`
	Devices     []Device  `json:"devices"`
	CurrentJobs []Job     `json:"current_jobs"`
	Stats       Stats     `json:"stats"`
	SchemaVer   int       `json:"schema_ver"`
}
