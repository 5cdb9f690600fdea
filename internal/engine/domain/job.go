package domain

import (
	"database/sql"
	"time"
)

// Job status constants
const (
	JobStatusQueued    = "QUEUED"
	JobStatusRunning   = "RUNNING"
	JobStatusCompleted = "COMPLETED"
	JobStatusFailed    = "FAILED"
	JobStatusCancelled = "CANCELLED"
)

// Job phase constants, meaningful only while the job is RUNNING
const (
	PhaseGeocode = "geocode"
	PhaseMatrix  = "matrix"
	PhaseNone    = "none"
)

// Mode selects which destinations a job operates on
type Mode string

const (
	// ModeFillEmpty targets destinations that have no computed distance yet
	ModeFillEmpty Mode = "fill_empty"
	// ModeOverwrite recomputes every destination
	ModeOverwrite Mode = "overwrite"
	// ModeGeocodeNonMatrix targets destinations whose distance came from an
	// approximation instead of the matrix provider
	ModeGeocodeNonMatrix Mode = "geocode_non_matrix"
)

// Valid reports whether the mode is a known selection mode
func (m Mode) Valid() bool {
	switch m {
	case ModeFillEmpty, ModeOverwrite, ModeGeocodeNonMatrix:
		return true
	}
	return false
}

// SelectionPredicate returns the SQL predicate (over destinations aliased as d)
// that picks the destination set for the mode
func (m Mode) SelectionPredicate() (string, error) {
	switch m {
	case ModeFillEmpty:
		return "d.distance_km IS NULL", nil
	case ModeOverwrite:
		return "TRUE", nil
	case ModeGeocodeNonMatrix:
		return "d.distance_source = 'approximate'", nil
	}
	return "", ErrInvalidMode
}

// Distance source provenance tags written back to destinations
const (
	DistanceSourceMatrix      = "matrix"
	DistanceSourceApproximate = "approximate"
)

// Per-job destination work states (job_destinations.state)
const (
	ItemStatePending  = "pending"
	ItemStateGeocoded = "geocoded"
	ItemStateDone     = "done"
	ItemStateFailed   = "failed"
)

// Job error ledger reasons
const (
	ReasonGeocodingFailed    = "geocoding_failed"
	ReasonMatrixAPIError     = "matrix_api_error"
	ReasonMissingCoordinates = "missing_coordinates"
)

// Job is one run of the enrichment engine over a selected destination set
type Job struct {
	JobID                 string         `db:"job_id"`
	Mode                  string         `db:"mode"`
	Status                string         `db:"status"`
	Phase                 string         `db:"phase"`
	TotalDestinations     int            `db:"total_destinations"`
	ProcessedDestinations int            `db:"processed_destinations"`
	GeocodedDestinations  int            `db:"geocoded_destinations"`
	FailedDestinations    int            `db:"failed_destinations"`
	CancelRequested       bool           `db:"cancel_requested"`
	ErrorMessage          sql.NullString `db:"error_message"`
	StartedAt             sql.NullTime   `db:"started_at"`
	CreatedAt             time.Time      `db:"created_at"`
	UpdatedAt             time.Time      `db:"updated_at"`
}

// IsTerminal reports whether the job can no longer change
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the job occupies the single-active slot
func (j *Job) IsActive() bool {
	return j.Status == JobStatusQueued || j.Status == JobStatusRunning
}

// JobError is one append-only ledger entry for a destination-level failure
type JobError struct {
	ErrorID       string    `db:"error_id"`
	JobID         string    `db:"job_id"`
	DestinationID string    `db:"destination_id"`
	Reason        string    `db:"reason"`
	IsTemporary   bool      `db:"is_temporary"`
	RetryAttempts int       `db:"retry_attempts"`
	Detail        string    `db:"detail"`
	CreatedAt     time.Time `db:"created_at"`
}

// Destination is the slice of the externally owned destination record the
// engine reads; coordinates are nil until geocoded
type Destination struct {
	DestinationID string   `db:"destination_id"`
	Name          string   `db:"name"`
	Address       string   `db:"address"`
	Latitude      *float64 `db:"latitude"`
	Longitude     *float64 `db:"longitude"`
}

// HasCoordinates reports whether both coordinates are present
func (d *Destination) HasCoordinates() bool {
	return d.Latitude != nil && d.Longitude != nil
}

// GeocodeQuery is the text sent to the geocoding provider
func (d *Destination) GeocodeQuery() string {
	if d.Address != "" {
		return d.Address
	}
	return d.Name
}

// Matrix outcome kinds, resolved per destination inside one batch
const (
	OutcomeSuccess            = "success"
	OutcomeFailure            = "failure"
	OutcomeMissingCoordinates = "missing_coordinates"
)

// MatrixOutcome is the terminal resolution of one destination in a matrix batch
type MatrixOutcome struct {
	DestinationID string
	Kind          string
	DistanceKm    float64
	TravelHours   float64
	RetryAttempts int
	// Temporary records whether the failure was transient in origin and only
	// became terminal by exhausting the retry ceiling
	Temporary bool
	Detail    string
}

// JobMessage is the start/resume command carried over RabbitMQ
type JobMessage struct {
	JobID       string `json:"job_id"`
	Action      string `json:"action"`
	DeliveryTag uint64 `json:"-"`
}

// Job message actions
const (
	ActionStart  = "start"
	ActionResume = "resume"
)
