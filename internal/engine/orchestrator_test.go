package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aksellodoo/distance-engine/internal/engine/domain"
	"github.com/aksellodoo/distance-engine/internal/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- fakes ----

type fakeDest struct {
	dest        domain.Destination
	distanceKm  *float64
	travelHours *float64
	source      string
}

// fakeStore is an in-memory record store that enforces the counter invariant
// on every update, mirroring the transactional batch semantics of the real one
type fakeStore struct {
	t  *testing.T
	mu sync.Mutex

	job    domain.Job
	dests  map[string]*fakeDest
	states map[string]string
	order  []string
	ledger []domain.JobError

	cancelRequested    bool
	cancelAfterApplies int
	matrixApplies      int
}

func newFakeStore(t *testing.T, mode string, dests ...domain.Destination) *fakeStore {
	s := &fakeStore{
		t:      t,
		dests:  make(map[string]*fakeDest),
		states: make(map[string]string),
		job: domain.Job{
			JobID:             "job-1",
			Mode:              mode,
			Status:            domain.JobStatusQueued,
			Phase:             domain.PhaseNone,
			TotalDestinations: len(dests),
			CreatedAt:         time.Now(),
			UpdatedAt:         time.Now(),
		},
	}

	for i := range dests {
		d := dests[i]
		s.dests[d.DestinationID] = &fakeDest{dest: d}
		s.states[d.DestinationID] = domain.ItemStatePending
		s.order = append(s.order, d.DestinationID)
	}

	return s
}

func (s *fakeStore) checkInvariant() {
	j := s.job
	if !(j.FailedDestinations <= j.ProcessedDestinations && j.ProcessedDestinations <= j.TotalDestinations) {
		s.t.Errorf("counter invariant violated: failed=%d processed=%d total=%d",
			j.FailedDestinations, j.ProcessedDestinations, j.TotalDestinations)
	}
}

func (s *fakeStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jobID != s.job.JobID {
		return nil, domain.ErrJobNotFound
	}
	job := s.job
	return &job, nil
}

func (s *fakeStore) ClaimJob(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jobID != s.job.JobID {
		return nil, domain.ErrJobNotFound
	}
	if s.job.Status != domain.JobStatusQueued {
		return nil, domain.ErrJobNotClaimable
	}
	s.job.Status = domain.JobStatusRunning
	s.job.StartedAt = sql.NullTime{Time: time.Now(), Valid: true}
	s.job.UpdatedAt = time.Now()
	job := s.job
	return &job, nil
}

func (s *fakeStore) SetPhase(_ context.Context, _, phase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job.Phase = phase
	s.job.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) TouchJob(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) CancelRequested(_ context.Context, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested, nil
}

func (s *fakeStore) FinishJob(_ context.Context, _, status, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job.Status = status
	s.job.Phase = domain.PhaseNone
	s.job.ErrorMessage = sql.NullString{String: errorMessage, Valid: errorMessage != ""}
	s.job.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) ListPendingGeocode(_ context.Context, _ string) ([]domain.Destination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Destination
	for _, id := range s.order {
		if s.states[id] == domain.ItemStatePending && !s.dests[id].dest.HasCoordinates() {
			out = append(out, s.dests[id].dest)
		}
	}
	return out, nil
}

func (s *fakeStore) ListPendingMatrix(_ context.Context, _ string) ([]domain.Destination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Destination
	for _, id := range s.order {
		if st := s.states[id]; st == domain.ItemStatePending || st == domain.ItemStateGeocoded {
			out = append(out, s.dests[id].dest)
		}
	}
	return out, nil
}

func (s *fakeStore) ApplyGeocodeSuccess(_ context.Context, _, destinationID string, lat, lng float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.dests[destinationID]
	d.dest.Latitude = &lat
	d.dest.Longitude = &lng
	s.states[destinationID] = domain.ItemStateGeocoded
	s.job.GeocodedDestinations++
	s.job.UpdatedAt = time.Now()
	s.checkInvariant()
	return nil
}

func (s *fakeStore) ApplyGeocodeFailure(_ context.Context, jobID, destinationID string, attempts int, temporary bool, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = append(s.ledger, domain.JobError{
		JobID:         jobID,
		DestinationID: destinationID,
		Reason:        domain.ReasonGeocodingFailed,
		IsTemporary:   temporary,
		RetryAttempts: attempts,
		Detail:        detail,
	})
	s.states[destinationID] = domain.ItemStateFailed
	s.job.ProcessedDestinations++
	s.job.FailedDestinations++
	s.job.UpdatedAt = time.Now()
	s.checkInvariant()
	return nil
}

func (s *fakeStore) ApplyMatrixBatch(_ context.Context, jobID string, outcomes []domain.MatrixOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, out := range outcomes {
		switch out.Kind {
		case domain.OutcomeSuccess:
			d := s.dests[out.DestinationID]
			km := out.DistanceKm
			hours := out.TravelHours
			d.distanceKm = &km
			d.travelHours = &hours
			d.source = domain.DistanceSourceMatrix
			s.states[out.DestinationID] = domain.ItemStateDone
		case domain.OutcomeFailure:
			s.ledger = append(s.ledger, domain.JobError{
				JobID:         jobID,
				DestinationID: out.DestinationID,
				Reason:        domain.ReasonMatrixAPIError,
				IsTemporary:   out.Temporary,
				RetryAttempts: out.RetryAttempts,
				Detail:        out.Detail,
			})
			s.states[out.DestinationID] = domain.ItemStateFailed
			s.job.FailedDestinations++
		case domain.OutcomeMissingCoordinates:
			s.ledger = append(s.ledger, domain.JobError{
				JobID:         jobID,
				DestinationID: out.DestinationID,
				Reason:        domain.ReasonMissingCoordinates,
				Detail:        out.Detail,
			})
			s.states[out.DestinationID] = domain.ItemStateFailed
			s.job.FailedDestinations++
		default:
			return fmt.Errorf("unknown outcome kind %q", out.Kind)
		}
		s.job.ProcessedDestinations++
	}

	s.job.UpdatedAt = time.Now()
	s.checkInvariant()

	s.matrixApplies++
	if s.cancelAfterApplies > 0 && s.matrixApplies >= s.cancelAfterApplies {
		s.cancelRequested = true
	}

	return nil
}

type geocodeReply struct {
	coords providers.Coordinates
	err    error
}

type fakeGeocoder struct {
	mu     sync.Mutex
	script map[string][]geocodeReply
	calls  int
}

func (g *fakeGeocoder) Geocode(_ context.Context, query string) (providers.Coordinates, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++

	seq, ok := g.script[query]
	if !ok || len(seq) == 0 {
		return providers.Coordinates{Latitude: 10, Longitude: 20}, nil
	}

	reply := seq[0]
	g.script[query] = seq[1:]
	return reply.coords, reply.err
}

type fakeMatrix struct {
	mu              sync.Mutex
	callSizes       []int
	calledIDs       []string
	failWholeCalls  int
	permanentError  error
	perDestFailure  map[string]string
	distanceKm      float64
	durationSeconds float64
}

func (m *fakeMatrix) ComputeMatrix(_ context.Context, _ providers.Coordinates, dests []providers.MatrixDestination) ([]providers.MatrixResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callSizes = append(m.callSizes, len(dests))
	for _, d := range dests {
		m.calledIDs = append(m.calledIDs, d.ID)
	}

	if m.failWholeCalls > 0 {
		m.failWholeCalls--
		return nil, domain.NewTemporaryError(errors.New("quota exhausted"))
	}
	if m.permanentError != nil {
		return nil, m.permanentError
	}

	distance := m.distanceKm
	if distance == 0 {
		distance = 42.5
	}
	duration := m.durationSeconds
	if duration == 0 {
		duration = 3600
	}

	results := make([]providers.MatrixResult, 0, len(dests))
	for _, d := range dests {
		if msg, bad := m.perDestFailure[d.ID]; bad {
			results = append(results, providers.MatrixResult{DestinationID: d.ID, OK: false, Message: msg})
			continue
		}
		results = append(results, providers.MatrixResult{
			DestinationID:   d.ID,
			DistanceKm:      distance,
			DurationSeconds: duration,
			OK:              true,
		})
	}

	return results, nil
}

// ---- helpers ----

func testOrchestrator(store Store, geo Geocoder, matrix MatrixProvider) *Orchestrator {
	return New(&Config{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:       store,
		Geocoder:    geo,
		Matrix:      matrix,
		Origin:      providers.Coordinates{Latitude: -23.5, Longitude: -46.6},
		BackoffBase: time.Millisecond,
	})
}

func ptr(f float64) *float64 { return &f }

func destWithCoords(id string) domain.Destination {
	return domain.Destination{DestinationID: id, Name: id, Latitude: ptr(1), Longitude: ptr(2)}
}

func destWithoutCoords(id string) domain.Destination {
	return domain.Destination{DestinationID: id, Name: id, Address: id + " street"}
}

// ---- tests ----

func TestRunHappyPath(t *testing.T) {
	store := newFakeStore(t, string(domain.ModeFillEmpty),
		destWithoutCoords("d1"), destWithoutCoords("d2"), destWithoutCoords("d3"))
	geo := &fakeGeocoder{}
	matrix := &fakeMatrix{}

	o := testOrchestrator(store, geo, matrix)
	require.NoError(t, o.Run(context.Background(), "job-1"))

	assert.Equal(t, domain.JobStatusCompleted, store.job.Status)
	assert.Equal(t, 3, store.job.ProcessedDestinations)
	assert.Equal(t, 3, store.job.GeocodedDestinations)
	assert.Equal(t, 0, store.job.FailedDestinations)
	assert.Empty(t, store.ledger)

	for _, id := range []string{"d1", "d2", "d3"} {
		assert.Equal(t, domain.DistanceSourceMatrix, store.dests[id].source)
		require.NotNil(t, store.dests[id].distanceKm)
	}
}

func TestRunPartialGeocodeFailure(t *testing.T) {
	store := newFakeStore(t, string(domain.ModeFillEmpty),
		destWithoutCoords("good"), destWithoutCoords("bad"))
	geo := &fakeGeocoder{script: map[string][]geocodeReply{
		"bad street": {{err: errors.New("no geocode results")}},
	}}
	matrix := &fakeMatrix{}

	o := testOrchestrator(store, geo, matrix)
	require.NoError(t, o.Run(context.Background(), "job-1"))

	assert.Equal(t, domain.JobStatusCompleted, store.job.Status)
	assert.Equal(t, 2, store.job.ProcessedDestinations)
	assert.Equal(t, 1, store.job.FailedDestinations)
	assert.Equal(t, 1, store.job.GeocodedDestinations)

	require.Len(t, store.ledger, 1)
	assert.Equal(t, domain.ReasonGeocodingFailed, store.ledger[0].Reason)
	assert.Equal(t, "bad", store.ledger[0].DestinationID)

	// The failed destination never reaches the matrix provider
	assert.Equal(t, []string{"good"}, matrix.calledIDs)
	assert.Nil(t, store.dests["bad"].dest.Latitude)
}

func TestGeocodeRetriesTemporaryFailures(t *testing.T) {
	t.Run("recovers within the attempt ceiling", func(t *testing.T) {
		store := newFakeStore(t, string(domain.ModeFillEmpty), destWithoutCoords("flaky"))
		geo := &fakeGeocoder{script: map[string][]geocodeReply{
			"flaky street": {
				{err: domain.NewTemporaryError(errors.New("rate limited"))},
				{err: domain.NewTemporaryError(errors.New("rate limited"))},
				{coords: providers.Coordinates{Latitude: 5, Longitude: 6}},
			},
		}}

		o := testOrchestrator(store, geo, &fakeMatrix{})
		require.NoError(t, o.Run(context.Background(), "job-1"))

		assert.Equal(t, 3, geo.calls)
		assert.Empty(t, store.ledger)
		assert.Equal(t, domain.JobStatusCompleted, store.job.Status)
		assert.Equal(t, 0, store.job.FailedDestinations)
	})

	t.Run("reclassified permanent after the ceiling", func(t *testing.T) {
		store := newFakeStore(t, string(domain.ModeFillEmpty), destWithoutCoords("down"))
		geo := &fakeGeocoder{script: map[string][]geocodeReply{
			"down street": {
				{err: domain.NewTemporaryError(errors.New("timeout"))},
				{err: domain.NewTemporaryError(errors.New("timeout"))},
				{err: domain.NewTemporaryError(errors.New("timeout"))},
			},
		}}

		o := testOrchestrator(store, geo, &fakeMatrix{})
		require.NoError(t, o.Run(context.Background(), "job-1"))

		assert.Equal(t, 3, geo.calls)
		require.Len(t, store.ledger, 1)
		assert.Equal(t, domain.ReasonGeocodingFailed, store.ledger[0].Reason)
		assert.True(t, store.ledger[0].IsTemporary)
		assert.Equal(t, 3, store.ledger[0].RetryAttempts)
		assert.Equal(t, 1, store.job.FailedDestinations)
		assert.Equal(t, domain.JobStatusCompleted, store.job.Status)
	})
}

func TestMatrixBatchCeiling(t *testing.T) {
	tests := []struct {
		total     int
		wantCalls []int
	}{
		{total: 0, wantCalls: nil},
		{total: 1, wantCalls: []int{1}},
		{total: 100, wantCalls: []int{100}},
		{total: 101, wantCalls: []int{100, 1}},
		{total: 250, wantCalls: []int{100, 100, 50}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d destinations", tt.total), func(t *testing.T) {
			dests := make([]domain.Destination, 0, tt.total)
			for i := 0; i < tt.total; i++ {
				dests = append(dests, destWithCoords(fmt.Sprintf("d%03d", i)))
			}

			store := newFakeStore(t, string(domain.ModeOverwrite), dests...)
			matrix := &fakeMatrix{}

			o := testOrchestrator(store, &fakeGeocoder{}, matrix)
			require.NoError(t, o.Run(context.Background(), "job-1"))

			assert.Equal(t, tt.wantCalls, matrix.callSizes)
			assert.Equal(t, domain.JobStatusCompleted, store.job.Status)
			assert.Equal(t, tt.total, store.job.ProcessedDestinations)
		})
	}
}

func TestTravelTimeFactor(t *testing.T) {
	// A one-hour provider duration must be written as exactly 1.25 hours
	store := newFakeStore(t, string(domain.ModeOverwrite), destWithCoords("d1"))
	matrix := &fakeMatrix{distanceKm: 150, durationSeconds: 3600}

	o := testOrchestrator(store, &fakeGeocoder{}, matrix)
	require.NoError(t, o.Run(context.Background(), "job-1"))

	require.NotNil(t, store.dests["d1"].travelHours)
	assert.Equal(t, 1.25, *store.dests["d1"].travelHours)
	assert.Equal(t, 150.0, *store.dests["d1"].distanceKm)
}

func TestMatrixDestinationLevelFailure(t *testing.T) {
	store := newFakeStore(t, string(domain.ModeOverwrite),
		destWithCoords("ok1"), destWithCoords("bad"), destWithCoords("ok2"))
	matrix := &fakeMatrix{perDestFailure: map[string]string{"bad": "no route found"}}

	o := testOrchestrator(store, &fakeGeocoder{}, matrix)
	require.NoError(t, o.Run(context.Background(), "job-1"))

	assert.Equal(t, domain.JobStatusCompleted, store.job.Status)
	assert.Equal(t, 3, store.job.ProcessedDestinations)
	assert.Equal(t, 1, store.job.FailedDestinations)

	require.Len(t, store.ledger, 1)
	assert.Equal(t, domain.ReasonMatrixAPIError, store.ledger[0].Reason)
	assert.False(t, store.ledger[0].IsTemporary)
	assert.Equal(t, "no route found", store.ledger[0].Detail)
	assert.Empty(t, store.dests["bad"].source)
}

func TestMatrixWholeBatchFailure(t *testing.T) {
	t.Run("temporary failure retried then recovered", func(t *testing.T) {
		store := newFakeStore(t, string(domain.ModeOverwrite),
			destWithCoords("d1"), destWithCoords("d2"))
		matrix := &fakeMatrix{failWholeCalls: 2}

		o := testOrchestrator(store, &fakeGeocoder{}, matrix)
		require.NoError(t, o.Run(context.Background(), "job-1"))

		assert.Len(t, matrix.callSizes, 3)
		assert.Empty(t, store.ledger)
		assert.Equal(t, domain.JobStatusCompleted, store.job.Status)
	})

	t.Run("exhausted retries fall back to per-destination errors", func(t *testing.T) {
		store := newFakeStore(t, string(domain.ModeOverwrite),
			destWithCoords("d1"), destWithCoords("d2"))
		matrix := &fakeMatrix{failWholeCalls: 3}

		o := testOrchestrator(store, &fakeGeocoder{}, matrix)
		require.NoError(t, o.Run(context.Background(), "job-1"))

		assert.Equal(t, domain.JobStatusCompleted, store.job.Status)
		assert.Equal(t, 2, store.job.ProcessedDestinations)
		assert.Equal(t, 2, store.job.FailedDestinations)

		require.Len(t, store.ledger, 2)
		for _, entry := range store.ledger {
			assert.Equal(t, domain.ReasonMatrixAPIError, entry.Reason)
			assert.True(t, entry.IsTemporary)
			assert.Equal(t, 3, entry.RetryAttempts)
		}
	})
}

func TestMatrixMissingCoordinatesDefensive(t *testing.T) {
	// A destination without coordinates that slips past phase sequencing is
	// written off without ever reaching the provider
	noCoords := domain.Destination{DestinationID: "orphan", Name: "orphan"}
	store := newFakeStore(t, string(domain.ModeOverwrite), destWithCoords("d1"), noCoords)
	store.states["orphan"] = domain.ItemStateGeocoded
	matrix := &fakeMatrix{}

	o := testOrchestrator(store, &fakeGeocoder{}, matrix)
	require.NoError(t, o.Run(context.Background(), "job-1"))

	assert.NotContains(t, matrix.calledIDs, "orphan")
	require.Len(t, store.ledger, 1)
	assert.Equal(t, domain.ReasonMissingCoordinates, store.ledger[0].Reason)
	assert.Equal(t, 2, store.job.ProcessedDestinations)
	assert.Equal(t, 1, store.job.FailedDestinations)
}

func TestCancellationBetweenBatches(t *testing.T) {
	dests := make([]domain.Destination, 0, 250)
	for i := 0; i < 250; i++ {
		dests = append(dests, destWithCoords(fmt.Sprintf("d%03d", i)))
	}

	store := newFakeStore(t, string(domain.ModeOverwrite), dests...)
	store.cancelAfterApplies = 1 // cancel lands while the first batch is in flight
	matrix := &fakeMatrix{}

	o := testOrchestrator(store, &fakeGeocoder{}, matrix)
	require.NoError(t, o.Run(context.Background(), "job-1"))

	// The in-flight batch finished and kept its writes; nothing further ran
	assert.Equal(t, domain.JobStatusCancelled, store.job.Status)
	assert.Equal(t, []int{100}, matrix.callSizes)
	assert.Equal(t, 100, store.job.ProcessedDestinations)
	assert.Equal(t, domain.DistanceSourceMatrix, store.dests["d099"].source)
	assert.Empty(t, store.dests["d100"].source)
}

func TestResumeSkipsProcessedDestinations(t *testing.T) {
	store := newFakeStore(t, string(domain.ModeOverwrite),
		destWithCoords("done1"), destWithCoords("done2"),
		destWithCoords("pend1"), destWithCoords("pend2"))

	// Simulate a stalled run that already resolved two destinations
	store.job.Status = domain.JobStatusRunning
	store.job.Phase = domain.PhaseMatrix
	store.job.ProcessedDestinations = 2
	store.job.StartedAt = sql.NullTime{Time: time.Now().Add(-10 * time.Minute), Valid: true}
	store.states["done1"] = domain.ItemStateDone
	store.states["done2"] = domain.ItemStateDone

	matrix := &fakeMatrix{}
	o := testOrchestrator(store, &fakeGeocoder{}, matrix)
	require.NoError(t, o.Run(context.Background(), "job-1"))

	assert.ElementsMatch(t, []string{"pend1", "pend2"}, matrix.calledIDs)
	assert.Equal(t, domain.JobStatusCompleted, store.job.Status)
	assert.Equal(t, 4, store.job.ProcessedDestinations)
}

func TestResumeOnHealthyJobIsIdempotent(t *testing.T) {
	store := newFakeStore(t, string(domain.ModeOverwrite), destWithCoords("d1"))
	store.job.Status = domain.JobStatusRunning
	store.job.ProcessedDestinations = 1
	store.states["d1"] = domain.ItemStateDone

	geo := &fakeGeocoder{}
	matrix := &fakeMatrix{}
	o := testOrchestrator(store, geo, matrix)
	require.NoError(t, o.Run(context.Background(), "job-1"))

	// No duplicate provider calls, no counter drift
	assert.Equal(t, 0, geo.calls)
	assert.Empty(t, matrix.callSizes)
	assert.Equal(t, 1, store.job.ProcessedDestinations)
	assert.Equal(t, domain.JobStatusCompleted, store.job.Status)
}

func TestRunIgnoresTerminalJob(t *testing.T) {
	store := newFakeStore(t, string(domain.ModeOverwrite), destWithCoords("d1"))
	store.job.Status = domain.JobStatusCompleted

	matrix := &fakeMatrix{}
	o := testOrchestrator(store, &fakeGeocoder{}, matrix)
	require.NoError(t, o.Run(context.Background(), "job-1"))

	assert.Empty(t, matrix.callSizes)
	assert.Equal(t, domain.JobStatusCompleted, store.job.Status)
}

func TestChunkDestinations(t *testing.T) {
	mk := func(n int) []domain.Destination {
		out := make([]domain.Destination, n)
		for i := range out {
			out[i].DestinationID = fmt.Sprintf("d%d", i)
		}
		return out
	}

	assert.Nil(t, chunkDestinations(nil, 10))
	assert.Nil(t, chunkDestinations(mk(3), 0))

	batches := chunkDestinations(mk(7), 3)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 3)
	assert.Len(t, batches[1], 3)
	assert.Len(t, batches[2], 1)

	batches = chunkDestinations(mk(4), 4)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 4)
}
