package tracking

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/service-verification/internal/alerting"
	"github.com/example/service-verification/internal/models"
	"github.com/example/service-verification/internal/storage"
)

type fakeRouter struct {
	calls int
	dests []models.Coord
	route models.Route
	err   error
}

func (f *fakeRouter) GetRoute(ctx context.Context, origin, destination models.Coord) (models.Route, error) {
	f.calls++
	f.dests = append(f.dests, destination)
	if f.err != nil {
		return models.Route{}, f.err
	}
	if len(f.route.Points) > 0 {
		return f.route, nil
	}
	return models.Route{Points: []models.Coord{origin, destination}}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngine(t *testing.T, router *fakeRouter) (*Engine, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	alerts := alerting.New(store, nil, discardLogger())
	e := NewEngine(router, alerts, store, discardLogger(), Config{
		WakeInterval: time.Hour, // keep the timer out of unit tests
	})
	return e, store
}

func testServiceRecord() *models.Service {
	return &models.Service{
		ID:               "svc-1",
		PickupLoc:        models.Coord{Lat: 40.0, Lon: -3.0},
		DropoffLoc:       models.Coord{Lat: 40.0, Lon: -3.1},
		ScheduledPickup:  time.Now().Add(5 * time.Minute),
		ScheduledDropoff: time.Now().Add(35 * time.Minute),
		Status:           models.StatusPassengerOnboard,
	}
}

func sampleAt(lat, lon float64, at time.Time) models.LocationSample {
	return models.LocationSample{
		ServiceID:  "svc-1",
		Loc:        models.Coord{Lat: lat, Lon: lon},
		CapturedAt: at,
	}
}

func TestStartIsExclusivePerService(t *testing.T) {
	router := &fakeRouter{}
	e, _ := testEngine(t, router)
	svc := testServiceRecord()
	route := models.Route{Points: []models.Coord{svc.PickupLoc, svc.DropoffLoc}}

	e.Start(svc, route)
	e.Start(svc, route) // second start is a no-op
	assert.True(t, e.Active(svc.ID))

	e.Stop(svc.ID)
	e.Stop(svc.ID) // idempotent
	assert.False(t, e.Active(svc.ID))
}

func TestProcessAfterStopRejected(t *testing.T) {
	router := &fakeRouter{}
	e, _ := testEngine(t, router)
	svc := testServiceRecord()
	e.Start(svc, models.Route{Points: []models.Coord{svc.PickupLoc, svc.DropoffLoc}})
	e.Stop(svc.ID)

	_, err := e.Process(svc.ID, models.StatusInTransit, sampleAt(40.0, -3.01, time.Now()))
	assert.ErrorIs(t, err, ErrNotTracked)
}

func TestMalformedSampleDropped(t *testing.T) {
	router := &fakeRouter{}
	e, _ := testEngine(t, router)
	svc := testServiceRecord()
	e.Start(svc, models.Route{Points: []models.Coord{svc.PickupLoc, svc.DropoffLoc}})

	var se *SampleError
	_, err := e.Process(svc.ID, models.StatusInTransit, sampleAt(123.0, -3.0, time.Now()))
	require.ErrorAs(t, err, &se)

	_, err = e.Process(svc.ID, models.StatusInTransit, models.LocationSample{ServiceID: "svc-1", Loc: models.Coord{Lat: 40, Lon: -3}})
	require.ErrorAs(t, err, &se)
}

func TestOffRouteRaisesAlertAndRecalculates(t *testing.T) {
	router := &fakeRouter{}
	e, store := testEngine(t, router)
	svc := testServiceRecord()
	e.Start(svc, models.Route{Points: []models.Coord{svc.PickupLoc, svc.DropoffLoc}})

	// ~2km north of the planned east-west route
	out, err := e.Process(svc.ID, models.StatusInTransit, sampleAt(40.018, -3.05, time.Now()))
	require.NoError(t, err)
	require.Len(t, out.IssuesDetected, 1)
	assert.Equal(t, models.AlertWrongRoute, out.IssuesDetected[0].Type)
	assert.Equal(t, models.SeverityHigh, out.IssuesDetected[0].Severity)
	assert.Equal(t, 1, router.calls, "first detection recalculates the route")

	// still off the recalculated route? the new route passes through the
	// current position, so the next nearby sample is on-route
	out, err = e.Process(svc.ID, models.StatusInTransit, sampleAt(40.018, -3.0502, time.Now().Add(10*time.Second)))
	require.NoError(t, err)
	assert.Empty(t, out.IssuesDetected)

	open, err := store.ListOpenAlerts(svc.ID)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestOffRouteKeepsOldRouteWhenRecalcFails(t *testing.T) {
	router := &fakeRouter{err: context.DeadlineExceeded}
	e, _ := testEngine(t, router)
	svc := testServiceRecord()
	e.Start(svc, models.Route{Points: []models.Coord{svc.PickupLoc, svc.DropoffLoc}})

	out, err := e.Process(svc.ID, models.StatusInTransit, sampleAt(40.018, -3.05, time.Now()))
	require.NoError(t, err)
	assert.Len(t, out.IssuesDetected, 1)
	assert.Equal(t, 1, router.calls)
	// the loop carries on with the previous route rather than dying
	assert.True(t, e.Active(svc.ID))
}

func TestApproachLoopRecalculatesTowardPickup(t *testing.T) {
	router := &fakeRouter{}
	e, _ := testEngine(t, router)
	svc := testServiceRecord()
	svc.Status = models.StatusDriverEnRoute

	// driver approaching the pickup point from the north
	driverLoc := models.Coord{Lat: 40.02, Lon: -3.0}
	e.Start(svc, models.Route{Points: []models.Coord{driverLoc, svc.PickupLoc}})

	// ~4km east of the approach leg
	out, err := e.Process(svc.ID, models.StatusDriverEnRoute, sampleAt(40.01, -2.95, time.Now()))
	require.NoError(t, err)
	require.Len(t, out.IssuesDetected, 1)
	require.Equal(t, 1, router.calls)
	assert.Equal(t, svc.PickupLoc, router.dests[0], "approach leg recalculates toward the pickup, not the drop-off")
}

func TestTransitLoopRecalculatesTowardDropoff(t *testing.T) {
	router := &fakeRouter{}
	e, _ := testEngine(t, router)
	svc := testServiceRecord()
	e.Start(svc, models.Route{Points: []models.Coord{svc.PickupLoc, svc.DropoffLoc}})

	_, err := e.Process(svc.ID, models.StatusInTransit, sampleAt(40.018, -3.05, time.Now()))
	require.NoError(t, err)
	require.Equal(t, 1, router.calls)
	assert.Equal(t, svc.DropoffLoc, router.dests[0])
}

func TestTickRaisesNoShowRiskOnce(t *testing.T) {
	router := &fakeRouter{}
	e, store := testEngine(t, router)
	e.Status = func(string) (models.ServiceStatus, bool) { return models.StatusDriverEnRoute, true }

	svc := testServiceRecord()
	svc.Status = models.StatusDriverEnRoute
	svc.ScheduledPickup = time.Now().Add(-30 * time.Minute) // well past the 10m grace
	e.Start(svc, models.Route{Points: []models.Coord{svc.PickupLoc, svc.DropoffLoc}})

	l := e.lookup(svc.ID)
	require.NotNil(t, l)
	e.tick(l)

	open, err := store.ListOpenAlerts(svc.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.AlertNoShowRisk, open[0].Type)
	assert.Equal(t, models.SeverityHigh, open[0].Severity)

	// subsequent wakes do not stack the alert
	e.tick(l)
	open, err = store.ListOpenAlerts(svc.ID)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestTickRaisesServiceDelayedPastDropoff(t *testing.T) {
	router := &fakeRouter{}
	e, store := testEngine(t, router)
	e.Status = func(string) (models.ServiceStatus, bool) { return models.StatusInTransit, true }

	svc := testServiceRecord()
	svc.ScheduledPickup = time.Now().Add(-time.Hour)
	svc.ScheduledDropoff = time.Now().Add(-30 * time.Minute)
	e.Start(svc, models.Route{Points: []models.Coord{svc.PickupLoc, svc.DropoffLoc}})

	l := e.lookup(svc.ID)
	require.NotNil(t, l)
	e.tick(l)

	open, err := store.ListOpenAlerts(svc.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.AlertServiceDelayed, open[0].Type)
	assert.Equal(t, models.SeverityMedium, open[0].Severity)
}

func TestTickQuietWithinSchedule(t *testing.T) {
	router := &fakeRouter{}
	e, store := testEngine(t, router)
	e.Status = func(string) (models.ServiceStatus, bool) { return models.StatusInTransit, true }

	svc := testServiceRecord() // schedule still in the future
	e.Start(svc, models.Route{Points: []models.Coord{svc.PickupLoc, svc.DropoffLoc}})

	e.tick(e.lookup(svc.ID))
	open, err := store.ListOpenAlerts(svc.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestStagnationSingleOpenAlert(t *testing.T) {
	router := &fakeRouter{}
	e, store := testEngine(t, router)
	svc := testServiceRecord()
	e.Start(svc, models.Route{Points: []models.Coord{svc.PickupLoc, svc.DropoffLoc}})

	base := time.Now()
	// three samples each under 5m apart while in transit
	for i := 0; i < 3; i++ {
		_, err := e.Process(svc.ID, models.StatusInTransit, sampleAt(40.0, -3.0+float64(i)*0.00001, base.Add(time.Duration(i)*30*time.Second)))
		require.NoError(t, err)
	}
	open, err := store.ListOpenAlerts(svc.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.AlertDriverNotMoving, open[0].Type)
	assert.Equal(t, models.SeverityMedium, open[0].Severity)

	// more stagnant samples do not stack alerts
	for i := 3; i < 6; i++ {
		_, err := e.Process(svc.ID, models.StatusInTransit, sampleAt(40.0, -3.0, base.Add(time.Duration(i)*30*time.Second)))
		require.NoError(t, err)
	}
	open, err = store.ListOpenAlerts(svc.ID)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestStagnationIgnoredOutsideMovementStatuses(t *testing.T) {
	router := &fakeRouter{}
	e, store := testEngine(t, router)
	svc := testServiceRecord()
	e.Start(svc, models.Route{Points: []models.Coord{svc.PickupLoc, svc.DropoffLoc}})

	base := time.Now()
	for i := 0; i < 3; i++ {
		_, err := e.Process(svc.ID, models.StatusDriverArrived, sampleAt(40.0, -3.0, base.Add(time.Duration(i)*30*time.Second)))
		require.NoError(t, err)
	}
	open, err := store.ListOpenAlerts(svc.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestETAFromSpeedAndFallback(t *testing.T) {
	router := &fakeRouter{}
	e, _ := testEngine(t, router)
	svc := testServiceRecord()
	e.Start(svc, models.Route{Points: []models.Coord{svc.PickupLoc, svc.DropoffLoc}})

	speed := 10.0
	s := sampleAt(40.0, -3.02, time.Now())
	s.SpeedMps = &speed
	out, err := e.Process(svc.ID, models.StatusInTransit, s)
	require.NoError(t, err)
	// ~6.8km remaining at 10 m/s
	assert.InDelta(t, 680, out.ETASeconds, 30)

	// absent speed falls back to the configured default (8 m/s)
	s2 := sampleAt(40.0, -3.02, time.Now().Add(30*time.Second))
	out, err = e.Process(svc.ID, models.StatusInTransit, s2)
	require.NoError(t, err)
	assert.InDelta(t, 850, out.ETASeconds, 40)
}

func TestDuplicateTimestampRecordedNotRechecked(t *testing.T) {
	router := &fakeRouter{}
	e, store := testEngine(t, router)
	svc := testServiceRecord()
	e.Start(svc, models.Route{Points: []models.Coord{svc.PickupLoc, svc.DropoffLoc}})

	at := time.Now()
	_, err := e.Process(svc.ID, models.StatusInTransit, sampleAt(40.0, -3.01, at))
	require.NoError(t, err)

	// same timestamp, way off route: accepted into history, no new checks
	out, err := e.Process(svc.ID, models.StatusInTransit, sampleAt(40.05, -3.01, at))
	require.NoError(t, err)
	assert.Empty(t, out.IssuesDetected)

	samples, err := store.ListSamples(svc.ID)
	require.NoError(t, err)
	assert.Len(t, samples, 2)
}

func TestStaleSampleDoesNotAccrueTravel(t *testing.T) {
	router := &fakeRouter{}
	e, store := testEngine(t, router)
	svc := testServiceRecord()
	e.Start(svc, models.Route{Points: []models.Coord{svc.PickupLoc, svc.DropoffLoc}})

	base := time.Now()
	_, err := e.Process(svc.ID, models.StatusInTransit, sampleAt(40.0, -3.0, base))
	require.NoError(t, err)
	_, err = e.Process(svc.ID, models.StatusInTransit, sampleAt(40.0, -3.02, base.Add(time.Minute)))
	require.NoError(t, err)

	traveled, _, ok := e.RouteStats(svc.ID)
	require.True(t, ok)

	// an out-of-order point from before the last accepted sample
	_, err = e.Process(svc.ID, models.StatusInTransit, sampleAt(40.0, -3.01, base.Add(30*time.Second)))
	require.NoError(t, err)

	after, _, ok := e.RouteStats(svc.ID)
	require.True(t, ok)
	assert.Equal(t, traveled, after, "late arrivals must not inflate traveled distance")

	last, _, ok := e.LastKnown(svc.ID)
	require.True(t, ok)
	assert.Equal(t, -3.02, last.Loc.Lon, "snapshot stays at the newest accepted sample")

	samples, err := store.ListSamples(svc.ID)
	require.NoError(t, err)
	assert.Len(t, samples, 3, "stale samples are still persisted")
}

func TestLastKnownSnapshot(t *testing.T) {
	router := &fakeRouter{}
	e, _ := testEngine(t, router)
	svc := testServiceRecord()
	e.Start(svc, models.Route{Points: []models.Coord{svc.PickupLoc, svc.DropoffLoc}})

	_, _, ok := e.LastKnown(svc.ID)
	assert.False(t, ok)

	_, err := e.Process(svc.ID, models.StatusInTransit, sampleAt(40.0, -3.04, time.Now()))
	require.NoError(t, err)

	last, eta, ok := e.LastKnown(svc.ID)
	require.True(t, ok)
	assert.Equal(t, -3.04, last.Loc.Lon)
	assert.False(t, math.IsNaN(eta))
}

func TestRouteStatsAccumulateTraveledDistance(t *testing.T) {
	router := &fakeRouter{}
	e, _ := testEngine(t, router)
	svc := testServiceRecord()
	e.Start(svc, models.Route{Points: []models.Coord{svc.PickupLoc, svc.DropoffLoc}})

	base := time.Now()
	_, err := e.Process(svc.ID, models.StatusInTransit, sampleAt(40.0, -3.0, base))
	require.NoError(t, err)
	_, err = e.Process(svc.ID, models.StatusInTransit, sampleAt(40.0, -3.05, base.Add(time.Minute)))
	require.NoError(t, err)
	_, err = e.Process(svc.ID, models.StatusInTransit, sampleAt(40.0, -3.1, base.Add(2*time.Minute)))
	require.NoError(t, err)

	traveled, planned, ok := e.RouteStats(svc.ID)
	require.True(t, ok)
	assert.InDelta(t, planned, traveled, planned*0.01, "straight drive matches the plan")
	assert.Greater(t, planned, 8000.0)
}
