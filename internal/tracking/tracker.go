// Package tracking runs one loop per actively tracked service: it ingests
// GPS samples, evaluates off-route and stagnation signals, and keeps the
// last-known-location snapshot current. Loops are owned here; state
// transitions stay with the lifecycle manager.
package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/service-verification/internal/geo"
	"github.com/example/service-verification/internal/models"
	"github.com/example/service-verification/internal/observability"
	"github.com/example/service-verification/internal/routing"
	"github.com/example/service-verification/internal/storage"
)

// Alerter raises deduplicated alerts; raised=false means one of that type
// is already open.
type Alerter interface {
	Raise(serviceID string, t models.AlertType, description string, loc *models.Coord) (models.Alert, bool)
}

// Publisher pushes accepted samples onto the location pipeline.
type Publisher interface {
	PublishSample(s models.LocationSample) error
}

// SnapshotCache mirrors the last-known sample for cross-process readers.
type SnapshotCache interface {
	Set(ctx context.Context, s models.LocationSample) error
}

type Config struct {
	OffRouteThresholdM   float64       // default 50
	StagnationWindow     int           // default 3 samples
	StagnationThresholdM float64       // default 5
	DefaultSpeedMps      float64       // ETA fallback when speed absent/zero
	WakeInterval         time.Duration // periodic loop wake, default 30s
	RouteRecalcTimeout   time.Duration // bound on navigation collaborator calls
	DelayGrace           time.Duration // slack past scheduled times before alerts
	RecentWindow         int           // in-memory sample window
}

func (c *Config) applyDefaults() {
	if c.OffRouteThresholdM <= 0 {
		c.OffRouteThresholdM = 50
	}
	if c.StagnationWindow <= 0 {
		c.StagnationWindow = 3
	}
	if c.StagnationThresholdM <= 0 {
		c.StagnationThresholdM = 5
	}
	if c.DefaultSpeedMps <= 0 {
		c.DefaultSpeedMps = 8.0 // ~28.8 km/h city driving
	}
	if c.WakeInterval <= 0 {
		c.WakeInterval = 30 * time.Second
	}
	if c.RouteRecalcTimeout <= 0 {
		c.RouteRecalcTimeout = 3 * time.Second
	}
	if c.DelayGrace <= 0 {
		c.DelayGrace = 10 * time.Minute
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = 16
	}
}

// StatusFunc reports the current lifecycle status of a service. Injected by
// the manager so the periodic wake can judge schedule slippage without a
// package cycle.
type StatusFunc func(serviceID string) (models.ServiceStatus, bool)

type Engine struct {
	Router    routing.Router
	Alerter   Alerter
	Samples   storage.SampleStore
	Publisher Publisher     // optional
	Cache     SnapshotCache // optional
	Status    StatusFunc
	Logger    *slog.Logger
	Cfg       Config

	mu    sync.Mutex
	loops map[string]*loop
}

// loop is the per-service tracking state. Only its owning goroutine and
// synchronous calls serialized by mu touch it.
type loop struct {
	serviceID        string
	scheduledPickup  time.Time
	scheduledDropoff time.Time
	dest             models.Coord // navigation target of this leg

	mu            sync.Mutex
	route         models.Route
	plannedLen    float64
	recent        []models.LocationSample
	last          *models.LocationSample
	traveledM     float64
	etaSeconds    float64
	lastTimestamp time.Time

	cancel chan struct{}
	once   sync.Once
}

func NewEngine(router routing.Router, alerter Alerter, samples storage.SampleStore, logger *slog.Logger, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		Router:  router,
		Alerter: alerter,
		Samples: samples,
		Logger:  logger,
		Cfg:     cfg,
		loops:   make(map[string]*loop),
	}
}

// Start begins tracking a service against the given planned route. Exactly
// one loop runs per service id; starting an already-tracked service is a
// no-op. The leg's navigation target follows the phase: driver-approach
// loops aim at the pickup point, transit loops at the drop-off.
func (e *Engine) Start(svc *models.Service, route models.Route) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.loops[svc.ID]; ok {
		return
	}
	dest := svc.DropoffLoc
	switch svc.Status {
	case models.StatusScheduled, models.StatusDriverAssigned, models.StatusDriverEnRoute, models.StatusDriverArrived:
		dest = svc.PickupLoc
	}
	l := &loop{
		serviceID:        svc.ID,
		scheduledPickup:  svc.ScheduledPickup,
		scheduledDropoff: svc.ScheduledDropoff,
		dest:             dest,
		route:            route,
		plannedLen:       geo.RouteLength(route.Points),
		cancel:           make(chan struct{}),
	}
	e.loops[svc.ID] = l
	observability.TrackingLoops.Inc()
	go e.run(l)
	e.Logger.Info("tracking started", "service_id", svc.ID, "route_points", len(route.Points))
}

// Stop halts the service's loop. Idempotent; samples arriving after Stop
// returns are rejected.
func (e *Engine) Stop(serviceID string) {
	e.mu.Lock()
	l, ok := e.loops[serviceID]
	if ok {
		delete(e.loops, serviceID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	l.once.Do(func() { close(l.cancel) })
	observability.TrackingLoops.Dec()
	e.Logger.Info("tracking stopped", "service_id", serviceID)
}

// Active reports whether a loop is running for the service.
func (e *Engine) Active(serviceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.loops[serviceID]
	return ok
}

func (e *Engine) lookup(serviceID string) *loop {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loops[serviceID]
}

// run is the periodic wake. Sample processing happens synchronously in
// Process; the timer only watches schedule slippage so one iteration
// failing never kills tracking.
func (e *Engine) run(l *loop) {
	ticker := time.NewTicker(e.Cfg.WakeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.cancel:
			return
		case <-ticker.C:
			e.tick(l)
		}
	}
}

func (e *Engine) tick(l *loop) {
	defer func() {
		if rec := recover(); rec != nil {
			e.Logger.Error("tracking tick panic", "service_id", l.serviceID, "error", rec)
		}
	}()
	if e.Status == nil {
		return
	}
	status, ok := e.Status(l.serviceID)
	if !ok || status.Terminal() {
		return
	}
	now := time.Now()
	var loc *models.Coord
	l.mu.Lock()
	if l.last != nil {
		c := l.last.Loc
		loc = &c
	}
	l.mu.Unlock()

	switch status {
	case models.StatusDriverEnRoute, models.StatusDriverArrived:
		if now.After(l.scheduledPickup.Add(e.Cfg.DelayGrace)) {
			e.Alerter.Raise(l.serviceID, models.AlertNoShowRisk,
				fmt.Sprintf("pickup not verified %s past scheduled time", now.Sub(l.scheduledPickup).Round(time.Minute)), loc)
		}
	case models.StatusPassengerOnboard, models.StatusInTransit, models.StatusArrivedDestination:
		if now.After(l.scheduledDropoff.Add(e.Cfg.DelayGrace)) {
			e.Alerter.Raise(l.serviceID, models.AlertServiceDelayed,
				fmt.Sprintf("still in progress %s past scheduled arrival", now.Sub(l.scheduledDropoff).Round(time.Minute)), loc)
		}
	}
}

// Process handles one sample for a tracked service: history, persistence,
// off-route and stagnation checks, ETA. status is the service's lifecycle
// state at the time of the call; the caller serializes Process per service.
func (e *Engine) Process(serviceID string, status models.ServiceStatus, sample models.LocationSample) (models.UpdateOutcome, error) {
	if err := validateSample(sample); err != nil {
		observability.SamplesRejected.Inc()
		return models.UpdateOutcome{}, err
	}

	l := e.lookup(serviceID)
	if l == nil {
		return models.UpdateOutcome{}, ErrNotTracked
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	outcome := models.UpdateOutcome{CurrentStage: stageFor(status), Status: status}

	// duplicate or out-of-order by timestamp: persisted, but neither
	// re-checked nor folded into the travel history
	stale := !l.lastTimestamp.IsZero() && !sample.CapturedAt.After(l.lastTimestamp)

	e.record(sample)
	observability.SamplesProcessed.Inc()

	if stale {
		outcome.ETASeconds = l.etaSeconds
		return outcome, nil
	}

	if l.last != nil {
		l.traveledM += geo.Distance(l.last.Loc, sample.Loc)
	}
	l.recent = append(l.recent, sample)
	if len(l.recent) > e.Cfg.RecentWindow {
		l.recent = l.recent[len(l.recent)-e.Cfg.RecentWindow:]
	}
	l.last = &sample
	l.lastTimestamp = sample.CapturedAt

	// off-route: min point-to-segment distance over the current route leg
	seg := -1
	if len(l.route.Points) >= 2 {
		var minDist float64
		minDist, seg = geo.MinDistanceToRoute(sample.Loc, l.route.Points)
		if minDist > e.Cfg.OffRouteThresholdM {
			alert, raised := e.Alerter.Raise(serviceID, models.AlertWrongRoute,
				fmt.Sprintf("%.0fm off planned route, max %.0fm", minDist, e.Cfg.OffRouteThresholdM), &sample.Loc)
			if raised {
				outcome.IssuesDetected = append(outcome.IssuesDetected, alert)
				e.recalcRoute(l, sample.Loc)
				seg = -1 // remaining distance against the fresh route
			}
		}
	}

	if status == models.StatusDriverEnRoute || status == models.StatusInTransit {
		if alert, ok := e.checkStagnation(l, serviceID, sample); ok {
			outcome.IssuesDetected = append(outcome.IssuesDetected, alert)
		}
	}

	l.etaSeconds = e.estimateETA(l, sample, seg)
	outcome.ETASeconds = l.etaSeconds
	return outcome, nil
}

// record persists and fans out one sample; failures here are logged and do
// not fail the update.
func (e *Engine) record(sample models.LocationSample) {
	if err := e.Samples.AppendSample(sample); err != nil {
		e.Logger.Error("sample append failed", "service_id", sample.ServiceID, "error", err)
	}
	if e.Publisher != nil {
		if err := e.Publisher.PublishSample(sample); err != nil {
			e.Logger.Warn("sample publish failed", "service_id", sample.ServiceID, "error", err)
		}
	}
	if e.Cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := e.Cache.Set(ctx, sample); err != nil {
			e.Logger.Warn("last-known cache write failed", "service_id", sample.ServiceID, "error", err)
		}
	}
}

// recalcRoute re-derives the remaining polyline from the current position
// to the leg's target. Bounded by a timeout; on failure the previous route
// stays in force.
func (e *Engine) recalcRoute(l *loop, from models.Coord) {
	ctx, cancel := context.WithTimeout(context.Background(), e.Cfg.RouteRecalcTimeout)
	defer cancel()
	route, err := e.Router.GetRoute(ctx, from, l.dest)
	if err != nil {
		e.Logger.Warn("route recalculation failed, keeping previous route", "service_id", l.serviceID, "error", err)
		return
	}
	l.route = route
	observability.RouteRecalcTotal.Inc()
	e.Logger.Info("route recalculated", "service_id", l.serviceID, "route_points", len(route.Points))
}

func (e *Engine) checkStagnation(l *loop, serviceID string, sample models.LocationSample) (models.Alert, bool) {
	w := e.Cfg.StagnationWindow
	if len(l.recent) < w {
		return models.Alert{}, false
	}
	window := l.recent[len(l.recent)-w:]
	var sum float64
	var pairs int
	for i := 0; i < len(window); i++ {
		for j := i + 1; j < len(window); j++ {
			sum += geo.Distance(window[i].Loc, window[j].Loc)
			pairs++
		}
	}
	if pairs == 0 || sum/float64(pairs) >= e.Cfg.StagnationThresholdM {
		return models.Alert{}, false
	}
	return e.Alerter.Raise(serviceID, models.AlertDriverNotMoving,
		fmt.Sprintf("average movement under %.0fm across last %d samples", e.Cfg.StagnationThresholdM, w), &sample.Loc)
}

func (e *Engine) estimateETA(l *loop, sample models.LocationSample, seg int) float64 {
	var remaining float64
	if len(l.route.Points) >= 2 {
		if seg < 0 {
			_, seg = geo.MinDistanceToRoute(sample.Loc, l.route.Points)
		}
		remaining = geo.RemainingRouteLength(sample.Loc, l.route.Points, seg)
	} else {
		remaining = geo.Distance(sample.Loc, l.dest)
	}
	speed := e.Cfg.DefaultSpeedMps
	if sample.SpeedMps != nil && *sample.SpeedMps > 0 {
		speed = *sample.SpeedMps
	}
	return remaining / speed
}

// LastKnown returns a consistent snapshot of the most recent sample and ETA.
func (e *Engine) LastKnown(serviceID string) (*models.LocationSample, float64, bool) {
	l := e.lookup(serviceID)
	if l == nil {
		return nil, 0, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return nil, 0, false
	}
	s := *l.last
	return &s, l.etaSeconds, true
}

// RouteStats returns traveled meters and the planned route length, used for
// the route-efficiency ratio at completion.
func (e *Engine) RouteStats(serviceID string) (traveledM, plannedM float64, ok bool) {
	l := e.lookup(serviceID)
	if l == nil {
		return 0, 0, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.traveledM, l.plannedLen, true
}

func stageFor(status models.ServiceStatus) string {
	switch status {
	case models.StatusScheduled, models.StatusDriverAssigned, models.StatusDriverEnRoute, models.StatusDriverArrived:
		return string(models.StagePickup)
	default:
		return string(models.StageDropoff)
	}
}
