// Package lifecycle owns the per-service state machine. The Manager is the
// single writer of service state; verification and tracking engines are
// orchestrated from here and never mutate a service themselves.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/service-verification/internal/alerting"
	"github.com/example/service-verification/internal/geo"
	"github.com/example/service-verification/internal/models"
	"github.com/example/service-verification/internal/observability"
	"github.com/example/service-verification/internal/payments"
	"github.com/example/service-verification/internal/routing"
	"github.com/example/service-verification/internal/storage"
	"github.com/example/service-verification/internal/tracking"
	"github.com/example/service-verification/internal/verify"
)

var (
	ErrInvalidSchedule        = errors.New("invalid schedule")
	ErrServiceNotFound        = errors.New("service not found")
	ErrOutOfOrderVerification = errors.New("drop-off verification attempted before pickup verified")
	ErrAlreadyVerified        = errors.New("stage already verified")
	ErrTerminalState          = errors.New("service is in a terminal state")
	ErrInvalidTransition      = errors.New("invalid status transition")
)

type Config struct {
	PickupOnTimeWindow  time.Duration // default 10m
	ArrivalOnTimeWindow time.Duration // default 15m
	RouteTimeout        time.Duration // initial route fetch bound
	ArrivalGeofenceM    float64       // dropoff arrival detection radius
	DepositAmount       int64         // 0 disables deposits
	DepositCurrency     string
}

func (c *Config) applyDefaults() {
	if c.PickupOnTimeWindow <= 0 {
		c.PickupOnTimeWindow = 10 * time.Minute
	}
	if c.ArrivalOnTimeWindow <= 0 {
		c.ArrivalOnTimeWindow = 15 * time.Minute
	}
	if c.RouteTimeout <= 0 {
		c.RouteTimeout = 3 * time.Second
	}
	if c.ArrivalGeofenceM <= 0 {
		c.ArrivalGeofenceM = verify.GeofenceRadiusM
	}
	if c.DepositCurrency == "" {
		c.DepositCurrency = "usd"
	}
}

// CreateRequest is the input to CreateService.
type CreateRequest struct {
	TripRef          string        `json:"trip_ref"`
	PassengerID      string        `json:"passenger_id"`
	DriverID         string        `json:"driver_id,omitempty"`
	Vehicle          string        `json:"vehicle,omitempty"`
	PickupLoc        *models.Coord `json:"pickup_loc"`
	DropoffLoc       *models.Coord `json:"dropoff_loc"`
	ScheduledPickup  time.Time     `json:"scheduled_pickup"`
	ScheduledDropoff time.Time     `json:"scheduled_dropoff"`
	CustomerRef      string        `json:"customer_ref,omitempty"` // payments customer
}

type Manager struct {
	store    storage.Store
	verifier *verify.Engine
	tracker  *tracking.Engine
	alerts   *alerting.Service
	router   routing.Router
	deposits payments.Deposits // optional
	logger   *slog.Logger
	cfg      Config

	mu     sync.RWMutex
	states map[string]*serviceState
}

// serviceState is the actor boundary for one service: every mutation holds
// its mutex, so verify/update calls never interleave destructively.
type serviceState struct {
	mu           sync.Mutex
	svc          models.Service
	resumeStatus models.ServiceStatus // forward position while DELAYED
	holdID       string
}

func NewManager(store storage.Store, verifier *verify.Engine, tracker *tracking.Engine, alerts *alerting.Service, router routing.Router, deposits payments.Deposits, logger *slog.Logger, cfg Config) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		store:    store,
		verifier: verifier,
		tracker:  tracker,
		alerts:   alerts,
		router:   router,
		deposits: deposits,
		logger:   logger,
		cfg:      cfg,
		states:   make(map[string]*serviceState),
	}
	tracker.Status = m.statusOf
	return m
}

// forward ordering of the main chain; side branches are handled separately.
var statusOrder = map[models.ServiceStatus]int{
	models.StatusScheduled:          0,
	models.StatusDriverAssigned:     1,
	models.StatusDriverEnRoute:      2,
	models.StatusDriverArrived:      3,
	models.StatusPassengerOnboard:   4,
	models.StatusInTransit:          5,
	models.StatusArrivedDestination: 6,
	models.StatusCompleted:          7,
}

// CreateService validates the schedule, issues credentials and registers
// the service as SCHEDULED.
func (m *Manager) CreateService(req CreateRequest) (*models.Service, error) {
	now := time.Now().UTC()
	if req.PickupLoc == nil || req.DropoffLoc == nil {
		return nil, fmt.Errorf("%w: pickup and drop-off locations are required", ErrInvalidSchedule)
	}
	if req.ScheduledPickup.Before(now) {
		return nil, fmt.Errorf("%w: scheduled pickup %s is in the past", ErrInvalidSchedule, req.ScheduledPickup.Format(time.RFC3339))
	}
	if req.ScheduledDropoff.IsZero() || !req.ScheduledDropoff.After(req.ScheduledPickup) {
		return nil, fmt.Errorf("%w: scheduled drop-off must be after pickup", ErrInvalidSchedule)
	}

	pin, err := verify.NewPIN()
	if err != nil {
		return nil, fmt.Errorf("issue pin: %w", err)
	}
	id := uuid.NewString()
	svc := models.Service{
		ID:                id,
		TripRef:           req.TripRef,
		PassengerID:       req.PassengerID,
		DriverID:          req.DriverID,
		Vehicle:           req.Vehicle,
		PickupLoc:         *req.PickupLoc,
		DropoffLoc:        *req.DropoffLoc,
		ScheduledPickup:   req.ScheduledPickup,
		ScheduledDropoff:  req.ScheduledDropoff,
		Status:            models.StatusScheduled,
		PIN:               pin,
		QRToken:           verify.QRToken(id, pin, now),
		CredentialsIssued: now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.DriverID != "" {
		svc.Status = models.StatusDriverAssigned
	}

	if err := m.store.SaveService(&svc); err != nil {
		return nil, fmt.Errorf("save service: %w", err)
	}

	st := &serviceState{svc: svc}
	if m.deposits != nil && m.cfg.DepositAmount > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		holdID, err := m.deposits.Hold(ctx, m.cfg.DepositAmount, m.cfg.DepositCurrency, req.CustomerRef)
		cancel()
		if err != nil {
			m.logger.Warn("deposit hold failed", "service_id", id, "error", err)
		} else {
			st.holdID = holdID
		}
	}

	m.mu.Lock()
	m.states[id] = st
	m.mu.Unlock()

	observability.ServicesCreated.Inc()
	m.logger.Info("service created", "service_id", id, "trip_ref", req.TripRef, "status", svc.Status)
	out := svc
	return &out, nil
}

// state returns the in-memory actor for a service, hydrating it from the
// store on a miss so in-flight services survive a process restart.
func (m *Manager) state(serviceID string) (*serviceState, error) {
	m.mu.RLock()
	st, ok := m.states[serviceID]
	m.mu.RUnlock()
	if ok {
		return st, nil
	}
	svc, err := m.store.GetService(serviceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrServiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load service: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[serviceID]; ok {
		return st, nil
	}
	st = &serviceState{svc: *svc}
	m.states[serviceID] = st
	return st, nil
}

// statusOf feeds the tracker's periodic wake.
func (m *Manager) statusOf(serviceID string) (models.ServiceStatus, bool) {
	st, err := m.state(serviceID)
	if err != nil {
		return "", false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.svc.Status, true
}

// advance moves the service forward along the chain. A DELAYED service
// re-enters at the point it left.
func (m *Manager) advance(st *serviceState, to models.ServiceStatus) error {
	cur := st.svc.Status
	if cur.Terminal() {
		return ErrTerminalState
	}
	if cur == models.StatusDelayed {
		cur = st.resumeStatus
	}
	if statusOrder[to] <= statusOrder[cur] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st.svc.Status, to)
	}
	st.svc.Status = to
	st.resumeStatus = ""
	return nil
}

// AssignDriver binds a driver and vehicle to a scheduled service.
func (m *Manager) AssignDriver(serviceID, driverID, vehicle string) error {
	st, err := m.state(serviceID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := m.advance(st, models.StatusDriverAssigned); err != nil {
		return err
	}
	st.svc.DriverID = driverID
	st.svc.Vehicle = vehicle
	return m.persist(st)
}

// MarkEnRoute starts driver-approach tracking. When the driver's current
// position is known the approach route is fetched so stagnation and
// deviation are observable before pickup.
func (m *Manager) MarkEnRoute(serviceID string, driverLoc *models.Coord) error {
	st, err := m.state(serviceID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := m.advance(st, models.StatusDriverEnRoute); err != nil {
		return err
	}
	var route models.Route
	if driverLoc != nil {
		route = m.fetchRoute(*driverLoc, st.svc.PickupLoc, serviceID)
	}
	m.tracker.Start(&st.svc, route)
	return m.persist(st)
}

// MarkArrived records the driver at the pickup point.
func (m *Manager) MarkArrived(serviceID string) error {
	st, err := m.state(serviceID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := m.advance(st, models.StatusDriverArrived); err != nil {
		return err
	}
	return m.persist(st)
}

// MarkDelayed parks the service in DELAYED and raises a SERVICE_DELAYED
// alert; the forward position is kept so the chain resumes where it left.
func (m *Manager) MarkDelayed(serviceID, reason string) error {
	st, err := m.state(serviceID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.svc.Status.Terminal() {
		return ErrTerminalState
	}
	if st.svc.Status != models.StatusDelayed {
		st.resumeStatus = st.svc.Status
		st.svc.Status = models.StatusDelayed
	}
	var loc *models.Coord
	if last, _, ok := m.tracker.LastKnown(serviceID); ok {
		loc = &last.Loc
	}
	m.alerts.Raise(serviceID, models.AlertServiceDelayed, reason, loc)
	return m.persist(st)
}

// VerifyPickup evaluates proof for the pickup stage. Success boards the
// passenger and starts transit tracking; failure leaves state unchanged but
// still logs the attempt and its fraud contribution.
func (m *Manager) VerifyPickup(serviceID string, method models.VerificationMethod, proof models.Proof) (models.VerificationResult, error) {
	st, err := m.state(serviceID)
	if err != nil {
		return models.VerificationResult{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.svc.Status.Terminal() {
		return models.VerificationResult{}, ErrTerminalState
	}
	if st.svc.PickupVerified {
		return models.VerificationResult{}, ErrAlreadyVerified
	}

	now := time.Now().UTC()
	res := m.evaluate(st, models.StagePickup, method, proof, now)
	if res.Success {
		st.svc.ActualPickup = &now
		st.svc.PickupVerified = true
		onTime := absDuration(now.Sub(st.svc.ScheduledPickup)) <= m.cfg.PickupOnTimeWindow
		st.svc.PickupOnTime = &onTime
		st.svc.Status = models.StatusPassengerOnboard
		st.resumeStatus = ""
		m.startTransitTracking(st)
	}
	if err := m.persist(st); err != nil {
		m.logger.Error("service persist failed", "service_id", serviceID, "error", err)
	}
	return models.VerificationResult{
		Success:           res.Success,
		Reason:            res.Reason,
		FraudContribution: res.FraudContribution,
		Status:            st.svc.Status,
	}, nil
}

// VerifyDropoff evaluates proof for the drop-off stage. Requires a verified
// pickup; success completes the service, stops tracking and computes the
// route-efficiency ratio.
func (m *Manager) VerifyDropoff(serviceID string, method models.VerificationMethod, proof models.Proof) (models.VerificationResult, error) {
	st, err := m.state(serviceID)
	if err != nil {
		return models.VerificationResult{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.svc.Status.Terminal() {
		return models.VerificationResult{}, ErrTerminalState
	}
	if !st.svc.PickupVerified {
		return models.VerificationResult{}, ErrOutOfOrderVerification
	}

	now := time.Now().UTC()
	res := m.evaluate(st, models.StageDropoff, method, proof, now)
	if res.Success {
		st.svc.ActualDropoff = &now
		st.svc.DropoffVerified = true
		onTime := absDuration(now.Sub(st.svc.ScheduledDropoff)) <= m.cfg.ArrivalOnTimeWindow
		st.svc.ArrivalOnTime = &onTime
		st.svc.Status = models.StatusCompleted
		st.resumeStatus = ""
		// planned over traveled: 1.0 means the driver drove the plan,
		// lower means detours
		if traveled, planned, ok := m.tracker.RouteStats(serviceID); ok && traveled > 0 && planned > 0 {
			st.svc.RouteEfficiency = planned / traveled
		}
		m.tracker.Stop(serviceID)
		m.settleDeposit(st, true)
		m.logger.Info("service completed", "service_id", serviceID,
			"on_time", onTime, "route_efficiency", st.svc.RouteEfficiency, "fraud_score", st.svc.FraudScore)
	}
	if err := m.persist(st); err != nil {
		m.logger.Error("service persist failed", "service_id", serviceID, "error", err)
	}
	return models.VerificationResult{
		Success:           res.Success,
		Reason:            res.Reason,
		FraudContribution: res.FraudContribution,
		Status:            st.svc.Status,
	}, nil
}

// evaluate runs the verification engine, logs the attempt and accumulates
// the fraud score. Caller holds st.mu.
func (m *Manager) evaluate(st *serviceState, stage models.VerificationStage, method models.VerificationMethod, proof models.Proof, now time.Time) verify.Result {
	priorFailed, err := m.store.CountFailedAttempts(st.svc.ID)
	if err != nil {
		m.logger.Warn("failed-attempt count unavailable", "service_id", st.svc.ID, "error", err)
	}
	res := m.verifier.Evaluate(&st.svc, method, stage, proof, now, priorFailed)

	attempt := models.VerificationAttempt{
		ID:                uuid.NewString(),
		ServiceID:         st.svc.ID,
		Method:            method,
		Stage:             stage,
		Success:           res.Success,
		FailureReason:     res.Reason,
		FraudContribution: res.FraudContribution,
		Loc:               proof.Loc,
		AttemptedAt:       now,
	}
	if err := m.store.SaveAttempt(&attempt); err != nil {
		m.logger.Error("attempt log failed", "service_id", st.svc.ID, "error", err)
	}

	result := "failure"
	if res.Success {
		result = "success"
	}
	observability.VerificationsTotal.WithLabelValues(string(method), string(stage), result).Inc()
	observability.FraudContribution.Observe(float64(res.FraudContribution))

	m.applyFraud(st, res.FraudContribution, proof.Loc)
	return res
}

// applyFraud adds the contribution to the cumulative score (monotone, capped
// at 100) and fires the FRAUD_SUSPECTED alert exactly once at the threshold
// crossing. No auto-cancel: fraud handling is the policy layer's call.
func (m *Manager) applyFraud(st *serviceState, contribution int, loc *models.Coord) {
	if contribution <= 0 {
		return
	}
	before := st.svc.FraudScore
	after := before + contribution
	if after > 100 {
		after = 100
	}
	st.svc.FraudScore = after
	if before < verify.FraudAlertThreshold && after >= verify.FraudAlertThreshold {
		m.alerts.Raise(st.svc.ID, models.AlertFraudSuspected,
			fmt.Sprintf("cumulative fraud score reached %d", after), loc)
	}
}

// startTransitTracking fetches the pickup->dropoff route and (re)starts the
// loop for the transit leg. Caller holds st.mu.
func (m *Manager) startTransitTracking(st *serviceState) {
	m.tracker.Stop(st.svc.ID) // drop any driver-approach loop
	route := m.fetchRoute(st.svc.PickupLoc, st.svc.DropoffLoc, st.svc.ID)
	m.tracker.Start(&st.svc, route)
}

func (m *Manager) fetchRoute(origin, destination models.Coord, serviceID string) models.Route {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RouteTimeout)
	defer cancel()
	route, err := m.router.GetRoute(ctx, origin, destination)
	if err != nil {
		m.logger.Warn("route fetch failed, using direct line", "service_id", serviceID, "error", err)
		return models.Route{Points: []models.Coord{origin, destination}}
	}
	return route
}

// UpdateLocation processes one GPS sample through the tracking engine and
// advances transit-phase status (onboard -> in transit -> arrived) from the
// sample itself.
func (m *Manager) UpdateLocation(serviceID string, sample models.LocationSample) (models.UpdateOutcome, error) {
	st, err := m.state(serviceID)
	if err != nil {
		return models.UpdateOutcome{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.svc.Status.Terminal() {
		return models.UpdateOutcome{}, ErrTerminalState
	}

	sample.ServiceID = serviceID
	if sample.Stage == "" {
		if statusOrder[st.svc.Status] >= statusOrder[models.StatusPassengerOnboard] {
			sample.Stage = string(models.StageDropoff)
		} else {
			sample.Stage = string(models.StagePickup)
		}
	}

	outcome, err := m.tracker.Process(serviceID, st.svc.Status, sample)
	if errors.Is(err, tracking.ErrNotTracked) {
		// pre-tracking phases still record history
		if err := m.store.AppendSample(sample); err != nil {
			m.logger.Error("sample append failed", "service_id", serviceID, "error", err)
		}
		observability.SamplesProcessed.Inc()
		outcome = models.UpdateOutcome{CurrentStage: sample.Stage, Status: st.svc.Status}
	} else if err != nil {
		var se *tracking.SampleError
		if errors.As(err, &se) {
			m.logger.Warn("sample dropped", "service_id", serviceID, "reason", se.Reason)
		}
		return models.UpdateOutcome{}, err
	}

	changed := false
	if st.svc.Status == models.StatusPassengerOnboard {
		st.svc.Status = models.StatusInTransit
		changed = true
	}
	if st.svc.Status == models.StatusInTransit &&
		geo.Distance(sample.Loc, st.svc.DropoffLoc) <= m.cfg.ArrivalGeofenceM {
		st.svc.Status = models.StatusArrivedDestination
		changed = true
	}
	if changed {
		if err := m.persist(st); err != nil {
			m.logger.Error("service persist failed", "service_id", serviceID, "error", err)
		}
	}
	outcome.Status = st.svc.Status
	return outcome, nil
}

// Cancel is a terminal transition allowed from any non-terminal state.
func (m *Manager) Cancel(serviceID, reason string) error {
	return m.terminate(serviceID, models.StatusCancelled, reason)
}

// MarkNoShow closes the service as NO_SHOW.
func (m *Manager) MarkNoShow(serviceID string) error {
	return m.terminate(serviceID, models.StatusNoShow, "passenger did not show")
}

func (m *Manager) terminate(serviceID string, to models.ServiceStatus, reason string) error {
	st, err := m.state(serviceID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.svc.Status.Terminal() {
		return ErrTerminalState
	}
	st.svc.Status = to
	st.resumeStatus = ""
	m.tracker.Stop(serviceID)
	m.settleDeposit(st, false)
	m.logger.Info("service terminated", "service_id", serviceID, "status", to, "reason", reason)
	return m.persist(st)
}

// RegenerateCredentials rotates PIN and QR token before pickup. Prior
// credentials stop matching immediately, invalidating unconsumed attempts.
func (m *Manager) RegenerateCredentials(serviceID string) (pin, qrToken string, err error) {
	st, err := m.state(serviceID)
	if err != nil {
		return "", "", err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.svc.Status.Terminal() {
		return "", "", ErrTerminalState
	}
	if st.svc.PickupVerified {
		return "", "", ErrAlreadyVerified
	}
	now := time.Now().UTC()
	newPIN, err := verify.NewPIN()
	if err != nil {
		return "", "", fmt.Errorf("issue pin: %w", err)
	}
	st.svc.PIN = newPIN
	st.svc.QRToken = verify.QRToken(st.svc.ID, newPIN, now)
	st.svc.CredentialsIssued = now
	if err := m.persist(st); err != nil {
		return "", "", err
	}
	m.logger.Info("credentials regenerated", "service_id", serviceID)
	return st.svc.PIN, st.svc.QRToken, nil
}

// GetServiceStatus returns a consistent read-side snapshot.
func (m *Manager) GetServiceStatus(serviceID string) (models.ServiceStatusView, error) {
	st, err := m.state(serviceID)
	if err != nil {
		return models.ServiceStatusView{}, err
	}
	st.mu.Lock()
	svc := st.svc
	st.mu.Unlock()

	view := models.ServiceStatusView{Service: svc}
	if last, eta, ok := m.tracker.LastKnown(serviceID); ok {
		view.LastKnown = last
		view.ETASeconds = eta
	}
	open, err := m.store.ListOpenAlerts(serviceID)
	if err != nil {
		m.logger.Warn("open alerts unavailable", "service_id", serviceID, "error", err)
	}
	if open == nil {
		open = []models.Alert{}
	}
	view.OpenAlerts = open
	return view, nil
}

func (m *Manager) persist(st *serviceState) error {
	st.svc.UpdatedAt = time.Now().UTC()
	return m.store.UpdateService(&st.svc)
}

// settleDeposit captures on completion and releases on cancel/no-show.
// Caller holds st.mu.
func (m *Manager) settleDeposit(st *serviceState, capture bool) {
	if m.deposits == nil || st.holdID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	if capture {
		err = m.deposits.Capture(ctx, st.holdID)
	} else {
		err = m.deposits.Release(ctx, st.holdID)
	}
	if err != nil {
		m.logger.Warn("deposit settle failed", "service_id", st.svc.ID, "capture", capture, "error", err)
		return
	}
	st.holdID = ""
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
