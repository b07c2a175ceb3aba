package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ServiceStatus is the lifecycle state of one transport leg.
type ServiceStatus string

const (
	StatusScheduled          ServiceStatus = "SCHEDULED"
	StatusDriverAssigned     ServiceStatus = "DRIVER_ASSIGNED"
	StatusDriverEnRoute      ServiceStatus = "DRIVER_EN_ROUTE"
	StatusDriverArrived      ServiceStatus = "DRIVER_ARRIVED"
	StatusPassengerOnboard   ServiceStatus = "PASSENGER_ONBOARD"
	StatusInTransit          ServiceStatus = "IN_TRANSIT"
	StatusArrivedDestination ServiceStatus = "ARRIVED_DESTINATION"
	StatusCompleted          ServiceStatus = "SERVICE_COMPLETED"
	StatusCancelled          ServiceStatus = "CANCELLED"
	StatusNoShow             ServiceStatus = "NO_SHOW"
	StatusDelayed            ServiceStatus = "DELAYED"
)

func (s ServiceStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

type VerificationMethod string

const (
	MethodGPS       VerificationMethod = "GPS_LOCATION"
	MethodPIN       VerificationMethod = "PIN_CODE"
	MethodQR        VerificationMethod = "QR_CODE"
	MethodPhoto     VerificationMethod = "PHOTO_PROOF"
	MethodSignature VerificationMethod = "DIGITAL_SIGNATURE"
)

type VerificationStage string

const (
	StagePickup  VerificationStage = "pickup"
	StageDropoff VerificationStage = "dropoff"
)

type AlertType string

const (
	AlertDriverNotMoving    AlertType = "DRIVER_NOT_MOVING"
	AlertWrongRoute         AlertType = "WRONG_ROUTE"
	AlertServiceDelayed     AlertType = "SERVICE_DELAYED"
	AlertNoShowRisk         AlertType = "NO_SHOW_RISK"
	AlertFraudSuspected     AlertType = "FRAUD_SUSPECTED"
	AlertEmergency          AlertType = "EMERGENCY"
	AlertPassengerComplaint AlertType = "PASSENGER_COMPLAINT"
)

type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// Service is one transport leg from scheduling to completion. Owned by the
// lifecycle manager; everyone else reads snapshots.
type Service struct {
	ID               string        `json:"id"`
	TripRef          string        `json:"trip_ref"`
	PassengerID      string        `json:"passenger_id"`
	DriverID         string        `json:"driver_id,omitempty"`
	Vehicle          string        `json:"vehicle,omitempty"`
	PickupLoc        Coord         `json:"pickup_loc"`
	DropoffLoc       Coord         `json:"dropoff_loc"`
	ScheduledPickup  time.Time     `json:"scheduled_pickup"`
	ScheduledDropoff time.Time     `json:"scheduled_dropoff"`
	Status           ServiceStatus `json:"status"`

	PIN               string    `json:"-"`
	QRToken           string    `json:"-"`
	CredentialsIssued time.Time `json:"-"`

	PickupVerified  bool       `json:"pickup_verified"`
	DropoffVerified bool       `json:"dropoff_verified"`
	ActualPickup    *time.Time `json:"actual_pickup,omitempty"`
	ActualDropoff   *time.Time `json:"actual_dropoff,omitempty"`
	PickupOnTime    *bool      `json:"pickup_on_time,omitempty"`
	ArrivalOnTime   *bool      `json:"arrival_on_time,omitempty"`

	FraudScore      int     `json:"fraud_score"`
	RouteEfficiency float64 `json:"route_efficiency,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LocationSample is one GPS ping. Immutable once recorded.
type LocationSample struct {
	ServiceID  string    `json:"service_id"`
	Loc        Coord     `json:"loc"`
	Altitude   *float64  `json:"altitude,omitempty"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	SpeedMps   *float64  `json:"speed_mps,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
	Stage      string    `json:"stage,omitempty"`
}

// Proof carries the payload for one verification attempt; which fields
// matter depends on the method.
type Proof struct {
	Code      string `json:"code,omitempty"`      // PIN / QR token
	Signature string `json:"signature,omitempty"` // DIGITAL_SIGNATURE
	PhotoRef  string `json:"photo_ref,omitempty"` // opaque blob reference
	Loc       *Coord `json:"loc,omitempty"`       // GPS proof and attempt location
}

// VerificationAttempt is the immutable log record of one Evaluate call.
type VerificationAttempt struct {
	ID                string             `json:"id"`
	ServiceID         string             `json:"service_id"`
	Method            VerificationMethod `json:"method"`
	Stage             VerificationStage  `json:"stage"`
	Success           bool               `json:"success"`
	FailureReason     string             `json:"failure_reason,omitempty"`
	FraudContribution int                `json:"fraud_contribution"`
	Loc               *Coord             `json:"loc,omitempty"`
	AttemptedAt       time.Time          `json:"attempted_at"`
}

type Alert struct {
	ID          string        `json:"id"`
	ServiceID   string        `json:"service_id"`
	Type        AlertType     `json:"type"`
	Severity    AlertSeverity `json:"severity"`
	Description string        `json:"description"`
	Loc         *Coord        `json:"loc,omitempty"`
	Resolved    bool          `json:"resolved"`
	ResolvedBy  string        `json:"resolved_by,omitempty"`
	Notes       string        `json:"notes,omitempty"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Route is the planned polyline between two points.
type Route struct {
	Encoded string  `json:"encoded,omitempty"`
	Points  []Coord `json:"points"`
}

// VerificationResult is returned by VerifyPickup/VerifyDropoff.
type VerificationResult struct {
	Success           bool          `json:"success"`
	Reason            string        `json:"reason,omitempty"`
	FraudContribution int           `json:"fraud_contribution"`
	Status            ServiceStatus `json:"status"`
}

// UpdateOutcome reports what one location update produced.
type UpdateOutcome struct {
	IssuesDetected []Alert       `json:"issues_detected"`
	CurrentStage   string        `json:"current_stage"`
	Status         ServiceStatus `json:"status"`
	ETASeconds     float64       `json:"eta_seconds,omitempty"`
}

// ServiceStatusView is the read-side snapshot for status queries.
type ServiceStatusView struct {
	Service    Service         `json:"service"`
	LastKnown  *LocationSample `json:"last_known,omitempty"`
	OpenAlerts []Alert         `json:"open_alerts"`
	ETASeconds float64         `json:"eta_seconds,omitempty"`
}
