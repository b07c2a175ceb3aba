// Package alerting turns anomaly and fraud signals into Alert records,
// de-duplicates them, and escalates the severe ones to the notification
// collaborator.
package alerting

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/service-verification/internal/models"
	"github.com/example/service-verification/internal/observability"
	"github.com/example/service-verification/internal/storage"
)

// Notifier forwards an alert to the outside world. Fire-and-forget:
// failures are logged, never propagated.
type Notifier interface {
	Notify(a models.Alert) error
}

// severity is a fixed lookup; alert types not listed default to low.
var severityByType = map[models.AlertType]models.AlertSeverity{
	models.AlertDriverNotMoving:    models.SeverityMedium,
	models.AlertWrongRoute:         models.SeverityHigh,
	models.AlertServiceDelayed:     models.SeverityMedium,
	models.AlertNoShowRisk:         models.SeverityHigh,
	models.AlertFraudSuspected:     models.SeverityCritical,
	models.AlertEmergency:          models.SeverityCritical,
	models.AlertPassengerComplaint: models.SeverityHigh,
}

type Service struct {
	Store    storage.AlertStore
	Notifier Notifier // optional
	Logger   *slog.Logger
}

func New(store storage.AlertStore, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{Store: store, Notifier: notifier, Logger: logger}
}

// Raise records an alert for the service unless one of the same type is
// already open, in which case the open alert is returned and raised=false.
// A new alert is opened only when the lookup confirms the miss; a failing
// store must not produce duplicates.
func (s *Service) Raise(serviceID string, t models.AlertType, description string, loc *models.Coord) (models.Alert, bool) {
	existing, err := s.Store.FindOpenAlert(serviceID, t)
	if err == nil {
		return *existing, false
	}
	if !errors.Is(err, storage.ErrNotFound) {
		s.Logger.Error("open alert lookup failed", "service_id", serviceID, "type", t, "error", err)
		return models.Alert{}, false
	}

	sev, ok := severityByType[t]
	if !ok {
		sev = models.SeverityLow
	}
	a := models.Alert{
		ID:          uuid.NewString(),
		ServiceID:   serviceID,
		Type:        t,
		Severity:    sev,
		Description: description,
		Loc:         loc,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.Store.SaveAlert(&a); err != nil {
		s.Logger.Error("alert save failed", "service_id", serviceID, "type", t, "error", err)
	}
	observability.AlertsTotal.WithLabelValues(string(t), string(sev)).Inc()
	s.Logger.Warn("alert raised", "service_id", serviceID, "type", t, "severity", sev, "description", description)

	if s.Notifier != nil && (sev == models.SeverityHigh || sev == models.SeverityCritical) {
		if err := s.Notifier.Notify(a); err != nil {
			s.Logger.Error("alert notify failed", "alert_id", a.ID, "error", err)
		}
	}
	return a, true
}

// Resolve closes an open alert. Resolving twice is not an error.
func (s *Service) Resolve(alertID, resolver, notes string) error {
	a, err := s.Store.GetAlert(alertID)
	if err != nil {
		return err
	}
	if a.Resolved {
		return nil
	}
	now := time.Now().UTC()
	a.Resolved = true
	a.ResolvedBy = resolver
	a.Notes = notes
	a.ResolvedAt = &now
	if err := s.Store.UpdateAlert(a); err != nil {
		return err
	}
	s.Logger.Info("alert resolved", "alert_id", alertID, "resolver", resolver)
	return nil
}
