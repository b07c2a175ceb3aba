package storage

import (
	"errors"
	"sync"

	"github.com/example/service-verification/internal/models"
)

var ErrNotFound = errors.New("not found")

// ServiceStore defines persistence operations for services.
type ServiceStore interface {
	SaveService(s *models.Service) error
	UpdateService(s *models.Service) error
	GetService(id string) (*models.Service, error)
}

// SampleStore appends and reads per-service GPS history. Retention is the
// storage engine's concern, not ours.
type SampleStore interface {
	AppendSample(s models.LocationSample) error
	ListSamples(serviceID string) ([]models.LocationSample, error)
}

// AttemptStore logs verification attempts.
type AttemptStore interface {
	SaveAttempt(a *models.VerificationAttempt) error
	CountFailedAttempts(serviceID string) (int, error)
}

// AlertStore persists alerts and their resolution.
type AlertStore interface {
	SaveAlert(a *models.Alert) error
	UpdateAlert(a *models.Alert) error
	GetAlert(id string) (*models.Alert, error)
	ListOpenAlerts(serviceID string) ([]models.Alert, error)
	FindOpenAlert(serviceID string, t models.AlertType) (*models.Alert, error)
}

// Store is the full persistence surface consumed by the core.
type Store interface {
	ServiceStore
	SampleStore
	AttemptStore
	AlertStore
}

// MemoryStore backs tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	services map[string]models.Service
	samples  map[string][]models.LocationSample
	attempts map[string][]models.VerificationAttempt
	alerts   map[string]models.Alert
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		services: make(map[string]models.Service),
		samples:  make(map[string][]models.LocationSample),
		attempts: make(map[string][]models.VerificationAttempt),
		alerts:   make(map[string]models.Alert),
	}
}

func (m *MemoryStore) SaveService(s *models.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[s.ID] = *s
	return nil
}

func (m *MemoryStore) UpdateService(s *models.Service) error {
	return m.SaveService(s)
}

func (m *MemoryStore) GetService(id string) (*models.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) AppendSample(s models.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[s.ServiceID] = append(m.samples[s.ServiceID], s)
	return nil
}

func (m *MemoryStore) ListSamples(serviceID string) ([]models.LocationSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.LocationSample, len(m.samples[serviceID]))
	copy(out, m.samples[serviceID])
	return out, nil
}

func (m *MemoryStore) SaveAttempt(a *models.VerificationAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[a.ServiceID] = append(m.attempts[a.ServiceID], *a)
	return nil
}

func (m *MemoryStore) CountFailedAttempts(serviceID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.attempts[serviceID] {
		if !a.Success {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SaveAlert(a *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = *a
	return nil
}

func (m *MemoryStore) UpdateAlert(a *models.Alert) error {
	return m.SaveAlert(a)
}

func (m *MemoryStore) GetAlert(id string) (*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *MemoryStore) ListOpenAlerts(serviceID string) ([]models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Alert
	for _, a := range m.alerts {
		if a.ServiceID == serviceID && !a.Resolved {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) FindOpenAlert(serviceID string, t models.AlertType) (*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.alerts {
		if a.ServiceID == serviceID && a.Type == t && !a.Resolved {
			return &a, nil
		}
	}
	return nil, ErrNotFound
}
