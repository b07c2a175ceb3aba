package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/service-verification/internal/alerting"
	"github.com/example/service-verification/internal/lifecycle"
	"github.com/example/service-verification/internal/models"
	"github.com/example/service-verification/internal/notify"
	"github.com/example/service-verification/internal/storage"
	"github.com/example/service-verification/internal/tracking"
)

type Server struct {
	Manager *lifecycle.Manager
	Alerts  *alerting.Service
	Feed    *notify.WSFeed
	logger  *slog.Logger
	mux     *mux.Router
}

func NewServer(manager *lifecycle.Manager, alerts *alerting.Service, feed *notify.WSFeed, logger *slog.Logger) *Server {
	s := &Server{Manager: manager, Alerts: alerts, Feed: feed, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/services", s.handleCreateService).Methods("POST")
	api.HandleFunc("/services/{id}", s.handleGetStatus).Methods("GET")
	api.HandleFunc("/services/{id}/assign", s.handleAssign).Methods("POST")
	api.HandleFunc("/services/{id}/enroute", s.handleEnRoute).Methods("POST")
	api.HandleFunc("/services/{id}/arrived", s.handleArrived).Methods("POST")
	api.HandleFunc("/services/{id}/delay", s.handleDelay).Methods("POST")
	api.HandleFunc("/services/{id}/verify/pickup", s.handleVerify(models.StagePickup)).Methods("POST")
	api.HandleFunc("/services/{id}/verify/dropoff", s.handleVerify(models.StageDropoff)).Methods("POST")
	api.HandleFunc("/services/{id}/location", s.handleLocation).Methods("POST")
	api.HandleFunc("/services/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/services/{id}/no-show", s.handleNoShow).Methods("POST")
	api.HandleFunc("/services/{id}/credentials", s.handleRegenerate).Methods("POST")
	api.HandleFunc("/alerts/{id}/resolve", s.handleResolveAlert).Methods("POST")

	s.mux.HandleFunc("/ws/alerts", s.handleAlertFeed)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateService(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	svc, err := s.Manager.CreateService(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// PIN and QR token are returned exactly once, at creation
	writeJSON(w, http.StatusCreated, map[string]any{
		"service":  svc,
		"pin":      svc.PIN,
		"qr_token": svc.QRToken,
	})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.Manager.GetServiceStatus(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
		Vehicle  string `json:"vehicle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Manager.AssignDriver(mux.Vars(r)["id"], body.DriverID, body.Vehicle); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnRoute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverLoc *models.Coord `json:"driver_loc"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if err := s.Manager.MarkEnRoute(mux.Vars(r)["id"], body.DriverLoc); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArrived(w http.ResponseWriter, r *http.Request) {
	if err := s.Manager.MarkArrived(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelay(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Manager.MarkDelayed(mux.Vars(r)["id"], body.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerify(stage models.VerificationStage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Method models.VerificationMethod `json:"method"`
			Proof  models.Proof              `json:"proof"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id := mux.Vars(r)["id"]
		var res models.VerificationResult
		var err error
		if stage == models.StagePickup {
			res, err = s.Manager.VerifyPickup(id, body.Method, body.Proof)
		} else {
			res, err = s.Manager.VerifyDropoff(id, body.Method, body.Proof)
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var sample models.LocationSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	outcome, err := s.Manager.UpdateLocation(mux.Vars(r)["id"], sample)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if outcome.IssuesDetected == nil {
		outcome.IssuesDetected = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if err := s.Manager.Cancel(mux.Vars(r)["id"], body.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNoShow(w http.ResponseWriter, r *http.Request) {
	if err := s.Manager.MarkNoShow(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	pin, token, err := s.Manager.RegenerateCredentials(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pin": pin, "qr_token": token})
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Resolver string `json:"resolver"`
		Notes    string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Alerts.Resolve(mux.Vars(r)["id"], body.Resolver, body.Notes); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleAlertFeed(w http.ResponseWriter, r *http.Request) {
	if s.Feed == nil {
		http.Error(w, "alert feed disabled", http.StatusNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.Feed.Add(uuid.NewString(), conn)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var sampleErr *tracking.SampleError
	switch {
	case errors.Is(err, lifecycle.ErrServiceNotFound), errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidSchedule), errors.As(err, &sampleErr):
		status = http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrOutOfOrderVerification),
		errors.Is(err, lifecycle.ErrAlreadyVerified),
		errors.Is(err, lifecycle.ErrTerminalState),
		errors.Is(err, lifecycle.ErrInvalidTransition):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
