// Package verify evaluates verification attempts against expected service
// state and scores each attempt for fraud risk. Evaluation is stateless:
// the caller supplies the service snapshot and the prior failed-attempt
// count, and persists the resulting attempt record itself.
package verify

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/example/service-verification/internal/geo"
	"github.com/example/service-verification/internal/models"
)

const (
	// GeofenceRadiusM bounds proximity-based success for GPS proofs.
	GeofenceRadiusM = 50.0

	// FraudAlertThreshold is the cumulative score at which a
	// FRAUD_SUSPECTED alert fires (edge-triggered by the caller).
	FraudAlertThreshold = 70

	farProofM  = 1000.0
	midProofM  = 500.0
	tooEarly   = 60 * time.Minute
	tooLate    = 30 * time.Minute
	manyFailed = 3
	someFailed = 1
)

// Result is the outcome of evaluating one attempt.
type Result struct {
	Success           bool
	Reason            string
	FraudContribution int
}

// Engine holds the deployment secret for signature checks.
type Engine struct {
	SignatureSecret []byte
}

func New(secret []byte) *Engine {
	return &Engine{SignatureSecret: secret}
}

// Evaluate applies the per-method rule for the given stage and computes the
// attempt's fraud contribution. priorFailed is the count of already-logged
// failed attempts for this service.
func (e *Engine) Evaluate(svc *models.Service, method models.VerificationMethod, stage models.VerificationStage, proof models.Proof, at time.Time, priorFailed int) Result {
	res := Result{}
	expected := stageLocation(svc, stage)

	switch method {
	case models.MethodGPS:
		if proof.Loc == nil {
			res.Reason = "missing GPS coordinates in proof"
			break
		}
		d := geo.Distance(*proof.Loc, expected)
		if withinGeofence(d) {
			res.Success = true
		} else {
			res.Reason = fmt.Sprintf("%.0fm from %s point, max %.0fm", d, stage, GeofenceRadiusM)
		}
	case models.MethodPIN:
		// exact match, no normalization
		if subtle.ConstantTimeCompare([]byte(proof.Code), []byte(svc.PIN)) == 1 {
			res.Success = true
		} else {
			res.Reason = "PIN does not match"
		}
	case models.MethodQR:
		if subtle.ConstantTimeCompare([]byte(proof.Code), []byte(svc.QRToken)) == 1 {
			res.Success = true
		} else {
			res.Reason = "QR token does not match"
		}
	case models.MethodPhoto:
		if proof.PhotoRef != "" {
			res.Success = true
		} else {
			res.Reason = "empty photo reference"
		}
	case models.MethodSignature:
		want := e.ExpectedSignature(svc.ID)
		if hmac.Equal([]byte(proof.Signature), []byte(want)) {
			res.Success = true
		} else {
			res.Reason = "signature check failed"
		}
	default:
		res.Reason = fmt.Sprintf("unknown verification method %q", method)
	}

	res.FraudContribution = fraudContribution(svc, expected, proof.Loc, at, priorFailed)
	return res
}

// fraudContribution implements the scoring table. The returned value is
// clamped to [0,100]; the caller adds it to the service's cumulative score.
func fraudContribution(svc *models.Service, expected models.Coord, loc *models.Coord, at time.Time, priorFailed int) int {
	score := 0
	if loc != nil {
		d := geo.Distance(*loc, expected)
		if d > farProofM {
			score += 30
		} else if d > midProofM {
			score += 15
		}
	}
	if at.Before(svc.ScheduledPickup.Add(-tooEarly)) {
		score += 20
	} else if at.After(svc.ScheduledPickup.Add(tooLate)) {
		score += 25
	}
	if priorFailed > manyFailed {
		score += 30
	} else if priorFailed > someFailed {
		score += 15
	}
	if score > 100 {
		score = 100
	}
	return score
}

// withinGeofence is inclusive: a proof at exactly the radius succeeds.
func withinGeofence(d float64) bool { return d <= GeofenceRadiusM }

func stageLocation(svc *models.Service, stage models.VerificationStage) models.Coord {
	if stage == models.StageDropoff {
		return svc.DropoffLoc
	}
	return svc.PickupLoc
}

// NewPIN returns 6 ASCII digits, leading zeros permitted.
func NewPIN() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// QRToken is SHA-256 over the JSON-serialized {serviceId, pin, issuedAt}
// tuple, lowercase hex.
func QRToken(serviceID, pin string, issuedAt time.Time) string {
	payload, _ := json.Marshal(struct {
		ServiceID string    `json:"serviceId"`
		PIN       string    `json:"pin"`
		IssuedAt  time.Time `json:"issuedAt"`
	}{serviceID, pin, issuedAt})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ExpectedSignature is HMAC-SHA256 over the service id with the deployment
// secret, lowercase hex. Stands in for PKI-backed signatures; swap the
// scheme here when one lands.
func (e *Engine) ExpectedSignature(serviceID string) string {
	mac := hmac.New(sha256.New, e.SignatureSecret)
	mac.Write([]byte(serviceID))
	return hex.EncodeToString(mac.Sum(nil))
}
