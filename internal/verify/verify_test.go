package verify

import (
	"math"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/service-verification/internal/models"
)

func testService() *models.Service {
	return &models.Service{
		ID:              "svc-1",
		PickupLoc:       models.Coord{Lat: 40.0, Lon: -3.0},
		DropoffLoc:      models.Coord{Lat: 40.1, Lon: -3.1},
		ScheduledPickup: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		PIN:             "042817",
		QRToken:         QRToken("svc-1", "042817", time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)),
	}
}

// offsetNorth moves a point the given number of meters due north.
func offsetNorth(p models.Coord, meters float64) models.Coord {
	return models.Coord{Lat: p.Lat + meters/6371000*180/math.Pi, Lon: p.Lon}
}

func onTime(svc *models.Service) time.Time { return svc.ScheduledPickup }

func TestGPSWithinGeofence(t *testing.T) {
	e := New([]byte("secret"))
	svc := testService()
	loc := offsetNorth(svc.PickupLoc, 33)
	res := e.Evaluate(svc, models.MethodGPS, models.StagePickup, models.Proof{Loc: &loc}, onTime(svc), 0)
	assert.True(t, res.Success)
	assert.Empty(t, res.Reason)
	assert.Zero(t, res.FraudContribution)
}

func TestGPSBoundary(t *testing.T) {
	e := New([]byte("secret"))
	svc := testService()

	// a hair under the 50m radius: succeeds
	at50 := offsetNorth(svc.PickupLoc, 50-1e-6)
	res := e.Evaluate(svc, models.MethodGPS, models.StagePickup, models.Proof{Loc: &at50}, onTime(svc), 0)
	assert.True(t, res.Success)

	// just past it: fails with a distance-based reason
	past := offsetNorth(svc.PickupLoc, 50.01)
	res = e.Evaluate(svc, models.MethodGPS, models.StagePickup, models.Proof{Loc: &past}, onTime(svc), 0)
	assert.False(t, res.Success)
	assert.Regexp(t, regexp.MustCompile(`^\d+m from pickup point, max 50m$`), res.Reason)
}

func TestGeofenceBoundaryInclusive(t *testing.T) {
	// a proof at exactly the radius is inside the fence
	assert.True(t, withinGeofence(GeofenceRadiusM))
	assert.False(t, withinGeofence(math.Nextafter(GeofenceRadiusM, math.Inf(1))))
	assert.True(t, withinGeofence(0))
}

func TestGPSDropoffStageUsesDropoffLocation(t *testing.T) {
	e := New([]byte("secret"))
	svc := testService()
	loc := offsetNorth(svc.DropoffLoc, 10)
	res := e.Evaluate(svc, models.MethodGPS, models.StageDropoff, models.Proof{Loc: &loc}, onTime(svc), 0)
	assert.True(t, res.Success)
}

func TestGPSMissingCoordinates(t *testing.T) {
	e := New([]byte("secret"))
	res := e.Evaluate(testService(), models.MethodGPS, models.StagePickup, models.Proof{}, onTime(testService()), 0)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "missing GPS coordinates")
}

func TestPINExactMatch(t *testing.T) {
	e := New([]byte("secret"))
	svc := testService()
	res := e.Evaluate(svc, models.MethodPIN, models.StagePickup, models.Proof{Code: "042817"}, onTime(svc), 0)
	assert.True(t, res.Success)

	for _, wrong := range []string{"042818", "42817", " 042817", "042817 ", "123456", ""} {
		res := e.Evaluate(svc, models.MethodPIN, models.StagePickup, models.Proof{Code: wrong}, onTime(svc), 0)
		assert.False(t, res.Success, "PIN %q should not match", wrong)
	}
}

func TestQRTokenMatch(t *testing.T) {
	e := New([]byte("secret"))
	svc := testService()
	res := e.Evaluate(svc, models.MethodQR, models.StagePickup, models.Proof{Code: svc.QRToken}, onTime(svc), 0)
	assert.True(t, res.Success)

	res = e.Evaluate(svc, models.MethodQR, models.StagePickup, models.Proof{Code: "bogus"}, onTime(svc), 0)
	assert.False(t, res.Success)
}

func TestQRTokenFormat(t *testing.T) {
	issued := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	tok := QRToken("svc-1", "042817", issued)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), tok)
	// deterministic over the same tuple
	assert.Equal(t, tok, QRToken("svc-1", "042817", issued))
	// any component change yields a different token
	assert.NotEqual(t, tok, QRToken("svc-2", "042817", issued))
	assert.NotEqual(t, tok, QRToken("svc-1", "042818", issued))
	assert.NotEqual(t, tok, QRToken("svc-1", "042817", issued.Add(time.Second)))
}

func TestPhotoProof(t *testing.T) {
	e := New([]byte("secret"))
	svc := testService()
	res := e.Evaluate(svc, models.MethodPhoto, models.StagePickup, models.Proof{PhotoRef: "blob://abc"}, onTime(svc), 0)
	assert.True(t, res.Success)
	res = e.Evaluate(svc, models.MethodPhoto, models.StagePickup, models.Proof{}, onTime(svc), 0)
	assert.False(t, res.Success)
}

func TestDigitalSignature(t *testing.T) {
	e := New([]byte("secret"))
	svc := testService()
	res := e.Evaluate(svc, models.MethodSignature, models.StagePickup, models.Proof{Signature: e.ExpectedSignature(svc.ID)}, onTime(svc), 0)
	assert.True(t, res.Success)

	res = e.Evaluate(svc, models.MethodSignature, models.StagePickup, models.Proof{Signature: "forged"}, onTime(svc), 0)
	assert.False(t, res.Success)

	// a different secret yields a different signature
	other := New([]byte("other"))
	assert.NotEqual(t, e.ExpectedSignature(svc.ID), other.ExpectedSignature(svc.ID))
}

func TestFraudContributionDistance(t *testing.T) {
	e := New([]byte("secret"))
	svc := testService()

	far := offsetNorth(svc.PickupLoc, 1500)
	res := e.Evaluate(svc, models.MethodGPS, models.StagePickup, models.Proof{Loc: &far}, onTime(svc), 0)
	assert.Equal(t, 30, res.FraudContribution)

	mid := offsetNorth(svc.PickupLoc, 700)
	res = e.Evaluate(svc, models.MethodGPS, models.StagePickup, models.Proof{Loc: &mid}, onTime(svc), 0)
	assert.Equal(t, 15, res.FraudContribution)
}

func TestFraudContributionTiming(t *testing.T) {
	e := New([]byte("secret"))
	svc := testService()

	early := svc.ScheduledPickup.Add(-90 * time.Minute)
	res := e.Evaluate(svc, models.MethodPIN, models.StagePickup, models.Proof{Code: svc.PIN}, early, 0)
	assert.Equal(t, 20, res.FraudContribution)

	late := svc.ScheduledPickup.Add(45 * time.Minute)
	res = e.Evaluate(svc, models.MethodPIN, models.StagePickup, models.Proof{Code: svc.PIN}, late, 0)
	assert.Equal(t, 25, res.FraudContribution)

	// inside both windows contributes nothing
	res = e.Evaluate(svc, models.MethodPIN, models.StagePickup, models.Proof{Code: svc.PIN}, svc.ScheduledPickup.Add(5*time.Minute), 0)
	assert.Zero(t, res.FraudContribution)
}

func TestFraudContributionFailedHistory(t *testing.T) {
	e := New([]byte("secret"))
	svc := testService()

	res := e.Evaluate(svc, models.MethodPIN, models.StagePickup, models.Proof{Code: svc.PIN}, onTime(svc), 2)
	assert.Equal(t, 15, res.FraudContribution)

	res = e.Evaluate(svc, models.MethodPIN, models.StagePickup, models.Proof{Code: svc.PIN}, onTime(svc), 4)
	assert.Equal(t, 30, res.FraudContribution)
}

func TestFraudContributionStacksAndClamps(t *testing.T) {
	e := New([]byte("secret"))
	svc := testService()

	far := offsetNorth(svc.PickupLoc, 2000)
	late := svc.ScheduledPickup.Add(2 * time.Hour)
	res := e.Evaluate(svc, models.MethodGPS, models.StagePickup, models.Proof{Loc: &far}, late, 10)
	// 30 (distance) + 25 (late) + 30 (history)
	assert.Equal(t, 85, res.FraudContribution)
	assert.LessOrEqual(t, res.FraudContribution, 100)
}

func TestUnknownMethodFails(t *testing.T) {
	e := New([]byte("secret"))
	svc := testService()
	res := e.Evaluate(svc, models.VerificationMethod("CARRIER_PIGEON"), models.StagePickup, models.Proof{}, onTime(svc), 0)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "unknown verification method")
}

func TestNewPINFormat(t *testing.T) {
	for i := 0; i < 32; i++ {
		pin, err := NewPIN()
		require.NoError(t, err)
		assert.Regexp(t, regexp.MustCompile(`^[0-9]{6}$`), pin)
	}
}
