package tracking

import (
	"errors"
	"fmt"

	"github.com/example/service-verification/internal/models"
)

// ErrNotTracked means no loop is active for the service; the caller decides
// whether that is an error or just "record the sample and move on".
var ErrNotTracked = errors.New("service is not being tracked")

// SampleError marks a malformed sample. Logged and dropped by callers; the
// tracking loop itself never dies over one.
type SampleError struct {
	Reason string
}

func (e *SampleError) Error() string { return "invalid location sample: " + e.Reason }

func validateSample(s models.LocationSample) error {
	if s.ServiceID == "" {
		return &SampleError{Reason: "missing service id"}
	}
	if s.Loc.Lat < -90 || s.Loc.Lat > 90 {
		return &SampleError{Reason: fmt.Sprintf("latitude %.6f out of range", s.Loc.Lat)}
	}
	if s.Loc.Lon < -180 || s.Loc.Lon > 180 {
		return &SampleError{Reason: fmt.Sprintf("longitude %.6f out of range", s.Loc.Lon)}
	}
	if s.CapturedAt.IsZero() {
		return &SampleError{Reason: "missing capture timestamp"}
	}
	return nil
}
