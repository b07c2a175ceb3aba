package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/service-verification/internal/geo"
	"github.com/example/service-verification/internal/models"
)

// Router is the navigation collaborator: initial routes and off-route
// recalculation both come through here.
type Router interface {
	GetRoute(ctx context.Context, origin, destination models.Coord) (models.Route, error)
}

// OSRMClient fetches routes from an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

// GetRoute queries /route with overview=full and decodes the returned
// polyline into route points.
func (o *OSRMClient) GetRoute(ctx context.Context, origin, destination models.Coord) (models.Route, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full",
		o.Endpoint, origin.Lon, origin.Lat, destination.Lon, destination.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return models.Route{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return models.Route{}, err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Geometry string `json:"geometry"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Route{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return models.Route{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	encoded := out.Routes[0].Geometry
	points := geo.DecodePolyline(encoded)
	if len(points) < 2 {
		return models.Route{}, fmt.Errorf("osrm geometry too short")
	}
	return models.Route{Encoded: encoded, Points: points}, nil
}

// StraightLine is the no-routing-engine fallback: a two-point route from
// origin to destination.
type StraightLine struct{}

func (StraightLine) GetRoute(ctx context.Context, origin, destination models.Coord) (models.Route, error) {
	return models.Route{Points: []models.Coord{origin, destination}}, nil
}
