package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/service-verification/internal/models"
)

var ErrMiss = errors.New("location cache miss")

// LastKnown mirrors each service's most recent sample into Redis. The
// whole sample is stored as one JSON value so readers always see a
// consistent snapshot, never partial fields. A GEOADD keeps the fleet map
// queryable by radius.
type LastKnown struct {
	client *redis.Client
	geoKey string
	ttl    time.Duration
}

func NewLastKnown(addr, password, geoKey string, ttl time.Duration) *LastKnown {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &LastKnown{client: c, geoKey: geoKey, ttl: ttl}
}

func (l *LastKnown) Set(ctx context.Context, s models.LocationSample) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := l.client.Set(ctx, lastKnownKey(s.ServiceID), b, l.ttl).Err(); err != nil {
		return err
	}
	return l.client.GeoAdd(ctx, l.geoKey, &redis.GeoLocation{
		Longitude: s.Loc.Lon,
		Latitude:  s.Loc.Lat,
		Name:      s.ServiceID,
	}).Err()
}

func (l *LastKnown) Get(ctx context.Context, serviceID string) (*models.LocationSample, error) {
	b, err := l.client.Get(ctx, lastKnownKey(serviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	var s models.LocationSample
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (l *LastKnown) Ping(ctx context.Context) error { return l.client.Ping(ctx).Err() }

func (l *LastKnown) Close() error { return l.client.Close() }

func lastKnownKey(serviceID string) string { return "service:lastknown:" + serviceID }
