package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/service-verification/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveService(s *models.Service) error {
	_, err := p.db.Exec(`INSERT INTO services(
		id, trip_ref, passenger_id, driver_id, vehicle,
		pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
		scheduled_pickup, scheduled_dropoff, status,
		pin, qr_token, credentials_issued,
		pickup_verified, dropoff_verified, fraud_score, route_efficiency,
		created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		s.ID, s.TripRef, s.PassengerID, s.DriverID, s.Vehicle,
		s.PickupLoc.Lat, s.PickupLoc.Lon, s.DropoffLoc.Lat, s.DropoffLoc.Lon,
		s.ScheduledPickup, s.ScheduledDropoff, s.Status,
		s.PIN, s.QRToken, s.CredentialsIssued,
		s.PickupVerified, s.DropoffVerified, s.FraudScore, s.RouteEfficiency,
		s.CreatedAt, s.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateService(s *models.Service) error {
	_, err := p.db.Exec(`UPDATE services SET
		driver_id=$1, vehicle=$2, status=$3,
		pin=$4, qr_token=$5, credentials_issued=$6,
		pickup_verified=$7, dropoff_verified=$8,
		actual_pickup=$9, actual_dropoff=$10,
		pickup_on_time=$11, arrival_on_time=$12,
		fraud_score=$13, route_efficiency=$14, updated_at=$15
		WHERE id=$16`,
		s.DriverID, s.Vehicle, s.Status,
		s.PIN, s.QRToken, s.CredentialsIssued,
		s.PickupVerified, s.DropoffVerified,
		nullTime(s.ActualPickup), nullTime(s.ActualDropoff),
		nullBool(s.PickupOnTime), nullBool(s.ArrivalOnTime),
		s.FraudScore, s.RouteEfficiency, time.Now(),
		s.ID)
	return err
}

func (p *PostgresStore) GetService(id string) (*models.Service, error) {
	row := p.db.QueryRow(`SELECT id, trip_ref, passenger_id, driver_id, vehicle,
		pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
		scheduled_pickup, scheduled_dropoff, status,
		pin, qr_token, credentials_issued,
		pickup_verified, dropoff_verified,
		actual_pickup, actual_dropoff, pickup_on_time, arrival_on_time,
		fraud_score, route_efficiency, created_at, updated_at
		FROM services WHERE id=$1`, id)
	var s models.Service
	var actualPickup, actualDropoff sql.NullTime
	var pickupOnTime, arrivalOnTime sql.NullBool
	err := row.Scan(&s.ID, &s.TripRef, &s.PassengerID, &s.DriverID, &s.Vehicle,
		&s.PickupLoc.Lat, &s.PickupLoc.Lon, &s.DropoffLoc.Lat, &s.DropoffLoc.Lon,
		&s.ScheduledPickup, &s.ScheduledDropoff, &s.Status,
		&s.PIN, &s.QRToken, &s.CredentialsIssued,
		&s.PickupVerified, &s.DropoffVerified,
		&actualPickup, &actualDropoff, &pickupOnTime, &arrivalOnTime,
		&s.FraudScore, &s.RouteEfficiency, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if actualPickup.Valid {
		s.ActualPickup = &actualPickup.Time
	}
	if actualDropoff.Valid {
		s.ActualDropoff = &actualDropoff.Time
	}
	if pickupOnTime.Valid {
		s.PickupOnTime = &pickupOnTime.Bool
	}
	if arrivalOnTime.Valid {
		s.ArrivalOnTime = &arrivalOnTime.Bool
	}
	return &s, nil
}

func (p *PostgresStore) AppendSample(s models.LocationSample) error {
	_, err := p.db.Exec(`INSERT INTO location_samples(
		service_id, lat, lon, altitude, accuracy, speed_mps, heading, captured_at, stage)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		s.ServiceID, s.Loc.Lat, s.Loc.Lon,
		nullFloat(s.Altitude), nullFloat(s.Accuracy), nullFloat(s.SpeedMps), nullFloat(s.Heading),
		s.CapturedAt, s.Stage)
	return err
}

func (p *PostgresStore) ListSamples(serviceID string) ([]models.LocationSample, error) {
	rows, err := p.db.Query(`SELECT service_id, lat, lon, altitude, accuracy, speed_mps, heading, captured_at, stage
		FROM location_samples WHERE service_id=$1 ORDER BY id`, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.LocationSample
	for rows.Next() {
		var s models.LocationSample
		var alt, acc, spd, hdg sql.NullFloat64
		if err := rows.Scan(&s.ServiceID, &s.Loc.Lat, &s.Loc.Lon, &alt, &acc, &spd, &hdg, &s.CapturedAt, &s.Stage); err != nil {
			return nil, err
		}
		if alt.Valid {
			s.Altitude = &alt.Float64
		}
		if acc.Valid {
			s.Accuracy = &acc.Float64
		}
		if spd.Valid {
			s.SpeedMps = &spd.Float64
		}
		if hdg.Valid {
			s.Heading = &hdg.Float64
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveAttempt(a *models.VerificationAttempt) error {
	var lat, lon sql.NullFloat64
	if a.Loc != nil {
		lat = sql.NullFloat64{Float64: a.Loc.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: a.Loc.Lon, Valid: true}
	}
	_, err := p.db.Exec(`INSERT INTO verification_attempts(
		id, service_id, method, stage, success, failure_reason, fraud_contribution, lat, lon, attempted_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.ID, a.ServiceID, a.Method, a.Stage, a.Success, a.FailureReason, a.FraudContribution, lat, lon, a.AttemptedAt)
	return err
}

func (p *PostgresStore) CountFailedAttempts(serviceID string) (int, error) {
	var n int
	err := p.db.QueryRow(`SELECT COUNT(*) FROM verification_attempts WHERE service_id=$1 AND NOT success`, serviceID).Scan(&n)
	return n, err
}

func (p *PostgresStore) SaveAlert(a *models.Alert) error {
	var lat, lon sql.NullFloat64
	if a.Loc != nil {
		lat = sql.NullFloat64{Float64: a.Loc.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: a.Loc.Lon, Valid: true}
	}
	_, err := p.db.Exec(`INSERT INTO alerts(
		id, service_id, type, severity, description, lat, lon, resolved, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.ID, a.ServiceID, a.Type, a.Severity, a.Description, lat, lon, a.Resolved, a.CreatedAt)
	return err
}

func (p *PostgresStore) UpdateAlert(a *models.Alert) error {
	_, err := p.db.Exec(`UPDATE alerts SET resolved=$1, resolved_by=$2, notes=$3, resolved_at=$4 WHERE id=$5`,
		a.Resolved, a.ResolvedBy, a.Notes, nullTime(a.ResolvedAt), a.ID)
	return err
}

func (p *PostgresStore) GetAlert(id string) (*models.Alert, error) {
	row := p.db.QueryRow(`SELECT id, service_id, type, severity, description, lat, lon, resolved, resolved_by, notes, resolved_at, created_at
		FROM alerts WHERE id=$1`, id)
	a, err := scanAlert(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (p *PostgresStore) ListOpenAlerts(serviceID string) ([]models.Alert, error) {
	rows, err := p.db.Query(`SELECT id, service_id, type, severity, description, lat, lon, resolved, resolved_by, notes, resolved_at, created_at
		FROM alerts WHERE service_id=$1 AND NOT resolved ORDER BY created_at`, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FindOpenAlert(serviceID string, t models.AlertType) (*models.Alert, error) {
	row := p.db.QueryRow(`SELECT id, service_id, type, severity, description, lat, lon, resolved, resolved_by, notes, resolved_at, created_at
		FROM alerts WHERE service_id=$1 AND type=$2 AND NOT resolved LIMIT 1`, serviceID, t)
	a, err := scanAlert(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func scanAlert(scan func(...any) error) (*models.Alert, error) {
	var a models.Alert
	var lat, lon sql.NullFloat64
	var resolvedBy, notes sql.NullString
	var resolvedAt sql.NullTime
	err := scan(&a.ID, &a.ServiceID, &a.Type, &a.Severity, &a.Description, &lat, &lon,
		&a.Resolved, &resolvedBy, &notes, &resolvedAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lat.Valid && lon.Valid {
		a.Loc = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	a.ResolvedBy = resolvedBy.String
	a.Notes = notes.String
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	return &a, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
