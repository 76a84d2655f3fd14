package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/technician-dispatch/internal/errs"
	"github.com/example/technician-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

const matchingColumns = `id, reservation_id, consumer_id, service_id, pickup_lat, pickup_lon, status, attempts, cycle_start,
	technician_id, search_radius, initial_radius, max_distance, priority_factors, matched_at, estimated_arrival,
	request_expiry, created_at, updated_at`

const requestColumns = `id, matching_id, technician_id, status, distance, score, attempt, request_expiry,
	responded_at, decline_reason, created_at`

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
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded schema. Statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	b, err := migrations.ReadFile("migrations/001_create_matchings.sql")
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply 001_create_matchings.sql: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreateMatching(ctx context.Context, m *models.Matching) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO matchings(`+matchingColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`, matchingArgs(m)...)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return errs.NewConflictError("reservation " + m.ReservationID + " already has an active matching")
	}
	return err
}

func (p *PostgresStore) GetMatching(ctx context.Context, id string) (*models.Matching, []models.MatchingRequest, error) {
	m, err := scanMatching(p.db.QueryRowContext(ctx, `SELECT `+matchingColumns+` FROM matchings WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, errs.NewNotFoundError("matching_id", id)
	}
	if err != nil {
		return nil, nil, err
	}
	reqs, err := loadRequests(ctx, p.db, id)
	if err != nil {
		return nil, nil, err
	}
	out := make([]models.MatchingRequest, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, *r)
	}
	return m, out, nil
}

func (p *PostgresStore) LatestByReservation(ctx context.Context, reservationID string) (*models.Matching, error) {
	m, err := scanMatching(p.db.QueryRowContext(ctx, `SELECT `+matchingColumns+` FROM matchings
		WHERE reservation_id = $1 ORDER BY created_at DESC LIMIT 1`, reservationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NewNotFoundError("reservation_id", reservationID)
	}
	return m, err
}

func (p *PostgresStore) HasOtherActive(ctx context.Context, reservationID, exceptID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM matchings
		WHERE reservation_id = $1 AND id <> $2 AND status NOT IN ('matched', 'cancelled', 'expired', 'failed'))`,
		reservationID, exceptID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ExpiredMatchingIDs(ctx context.Context, now time.Time) ([]string, error) {
	return p.ids(ctx, `SELECT DISTINCT matching_id FROM matching_requests
		WHERE status = 'pending' AND request_expiry < $1 ORDER BY matching_id`, now)
}

func (p *PostgresStore) StalledMatchingIDs(ctx context.Context, before time.Time) ([]string, error) {
	return p.ids(ctx, `SELECT m.id FROM matchings m
		WHERE m.updated_at < $1 AND (
			m.status IN ('pending', 'searching', 'technician_found')
			OR (m.status = 'technician_requested' AND NOT EXISTS (
				SELECT 1 FROM matching_requests r WHERE r.matching_id = m.id AND r.status = 'pending')))
		ORDER BY m.id`, before)
}

func (p *PostgresStore) ids(ctx context.Context, query string, arg any) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Atomic locks the matching row with SELECT ... FOR UPDATE for the duration
// of fn. New requests are inserted, changed ones updated.
func (p *PostgresStore) Atomic(ctx context.Context, matchingID string, fn func(tx *Tx) error) (err error) {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	m, err := scanMatching(sqlTx.QueryRowContext(ctx, `SELECT `+matchingColumns+` FROM matchings WHERE id = $1 FOR UPDATE`, matchingID))
	if errors.Is(err, sql.ErrNoRows) {
		return errs.NewNotFoundError("matching_id", matchingID)
	}
	if err != nil {
		return err
	}
	reqs, err := loadRequests(ctx, sqlTx, matchingID)
	if err != nil {
		return err
	}
	before := make(map[string]*models.MatchingRequest, len(reqs))
	for _, r := range reqs {
		before[r.ID] = r.Clone()
	}

	tx := &Tx{Matching: m, Requests: reqs}
	if err = fn(tx); err != nil {
		return err
	}

	if _, err = sqlTx.ExecContext(ctx, `UPDATE matchings SET status=$2, attempts=$3, cycle_start=$4, technician_id=$5,
		search_radius=$6, initial_radius=$7, max_distance=$8, priority_factors=$9, matched_at=$10,
		estimated_arrival=$11, request_expiry=$12, updated_at=$13 WHERE id=$1`,
		m.ID, string(m.Status), m.Attempts, m.CycleStart, nullString(m.TechnicianID), m.SearchRadius, m.InitialRadius,
		m.MaxDistance, pq.Array(factorStrings(m.PriorityFactors)), nullTime(m.MatchedAt), nullTime(m.EstimatedArrival),
		nullTime(m.RequestExpiry), m.UpdatedAt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return errs.NewConflictError("reservation " + m.ReservationID + " already has an active matching")
		}
		return fmt.Errorf("update matching: %w", err)
	}

	for _, r := range tx.Requests {
		prev, ok := before[r.ID]
		switch {
		case !ok:
			_, err = sqlTx.ExecContext(ctx, `INSERT INTO matching_requests(`+requestColumns+`)
				VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
				r.ID, r.MatchingID, r.TechnicianID, string(r.Status), r.Distance, r.Score, r.Attempt, r.RequestExpiry,
				nullTime(r.RespondedAt), r.DeclineReason, r.CreatedAt)
		case requestChanged(prev, r):
			_, err = sqlTx.ExecContext(ctx, `UPDATE matching_requests SET status=$2, responded_at=$3, decline_reason=$4
				WHERE id=$1`, r.ID, string(r.Status), nullTime(r.RespondedAt), r.DeclineReason)
		}
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return errs.NewConflictError("request for technician " + r.TechnicianID + " violates matching invariants")
			}
			return fmt.Errorf("write request %s: %w", r.ID, err)
		}
	}

	return sqlTx.Commit()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func loadRequests(ctx context.Context, q queryer, matchingID string) ([]*models.MatchingRequest, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+requestColumns+` FROM matching_requests
		WHERE matching_id = $1 ORDER BY created_at, id`, matchingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.MatchingRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanMatching(s scanner) (*models.Matching, error) {
	var (
		m                                 models.Matching
		status                            string
		technicianID                      sql.NullString
		factors                           []string
		matchedAt, arrival, requestExpiry sql.NullTime
	)
	if err := s.Scan(&m.ID, &m.ReservationID, &m.ConsumerID, &m.ServiceID, &m.Pickup.Lat, &m.Pickup.Lon, &status,
		&m.Attempts, &m.CycleStart, &technicianID, &m.SearchRadius, &m.InitialRadius, &m.MaxDistance,
		pq.Array(&factors), &matchedAt, &arrival, &requestExpiry, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Status = models.MatchingStatus(status)
	if technicianID.Valid {
		m.TechnicianID = &technicianID.String
	}
	for _, f := range factors {
		m.PriorityFactors = append(m.PriorityFactors, models.PriorityFactor(f))
	}
	m.MatchedAt = timePtr(matchedAt)
	m.EstimatedArrival = timePtr(arrival)
	m.RequestExpiry = timePtr(requestExpiry)
	return &m, nil
}

func scanRequest(s scanner) (*models.MatchingRequest, error) {
	var (
		r           models.MatchingRequest
		status      string
		respondedAt sql.NullTime
	)
	if err := s.Scan(&r.ID, &r.MatchingID, &r.TechnicianID, &status, &r.Distance, &r.Score, &r.Attempt,
		&r.RequestExpiry, &respondedAt, &r.DeclineReason, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Status = models.RequestStatus(status)
	r.RespondedAt = timePtr(respondedAt)
	return &r, nil
}

func matchingArgs(m *models.Matching) []any {
	return []any{
		m.ID, m.ReservationID, m.ConsumerID, m.ServiceID, m.Pickup.Lat, m.Pickup.Lon, string(m.Status), m.Attempts,
		m.CycleStart, nullString(m.TechnicianID), m.SearchRadius, m.InitialRadius, m.MaxDistance,
		pq.Array(factorStrings(m.PriorityFactors)), nullTime(m.MatchedAt), nullTime(m.EstimatedArrival),
		nullTime(m.RequestExpiry), m.CreatedAt, m.UpdatedAt,
	}
}

func requestChanged(a, b *models.MatchingRequest) bool {
	return a.Status != b.Status || a.DeclineReason != b.DeclineReason || !timeEqual(a.RespondedAt, b.RespondedAt)
}

func factorStrings(fs []models.PriorityFactor) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = string(f)
	}
	return out
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
