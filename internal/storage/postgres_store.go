package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/help-matching/internal/apperr"
	"github.com/example/help-matching/internal/geo"
	"github.com/example/help-matching/internal/models"
)

const defaultCASRetries = 5

var errVersionConflict = errors.New("request changed concurrently")

// OpenPostgres opens and pings a lib/pq connection pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// CreateTables applies the schema. Statements are idempotent.
func CreateTables(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// storeErr maps driver failures to the retryable taxonomy kind.
func storeErr(op string, err error) error {
	if err == nil || apperr.IsDomain(err) {
		return err
	}
	return apperr.Unavailable(op, err)
}

// PostgresRequests stores each request as one row, with acceptances and
// responses embedded as JSONB. Writes use optimistic concurrency on version.
type PostgresRequests struct {
	db         *sql.DB
	casRetries int
}

func NewPostgresRequests(db *sql.DB) *PostgresRequests {
	return &PostgresRequests{db: db, casRetries: defaultCASRetries}
}

const requestColumns = `id, requester_id, type, status, priority, title, description, origin_lat, origin_lon,
	radius_km, max_acceptors, accepted_by, responses, expires_at, completed_at, rating, feedback,
	created_at, updated_at, version`

func (p *PostgresRequests) Create(ctx context.Context, r *models.Request) error {
	accepted, responses, err := marshalEmbedded(r)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO requests(`+requestColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		r.ID, r.RequesterID, r.Type, r.Status, r.Priority, r.Title, r.Description, r.Origin.Lat, r.Origin.Lon,
		r.RadiusKm, r.MaxAcceptors, accepted, responses, r.ExpiresAt, nullTime(r.CompletedAt), nullInt(r.Rating),
		r.Feedback, r.CreatedAt, r.UpdatedAt, r.Version)
	return storeErr("insert request", err)
}

func (p *PostgresRequests) Get(ctx context.Context, id string) (*models.Request, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.NotFound("request", id)
	}
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("request", id)
	}
	return r, storeErr("load request", err)
}

func (p *PostgresRequests) Mutate(ctx context.Context, id string, fn MutateFunc) (*models.Request, error) {
	for attempt := 0; attempt < p.casRetries; attempt++ {
		cur, err := p.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.ID, next.RequesterID = cur.ID, cur.RequesterID
		next.Version = cur.Version + 1
		ok, err := p.compareAndSwap(ctx, cur.Version, next)
		if err != nil {
			return nil, err
		}
		if ok {
			return next, nil
		}
	}
	return nil, apperr.Unavailable("update request "+id, errVersionConflict)
}

func (p *PostgresRequests) compareAndSwap(ctx context.Context, expected int64, r *models.Request) (bool, error) {
	accepted, responses, err := marshalEmbedded(r)
	if err != nil {
		return false, err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE requests
		SET status=$1, priority=$2, accepted_by=$3, responses=$4, completed_at=$5, rating=$6, feedback=$7,
			updated_at=$8, version=$9
		WHERE id=$10 AND version=$11`,
		r.Status, r.Priority, accepted, responses, nullTime(r.CompletedAt), nullInt(r.Rating), r.Feedback,
		r.UpdatedAt, r.Version, r.ID, expected)
	if err != nil {
		return false, storeErr("update request", err)
	}
	n, err := affected(res, "update request")
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func affected(res sql.Result, op string) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr(op, err)
	}
	return n, nil
}

func (p *PostgresRequests) Delete(ctx context.Context, id string, guard func(r *models.Request) error) error {
	for attempt := 0; attempt < p.casRetries; attempt++ {
		cur, err := p.Get(ctx, id)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(cur); err != nil {
				return err
			}
		}
		res, err := p.db.ExecContext(ctx, `DELETE FROM requests WHERE id=$1 AND version=$2`, id, cur.Version)
		if err != nil {
			return storeErr("delete request", err)
		}
		n, err := affected(res, "delete request")
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}
	}
	return apperr.Unavailable("delete request "+id, errVersionConflict)
}

func (p *PostgresRequests) ListByRequester(ctx context.Context, requesterID string) ([]*models.Request, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests
		WHERE requester_id = $1 ORDER BY created_at DESC`, requesterID)
	if err != nil {
		return nil, storeErr("list requests", err)
	}
	defer rows.Close()
	var out []*models.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, storeErr("scan request", err)
		}
		out = append(out, r)
	}
	return out, storeErr("list requests", rows.Err())
}

// ExpireActive bumps version on every row it touches so an in-flight Mutate
// that read the active state fails its compare-and-swap and re-reads.
func (p *PostgresRequests) ExpireActive(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE requests
		SET status='expired', updated_at=$1, version=version+1
		WHERE status='active' AND expires_at <= $1`, now)
	if err != nil {
		return 0, storeErr("expire requests", err)
	}
	n, err := affected(res, "expire requests")
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.Request, error) {
	var (
		r         models.Request
		accepted  []byte
		responses []byte
		completed sql.NullTime
		rating    sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.RequesterID, &r.Type, &r.Status, &r.Priority, &r.Title, &r.Description,
		&r.Origin.Lat, &r.Origin.Lon, &r.RadiusKm, &r.MaxAcceptors, &accepted, &responses, &r.ExpiresAt,
		&completed, &rating, &r.Feedback, &r.CreatedAt, &r.UpdatedAt, &r.Version); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(accepted, &r.AcceptedBy); err != nil {
		return nil, fmt.Errorf("decode accepted_by: %w", err)
	}
	if err := json.Unmarshal(responses, &r.Responses); err != nil {
		return nil, fmt.Errorf("decode responses: %w", err)
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	if rating.Valid {
		v := int(rating.Int64)
		r.Rating = &v
	}
	return &r, nil
}

// marshalEmbedded encodes the JSONB columns as text; lib/pq would send []byte as bytea.
func marshalEmbedded(r *models.Request) (string, string, error) {
	accepted := r.AcceptedBy
	if accepted == nil {
		accepted = []models.Acceptance{}
	}
	responses := r.Responses
	if responses == nil {
		responses = []models.Response{}
	}
	a, err := json.Marshal(accepted)
	if err != nil {
		return "", "", err
	}
	b, err := json.Marshal(responses)
	if err != nil {
		return "", "", err
	}
	return string(a), string(b), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// PostgresUsers doubles as the authoritative radius search.
type PostgresUsers struct {
	db *sql.DB
}

func NewPostgresUsers(db *sql.DB) *PostgresUsers { return &PostgresUsers{db: db} }

const userColumns = `id, name, is_active, location_sharing, lat, lon, location_updated_at,
	emergency_notifications, help_notifications, social_notifications, device_tokens`

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u         models.User
		lat, lon  sql.NullFloat64
		updatedAt sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Name, &u.IsActive, &u.LocationSharing, &lat, &lon, &updatedAt,
		&u.Prefs.Emergency, &u.Prefs.Help, &u.Prefs.Social, pq.Array(&u.DeviceTokens)); err != nil {
		return nil, err
	}
	if lat.Valid && lon.Valid {
		u.Location = &models.Position{Lat: lat.Float64, Lon: lon.Float64}
	}
	if updatedAt.Valid {
		u.LocationUpdatedAt = updatedAt.Time
	}
	return &u, nil
}

func (p *PostgresUsers) Get(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user", id)
	}
	return u, storeErr("load user", err)
}

// GetMany preserves the order of ids, skipping unknown users.
func (p *PostgresUsers) GetMany(ctx context.Context, ids []string) ([]models.User, error) {
	if len(ids) == 0 {
		return []models.User{}, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, storeErr("load users", err)
	}
	defer rows.Close()
	byID := make(map[string]models.User, len(ids))
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, storeErr("scan user", err)
		}
		byID[u.ID] = *u
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("load users", err)
	}
	out := make([]models.User, 0, len(byID))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (p *PostgresUsers) Upsert(ctx context.Context, u *models.User) error {
	var lat, lon sql.NullFloat64
	if u.Location != nil {
		lat = sql.NullFloat64{Float64: u.Location.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: u.Location.Lon, Valid: true}
	}
	tokens := u.DeviceTokens
	if tokens == nil {
		tokens = []string{}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO users(`+userColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, is_active=EXCLUDED.is_active,
			location_sharing=EXCLUDED.location_sharing, lat=EXCLUDED.lat, lon=EXCLUDED.lon,
			location_updated_at=EXCLUDED.location_updated_at,
			emergency_notifications=EXCLUDED.emergency_notifications,
			help_notifications=EXCLUDED.help_notifications,
			social_notifications=EXCLUDED.social_notifications,
			device_tokens=EXCLUDED.device_tokens`,
		u.ID, u.Name, u.IsActive, u.LocationSharing, lat, lon, nullTime(timePtr(u.LocationUpdatedAt)),
		u.Prefs.Emergency, u.Prefs.Help, u.Prefs.Social, pq.Array(tokens))
	return storeErr("upsert user", err)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (p *PostgresUsers) UpdateLocation(ctx context.Context, id string, pos models.Position, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE users SET lat=$1, lon=$2, location_updated_at=$3 WHERE id=$4`,
		pos.Lat, pos.Lon, at, id)
	if err != nil {
		return storeErr("update location", err)
	}
	n, err := affected(res, "update location")
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("user", id)
	}
	return nil
}

// NearbyUserIDs prefilters on a latitude band (served by users_lat_lon_idx)
// and evaluates the haversine distance in SQL.
func (p *PostgresUsers) NearbyUserIDs(ctx context.Context, origin models.Position, radiusKm float64) ([]string, error) {
	band := radiusKm / (geo.EarthRadiusKm * 3.141592653589793 / 180)
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM (
			SELECT id, 2 * $4::float8 * asin(sqrt(
				power(sin(radians(lat - $1) / 2), 2) +
				cos(radians($1)) * cos(radians(lat)) * power(sin(radians(lon - $2) / 2), 2)
			)) AS distance_km
			FROM users
			WHERE is_active AND location_sharing
				AND lat IS NOT NULL AND lon IS NOT NULL
				AND lat BETWEEN $5 AND $6
		) nearby
		WHERE distance_km <= $3
		ORDER BY distance_km, id`,
		origin.Lat, origin.Lon, radiusKm, geo.EarthRadiusKm, origin.Lat-band, origin.Lat+band)
	if err != nil {
		return nil, storeErr("nearby users", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan nearby user", err)
		}
		out = append(out, id)
	}
	return out, storeErr("nearby users", rows.Err())
}

type PostgresConversations struct {
	db *sql.DB
}

func NewPostgresConversations(db *sql.DB) *PostgresConversations { return &PostgresConversations{db: db} }

// FindOrCreate relies on the (request_id, participant_a, participant_b) unique
// constraint, so concurrent callers converge on one row.
func (p *PostgresConversations) FindOrCreate(ctx context.Context, requestID, a, b string) (*models.Conversation, bool, error) {
	pair := models.ParticipantPair(a, b)
	res, err := p.db.ExecContext(ctx, `INSERT INTO conversations(id, request_id, participant_a, participant_b, created_at)
		VALUES($1,$2,$3,$4,$5)
		ON CONFLICT (request_id, participant_a, participant_b) DO NOTHING`,
		uuid.NewString(), requestID, pair[0], pair[1], time.Now().UTC())
	if err != nil {
		return nil, false, storeErr("insert conversation", err)
	}
	n, err := affected(res, "insert conversation")
	if err != nil {
		return nil, false, err
	}

	c := &models.Conversation{}
	err = p.db.QueryRowContext(ctx, `SELECT id, request_id, participant_a, participant_b, created_at
		FROM conversations WHERE request_id=$1 AND participant_a=$2 AND participant_b=$3`,
		requestID, pair[0], pair[1]).Scan(&c.ID, &c.RequestID, &c.Participants[0], &c.Participants[1], &c.CreatedAt)
	if err != nil {
		return nil, false, storeErr("load conversation", err)
	}
	return c, n == 1, nil
}
