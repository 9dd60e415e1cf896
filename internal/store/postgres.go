package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// Postgres implements Store on database/sql with the lib/pq driver.
type Postgres struct {
	db *sql.DB
	q  queryer
}

// queryer is satisfied by both *sql.DB and *sql.Tx so every operation works
// inside and outside Transact.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// OpenPostgres connects to the database and verifies the connection.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db, q: db}, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ErrUnavailable)
}

// ============================================================================
// MOMENTS
// ============================================================================

const momentColumns = `id, slug, title, status, max_participants, duration_seconds,
	total_sessions, total_minutes_present, peak_presence, created_at`

func scanMoment(row *sql.Row) (*Moment, error) {
	var m Moment
	err := row.Scan(&m.ID, &m.Slug, &m.Title, &m.Status, &m.MaxParticipants,
		&m.DurationSeconds, &m.TotalSessions, &m.TotalMinutesPresent,
		&m.PeakPresence, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("scan moment", err)
	}
	return &m, nil
}

func (p *Postgres) FindMomentByID(ctx context.Context, id string) (*Moment, error) {
	row := p.q.QueryRowContext(ctx,
		`SELECT `+momentColumns+` FROM moment WHERE id = $1`, id)
	return scanMoment(row)
}

func (p *Postgres) FindFirstLiveMoment(ctx context.Context) (*Moment, error) {
	row := p.q.QueryRowContext(ctx,
		`SELECT `+momentColumns+` FROM moment WHERE status = 'live' ORDER BY created_at LIMIT 1`)
	return scanMoment(row)
}

func (p *Postgres) IncrementMomentCounters(ctx context.Context, momentID string, sessions, minutes int64) error {
	res, err := p.q.ExecContext(ctx,
		`UPDATE moment
		 SET total_sessions = total_sessions + $2,
		     total_minutes_present = total_minutes_present + $3
		 WHERE id = $1`,
		momentID, sessions, minutes)
	if err != nil {
		return unavailable("increment moment counters", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpdatePeakPresence(ctx context.Context, momentID string, count int) error {
	// Guarded update keeps peak monotone even when two joins race.
	_, err := p.q.ExecContext(ctx,
		`UPDATE moment SET peak_presence = $2 WHERE id = $1 AND peak_presence < $2`,
		momentID, count)
	if err != nil {
		return unavailable("update peak presence", err)
	}
	return nil
}

// ============================================================================
// SESSIONS
// ============================================================================

const sessionColumns = `id, moment_id, started_at, ended_at, duration_seconds,
	user_agent, ip_hash, token`

func scanSession(scan func(dest ...interface{}) error) (*Session, error) {
	var s Session
	var endedAt sql.NullTime
	var userAgent, ipHash, tok sql.NullString
	err := scan(&s.ID, &s.MomentID, &s.StartedAt, &endedAt, &s.DurationSeconds,
		&userAgent, &ipHash, &tok)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("scan session", err)
	}
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	if userAgent.Valid {
		s.UserAgent = &userAgent.String
	}
	if ipHash.Valid {
		s.IPHash = &ipHash.String
	}
	if tok.Valid {
		s.Token = &tok.String
	}
	return &s, nil
}

func (p *Postgres) CreateSession(ctx context.Context, s *Session) error {
	_, err := p.q.ExecContext(ctx,
		`INSERT INTO session (id, moment_id, started_at, ended_at, duration_seconds, user_agent, ip_hash, token)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.MomentID, s.StartedAt, s.EndedAt, s.DurationSeconds,
		s.UserAgent, s.IPHash, s.Token)
	if err != nil {
		return unavailable("create session", err)
	}
	return nil
}

func (p *Postgres) FindSession(ctx context.Context, id string) (*Session, error) {
	row := p.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM session WHERE id = $1`, id)
	return scanSession(row.Scan)
}

func (p *Postgres) UpdateSession(ctx context.Context, id string, patch SessionPatch) error {
	res, err := p.q.ExecContext(ctx,
		`UPDATE session SET
		   token = COALESCE($2, token),
		   ended_at = COALESCE($3, ended_at),
		   duration_seconds = COALESCE($4, duration_seconds)
		 WHERE id = $1`,
		id, patch.Token, patch.EndedAt, patch.DurationSeconds)
	if err != nil {
		return unavailable("update session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) FindStaleSessions(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	rows, err := p.q.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM session s
		 WHERE s.ended_at IS NULL
		   AND s.started_at < $1
		   AND NOT EXISTS (
		     SELECT 1 FROM presence pr
		     WHERE pr.session_id = s.id AND pr.last_heartbeat_at >= $1
		   )`,
		cutoff)
	if err != nil {
		return nil, unavailable("find stale sessions", err)
	}
	defer rows.Close()

	var stale []*Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		stale = append(stale, s)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("find stale sessions", err)
	}
	return stale, nil
}

// ============================================================================
// PRESENCES
// ============================================================================

func (p *Postgres) CreatePresence(ctx context.Context, pr *Presence) error {
	_, err := p.q.ExecContext(ctx,
		`INSERT INTO presence (id, socket_id, session_id, moment_id, connected_at, last_heartbeat_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		pr.ID, pr.SocketID, pr.SessionID, pr.MomentID, pr.ConnectedAt, pr.LastHeartbeatAt)
	if err != nil {
		return unavailable("create presence", err)
	}
	return nil
}

func (p *Postgres) DeletePresenceBySocketID(ctx context.Context, socketID string) error {
	_, err := p.q.ExecContext(ctx, `DELETE FROM presence WHERE socket_id = $1`, socketID)
	if err != nil {
		return unavailable("delete presence", err)
	}
	return nil
}

func (p *Postgres) DeletePresencesBySessionID(ctx context.Context, sessionID string) (int, error) {
	res, err := p.q.ExecContext(ctx, `DELETE FROM presence WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, unavailable("delete presences", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *Postgres) UpdatePresenceHeartbeat(ctx context.Context, socketID string, ts time.Time) error {
	_, err := p.q.ExecContext(ctx,
		`UPDATE presence SET last_heartbeat_at = $2 WHERE socket_id = $1`, socketID, ts)
	if err != nil {
		return unavailable("update presence heartbeat", err)
	}
	return nil
}

func (p *Postgres) CountPresences(ctx context.Context, momentID string) (int, error) {
	var row *sql.Row
	if momentID == "" {
		row = p.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM presence`)
	} else {
		row = p.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM presence WHERE moment_id = $1`, momentID)
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, unavailable("count presences", err)
	}
	return n, nil
}

// ============================================================================
// TRANSACTIONS & LIFECYCLE
// ============================================================================

func (p *Postgres) Transact(ctx context.Context, fn func(Store) error) error {
	if p.db == nil {
		// Already inside a transaction; run flat.
		return fn(p)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin tx", err)
	}
	if err := fn(&Postgres{q: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit tx", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if p.db == nil {
		return nil
	}
	if err := p.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}
