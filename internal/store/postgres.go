package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/inboxpilot/jobtrack/internal/cache"
	"github.com/inboxpilot/jobtrack/internal/db"
	"github.com/inboxpilot/jobtrack/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"insert_message":  `INSERT INTO messages (id, thread_id, account_id, subject, sender, body, received_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	"get_message":     `SELECT id, thread_id, account_id, subject, sender, body, received_at FROM messages WHERE id = $1`,
	"get_state":       `SELECT message_id, account_id, stage, is_job_related, relevance_confidence, needs_review, selected_extraction, selected_model_id, selection_method, application_id, updated_at FROM pipeline_states WHERE message_id = $1`,
	"save_state":      upsertStateSQL,
	"insert_attempt":  `INSERT INTO extraction_attempts (id, message_id, model_id, fields, duration_ns, raw_response, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	"list_attempts":   `SELECT id, message_id, model_id, fields, duration_ns, raw_response, created_at FROM extraction_attempts WHERE message_id = $1 ORDER BY seq ASC`,
	"get_cache_entry": `SELECT key, stage, decision, confidence, model_id, fallback_used, cached_at, expires_at FROM classification_cache WHERE stage = $1 AND key = $2 AND expires_at > now()`,
	"set_cache_entry": upsertCacheSQL,
}

const upsertStateSQL = `INSERT INTO pipeline_states
	(message_id, account_id, stage, is_job_related, relevance_confidence, needs_review, selected_extraction, selected_model_id, selection_method, application_id, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (message_id) DO UPDATE SET
	  account_id = $2, stage = $3, is_job_related = $4, relevance_confidence = $5,
	  needs_review = $6, selected_extraction = $7, selected_model_id = $8,
	  selection_method = $9, application_id = $10, updated_at = $11`

const upsertCacheSQL = `INSERT INTO classification_cache
	(stage, key, decision, confidence, model_id, fallback_used, cached_at, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (stage, key) DO UPDATE SET
	  decision = $3, confidence = $4, model_id = $5, fallback_used = $6, cached_at = $7, expires_at = $8`

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	thread_id   TEXT NOT NULL,
	account_id  TEXT NOT NULL DEFAULT '',
	subject     TEXT NOT NULL DEFAULT '',
	sender      TEXT NOT NULL DEFAULT '',
	body        TEXT NOT NULL DEFAULT '',
	received_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);
CREATE INDEX IF NOT EXISTS idx_messages_account ON messages(account_id);

CREATE TABLE IF NOT EXISTS pipeline_states (
	message_id           TEXT PRIMARY KEY REFERENCES messages(id),
	account_id           TEXT NOT NULL DEFAULT '',
	stage                TEXT NOT NULL DEFAULT 'pending',
	is_job_related       BOOLEAN,
	relevance_confidence DOUBLE PRECISION,
	needs_review         BOOLEAN NOT NULL DEFAULT FALSE,
	selected_extraction  JSONB,
	selected_model_id    TEXT NOT NULL DEFAULT '',
	selection_method     TEXT NOT NULL DEFAULT '',
	application_id       TEXT NOT NULL DEFAULT '',
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_pipeline_states_stage ON pipeline_states(stage);
CREATE INDEX IF NOT EXISTS idx_pipeline_states_review ON pipeline_states(needs_review) WHERE needs_review;
CREATE INDEX IF NOT EXISTS idx_pipeline_states_application ON pipeline_states(application_id);

CREATE TABLE IF NOT EXISTS extraction_attempts (
	seq          BIGSERIAL,
	id           TEXT PRIMARY KEY,
	message_id   TEXT NOT NULL,
	model_id     TEXT NOT NULL,
	fields       JSONB NOT NULL,
	duration_ns  BIGINT NOT NULL DEFAULT 0,
	raw_response TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_extraction_attempts_message ON extraction_attempts(message_id, seq);
CREATE INDEX IF NOT EXISTS idx_extraction_attempts_model ON extraction_attempts(model_id);

CREATE TABLE IF NOT EXISTS classification_cache (
	stage      TEXT NOT NULL,
	key        TEXT NOT NULL,
	decision   BOOLEAN NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	model_id   TEXT NOT NULL DEFAULT '',
	fallback_used BOOLEAN NOT NULL DEFAULT FALSE,
	cached_at  TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (stage, key)
);

CREATE INDEX IF NOT EXISTS idx_classification_cache_expires ON classification_cache(expires_at);

CREATE TABLE IF NOT EXISTS applications (
	id                TEXT PRIMARY KEY,
	account_id        TEXT NOT NULL DEFAULT '',
	company           TEXT NOT NULL,
	company_key       TEXT NOT NULL,
	title             TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'applied',
	location          TEXT NOT NULL DEFAULT '',
	first_contact_at  TIMESTAMPTZ NOT NULL,
	last_contact_at   TIMESTAMPTZ NOT NULL,
	message_count     INTEGER NOT NULL DEFAULT 0,
	primary_thread_id TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_applications_company_key ON applications(account_id, company_key);
CREATE INDEX IF NOT EXISTS idx_applications_status ON applications(status);

CREATE TABLE IF NOT EXISTS application_threads (
	application_id TEXT NOT NULL REFERENCES applications(id) ON DELETE CASCADE,
	thread_id      TEXT NOT NULL,
	account_id     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (application_id, thread_id)
);

CREATE INDEX IF NOT EXISTS idx_application_threads_lookup ON application_threads(account_id, thread_id);

CREATE TABLE IF NOT EXISTS status_history (
	id             TEXT PRIMARY KEY,
	application_id TEXT NOT NULL,
	status         TEXT NOT NULL,
	message_id     TEXT NOT NULL DEFAULT '',
	occurred_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_status_history_application ON status_history(application_id, occurred_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// isUniqueViolation reports a 23505 unique-constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) UpsertMessage(ctx context.Context, msg model.Message) (bool, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, thread_id, account_id, subject, sender, body, received_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.ThreadID, msg.AccountID, msg.Subject, msg.Sender, msg.Body, msg.ReceivedAt,
	)
	if err != nil {
		// Duplicate ingestion is an idempotent no-op.
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, eris.Wrapf(err, "postgres: insert message %s", msg.ID)
	}
	return true, nil
}

// ImportMessages bulk-loads messages via COPY into a temp table; duplicates
// are skipped.
func (s *PostgresStore) ImportMessages(ctx context.Context, msgs []model.Message) (int, error) {
	rows := make([][]any, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, []any{m.ID, m.ThreadID, m.AccountID, m.Subject, m.Sender, m.Body, m.ReceivedAt})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "messages",
		Columns:      []string{"id", "thread_id", "account_id", "subject", "sender", "body", "received_at"},
		ConflictKeys: []string{"id"},
		DoNothing:    true,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: import messages")
	}
	return int(n), nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var m model.Message
	err := s.pool.QueryRow(ctx,
		`SELECT id, thread_id, account_id, subject, sender, body, received_at FROM messages WHERE id = $1`,
		id,
	).Scan(&m.ID, &m.ThreadID, &m.AccountID, &m.Subject, &m.Sender, &m.Body, &m.ReceivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get message %s", id)
	}
	return &m, nil
}

func (s *PostgresStore) ListPendingMessages(ctx context.Context, accountID string, limit int) ([]model.Message, error) {
	query := `SELECT m.id, m.thread_id, m.account_id, m.subject, m.sender, m.body, m.received_at
	          FROM messages m
	          LEFT JOIN pipeline_states ps ON ps.message_id = m.id
	          WHERE (ps.message_id IS NULL OR ps.stage IN ('pending', 'extraction_pending'))`
	args := []any{}
	argIdx := 1

	if accountID != "" {
		query += fmt.Sprintf(` AND m.account_id = $%d`, argIdx)
		args = append(args, accountID)
		argIdx++
	}
	query += ` ORDER BY m.received_at ASC, m.id ASC`
	if limit <= 0 {
		limit = 500
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending messages")
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.AccountID, &m.Subject, &m.Sender, &m.Body, &m.ReceivedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan message")
		}
		msgs = append(msgs, m)
	}
	return msgs, eris.Wrap(rows.Err(), "postgres: list pending messages iterate")
}

func (s *PostgresStore) GetState(ctx context.Context, messageID string) (*model.PipelineState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT message_id, account_id, stage, is_job_related, relevance_confidence, needs_review, selected_extraction, selected_model_id, selection_method, application_id, updated_at
		 FROM pipeline_states WHERE message_id = $1`,
		messageID,
	)
	st, err := scanState(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get state %s", messageID)
	}
	return st, nil
}

func (s *PostgresStore) SaveState(ctx context.Context, st model.PipelineState) error {
	var selectedJSON []byte
	if st.Selected != nil {
		var err error
		selectedJSON, err = json.Marshal(st.Selected)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal selected extraction")
		}
	}

	_, err := s.pool.Exec(ctx, upsertStateSQL,
		st.MessageID, st.AccountID, string(st.Stage), st.IsJobRelated, st.RelevanceConfidence,
		st.NeedsReview, selectedJSON, st.SelectedModelID, string(st.SelectionMethod),
		st.ApplicationID, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save state %s", st.MessageID)
}

func (s *PostgresStore) ListStates(ctx context.Context, filter StateFilter) ([]model.PipelineState, error) {
	query := `SELECT message_id, account_id, stage, is_job_related, relevance_confidence, needs_review, selected_extraction, selected_model_id, selection_method, application_id, updated_at
	          FROM pipeline_states WHERE true`
	args := []any{}
	argIdx := 1

	if filter.AccountID != "" {
		query += fmt.Sprintf(` AND account_id = $%d`, argIdx)
		args = append(args, filter.AccountID)
		argIdx++
	}
	if filter.Stage != "" {
		query += fmt.Sprintf(` AND stage = $%d`, argIdx)
		args = append(args, string(filter.Stage))
		argIdx++
	}
	if filter.NeedsReview != nil {
		query += fmt.Sprintf(` AND needs_review = $%d`, argIdx)
		args = append(args, *filter.NeedsReview)
		argIdx++
	}
	query += ` ORDER BY updated_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list states")
	}
	defer rows.Close()

	var states []model.PipelineState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan state")
		}
		states = append(states, *st)
	}
	return states, eris.Wrap(rows.Err(), "postgres: list states iterate")
}

func (s *PostgresStore) CountStates(ctx context.Context) (map[model.Stage]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT stage, COUNT(*) FROM pipeline_states GROUP BY stage`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count states")
	}
	defer rows.Close()

	counts := make(map[model.Stage]int)
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan state count")
		}
		counts[model.Stage(stage)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count states iterate")
}

// scanState reads one pipeline_states row from either QueryRow or Query.
func scanState(row pgx.Row) (*model.PipelineState, error) {
	var st model.PipelineState
	var stage, method string
	var selectedJSON []byte

	err := row.Scan(&st.MessageID, &st.AccountID, &stage, &st.IsJobRelated, &st.RelevanceConfidence,
		&st.NeedsReview, &selectedJSON, &st.SelectedModelID, &method, &st.ApplicationID, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.Stage = model.Stage(stage)
	st.SelectionMethod = model.SelectionMethod(method)
	if len(selectedJSON) > 0 {
		st.Selected = &model.ExtractedFields{}
		if err := json.Unmarshal(selectedJSON, st.Selected); err != nil {
			return nil, eris.Wrap(err, "unmarshal selected extraction")
		}
	}
	return &st, nil
}

func (s *PostgresStore) AppendAttempt(ctx context.Context, a model.ExtractionAttempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	fieldsJSON, err := json.Marshal(a.Fields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal attempt fields")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO extraction_attempts (id, message_id, model_id, fields, duration_ns, raw_response, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.MessageID, a.ModelID, fieldsJSON, int64(a.Duration), a.RawResponse, a.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: append attempt for %s", a.MessageID)
}

func (s *PostgresStore) ListAttempts(ctx context.Context, messageID string) ([]model.ExtractionAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, message_id, model_id, fields, duration_ns, raw_response, created_at FROM extraction_attempts WHERE message_id = $1 ORDER BY seq ASC`,
		messageID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list attempts")
	}
	defer rows.Close()

	var attempts []model.ExtractionAttempt
	for rows.Next() {
		var a model.ExtractionAttempt
		var fieldsJSON []byte
		var durationNS int64
		var raw *string
		if err := rows.Scan(&a.ID, &a.MessageID, &a.ModelID, &fieldsJSON, &durationNS, &raw, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		a.Duration = time.Duration(durationNS)
		if raw != nil {
			a.RawResponse = *raw
		}
		if err := json.Unmarshal(fieldsJSON, &a.Fields); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal attempt fields")
		}
		attempts = append(attempts, a)
	}
	return attempts, eris.Wrap(rows.Err(), "postgres: list attempts iterate")
}

func (s *PostgresStore) PurgeAttemptsByModel(ctx context.Context, modelID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM extraction_attempts WHERE model_id = $1`, modelID)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: purge attempts for %s", modelID)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) GetCacheEntry(ctx context.Context, stage, key string) (*cache.Entry, error) {
	var e cache.Entry
	err := s.pool.QueryRow(ctx,
		`SELECT key, stage, decision, confidence, model_id, fallback_used, cached_at, expires_at FROM classification_cache WHERE stage = $1 AND key = $2 AND expires_at > now()`,
		stage, key,
	).Scan(&e.Key, &e.Stage, &e.Decision, &e.Confidence, &e.ModelID, &e.FallbackUsed, &e.CachedAt, &e.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get cache entry")
	}
	return &e, nil
}

func (s *PostgresStore) SetCacheEntry(ctx context.Context, e cache.Entry) error {
	_, err := s.pool.Exec(ctx, upsertCacheSQL,
		e.Stage, e.Key, e.Decision, e.Confidence, e.ModelID, e.FallbackUsed, e.CachedAt, e.ExpiresAt,
	)
	return eris.Wrap(err, "postgres: set cache entry")
}

func (s *PostgresStore) DeleteExpiredCacheEntries(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM classification_cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired cache entries")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CreateApplication(ctx context.Context, app model.Application) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: create application begin")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO applications (id, account_id, company, company_key, title, status, location, first_contact_at, last_contact_at, message_count, primary_thread_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		app.ID, app.AccountID, app.Company, app.CompanyKey, app.Title, string(app.Status), app.Location,
		app.FirstContactAt, app.LastContactAt, app.MessageCount, app.PrimaryThreadID, app.CreatedAt, app.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert application %s", app.ID)
	}

	for _, tid := range threadSet(app) {
		if _, err := tx.Exec(ctx,
			`INSERT INTO application_threads (application_id, thread_id, account_id) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			app.ID, tid, app.AccountID,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert application thread %s", tid)
		}
	}

	// Creation status opens the history.
	if _, err := tx.Exec(ctx,
		`INSERT INTO status_history (id, application_id, status, message_id, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
		uuid.New().String(), app.ID, string(app.Status), "", app.FirstContactAt,
	); err != nil {
		return eris.Wrap(err, "postgres: insert initial status history")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: create application commit")
}

const applicationColumns = `a.id, a.account_id, a.company, a.company_key, a.title, a.status, a.location, a.first_contact_at, a.last_contact_at, a.message_count, a.primary_thread_id, a.created_at, a.updated_at,
	COALESCE(array_agg(t.thread_id) FILTER (WHERE t.thread_id IS NOT NULL), '{}')`

const applicationJoin = ` FROM applications a LEFT JOIN application_threads t ON t.application_id = a.id`

func (s *PostgresStore) GetApplication(ctx context.Context, id string) (*model.Application, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+applicationColumns+applicationJoin+` WHERE a.id = $1 GROUP BY a.id`,
		id,
	)
	app, err := scanApplication(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get application %s", id)
	}
	return app, nil
}

func (s *PostgresStore) GetApplicationByThread(ctx context.Context, accountID, threadID string) (*model.Application, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+applicationColumns+applicationJoin+`
		 WHERE a.id IN (
		   SELECT application_id FROM application_threads WHERE thread_id = $1 AND ($2 = '' OR account_id = $2)
		   UNION
		   SELECT id FROM applications WHERE primary_thread_id = $1 AND ($2 = '' OR account_id = $2)
		 )
		 GROUP BY a.id LIMIT 1`,
		threadID, accountID,
	)
	app, err := scanApplication(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get application by thread %s", threadID)
	}
	return app, nil
}

func (s *PostgresStore) ListApplications(ctx context.Context, filter ApplicationFilter) ([]model.Application, error) {
	query := `SELECT ` + applicationColumns + applicationJoin + ` WHERE true`
	args := []any{}
	argIdx := 1

	if filter.AccountID != "" {
		query += fmt.Sprintf(` AND a.account_id = $%d`, argIdx)
		args = append(args, filter.AccountID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND a.status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Company != "" {
		query += fmt.Sprintf(` AND a.company ILIKE $%d`, argIdx)
		args = append(args, "%"+filter.Company+"%")
		argIdx++
	}
	query += ` GROUP BY a.id ORDER BY a.last_contact_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	return s.queryApplications(ctx, query, args...)
}

func (s *PostgresStore) ListApplicationsByCompanyKey(ctx context.Context, accountID, companyKey string) ([]model.Application, error) {
	return s.queryApplications(ctx,
		`SELECT `+applicationColumns+applicationJoin+`
		 WHERE a.company_key = $1 AND ($2 = '' OR a.account_id = $2)
		 GROUP BY a.id ORDER BY a.created_at ASC`,
		companyKey, accountID,
	)
}

func (s *PostgresStore) queryApplications(ctx context.Context, query string, args ...any) ([]model.Application, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list applications")
	}
	defer rows.Close()

	var apps []model.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan application")
		}
		apps = append(apps, *app)
	}
	return apps, eris.Wrap(rows.Err(), "postgres: list applications iterate")
}

func scanApplication(row pgx.Row) (*model.Application, error) {
	var app model.Application
	var status string
	err := row.Scan(&app.ID, &app.AccountID, &app.Company, &app.CompanyKey, &app.Title, &status,
		&app.Location, &app.FirstContactAt, &app.LastContactAt, &app.MessageCount,
		&app.PrimaryThreadID, &app.CreatedAt, &app.UpdatedAt, &app.ThreadIDs)
	if err != nil {
		return nil, err
	}
	app.Status = model.Status(status)
	return &app, nil
}

func (s *PostgresStore) AttachMessage(ctx context.Context, p AttachParams) (*model.Application, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: attach begin")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE applications SET
		   message_count = message_count + 1,
		   last_contact_at = GREATEST(last_contact_at, $1),
		   updated_at = now()
		 WHERE id = $2`,
		p.OccurredAt, p.ApplicationID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: attach update %s", p.ApplicationID)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	if p.ThreadID != "" {
		if _, err := tx.Exec(ctx,
			`INSERT INTO application_threads (application_id, thread_id, account_id)
			 SELECT $1, $2, account_id FROM applications WHERE id = $1
			 ON CONFLICT DO NOTHING`,
			p.ApplicationID, p.ThreadID,
		); err != nil {
			return nil, eris.Wrapf(err, "postgres: attach thread %s", p.ThreadID)
		}
	}

	if p.NewStatus != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE applications SET status = $1 WHERE id = $2`,
			string(*p.NewStatus), p.ApplicationID,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: attach status update")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO status_history (id, application_id, status, message_id, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
			uuid.New().String(), p.ApplicationID, string(*p.NewStatus), p.MessageID, p.OccurredAt,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: attach status history")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: attach commit")
	}
	return s.GetApplication(ctx, p.ApplicationID)
}

func (s *PostgresStore) MergeApplications(ctx context.Context, primaryID, secondaryID string) (*model.Application, error) {
	if primaryID == secondaryID {
		return nil, eris.Errorf("store: cannot merge application %s into itself", primaryID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: merge begin")
	}
	defer tx.Rollback(ctx)

	// Lock both records; bail before mutating anything if either is missing.
	var primaryLast, secondaryLast time.Time
	var secondaryCount int
	var secondaryStatus string
	var secondaryFirst time.Time
	err = tx.QueryRow(ctx,
		`SELECT last_contact_at FROM applications WHERE id = $1 FOR UPDATE`,
		primaryID,
	).Scan(&primaryLast)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: merge primary %s", primaryID)
		}
		return nil, eris.Wrap(err, "postgres: merge lock primary")
	}
	err = tx.QueryRow(ctx,
		`SELECT last_contact_at, first_contact_at, message_count, status FROM applications WHERE id = $1 FOR UPDATE`,
		secondaryID,
	).Scan(&secondaryLast, &secondaryFirst, &secondaryCount, &secondaryStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: merge secondary %s", secondaryID)
		}
		return nil, eris.Wrap(err, "postgres: merge lock secondary")
	}

	// Repoint dependents.
	if _, err := tx.Exec(ctx,
		`UPDATE status_history SET application_id = $1 WHERE application_id = $2`,
		primaryID, secondaryID,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: merge move history")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE pipeline_states SET application_id = $1 WHERE application_id = $2`,
		primaryID, secondaryID,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: merge move states")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO application_threads (application_id, thread_id, account_id)
		 SELECT $1, thread_id, account_id FROM application_threads WHERE application_id = $2
		 ON CONFLICT DO NOTHING`,
		primaryID, secondaryID,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: merge union threads")
	}

	// Absorb counters; the newer record's status wins.
	update := `UPDATE applications SET
		message_count = message_count + $1,
		last_contact_at = GREATEST(last_contact_at, $2),
		first_contact_at = LEAST(first_contact_at, $3),
		updated_at = now()`
	args := []any{secondaryCount, secondaryLast, secondaryFirst}
	if secondaryLast.After(primaryLast) {
		update += `, status = $4 WHERE id = $5`
		args = append(args, secondaryStatus, primaryID)
	} else {
		update += ` WHERE id = $4`
		args = append(args, primaryID)
	}
	if _, err := tx.Exec(ctx, update, args...); err != nil {
		return nil, eris.Wrap(err, "postgres: merge absorb")
	}

	// ON DELETE CASCADE clears the loser's thread rows.
	if _, err := tx.Exec(ctx, `DELETE FROM applications WHERE id = $1`, secondaryID); err != nil {
		return nil, eris.Wrap(err, "postgres: merge delete secondary")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: merge commit")
	}
	return s.GetApplication(ctx, primaryID)
}

func (s *PostgresStore) ListStatusHistory(ctx context.Context, applicationID string) ([]model.StatusHistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, application_id, status, message_id, occurred_at FROM status_history WHERE application_id = $1 ORDER BY occurred_at ASC, id ASC`,
		applicationID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list status history")
	}
	defer rows.Close()

	var entries []model.StatusHistoryEntry
	for rows.Next() {
		var e model.StatusHistoryEntry
		var status string
		if err := rows.Scan(&e.ID, &e.ApplicationID, &status, &e.MessageID, &e.OccurredAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status history")
		}
		e.Status = model.Status(status)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list status history iterate")
}

// threadSet returns the record's thread IDs with the primary included once.
func threadSet(app model.Application) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(tid string) {
		if tid != "" && !seen[tid] {
			seen[tid] = true
			out = append(out, tid)
		}
	}
	add(app.PrimaryThreadID)
	for _, tid := range app.ThreadIDs {
		add(tid)
	}
	return out
}

var _ Store = (*PostgresStore)(nil)
