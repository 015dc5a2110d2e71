package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/inboxpilot/jobtrack/internal/cache"
	"github.com/inboxpilot/jobtrack/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. The default driver
// for single-user deployments: one file, no server.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// The batch runs concurrent workers but SQLite allows one writer.
	sdb.SetMaxOpenConns(1)
	return &SQLiteStore{db: sdb, now: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	thread_id   TEXT NOT NULL,
	account_id  TEXT NOT NULL DEFAULT '',
	subject     TEXT NOT NULL DEFAULT '',
	sender      TEXT NOT NULL DEFAULT '',
	body        TEXT NOT NULL DEFAULT '',
	received_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);

CREATE TABLE IF NOT EXISTS pipeline_states (
	message_id           TEXT PRIMARY KEY REFERENCES messages(id),
	account_id           TEXT NOT NULL DEFAULT '',
	stage                TEXT NOT NULL DEFAULT 'pending',
	is_job_related       BOOLEAN,
	relevance_confidence REAL,
	needs_review         BOOLEAN NOT NULL DEFAULT 0,
	selected_extraction  TEXT,
	selected_model_id    TEXT NOT NULL DEFAULT '',
	selection_method     TEXT NOT NULL DEFAULT '',
	application_id       TEXT NOT NULL DEFAULT '',
	updated_at           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_pipeline_states_stage ON pipeline_states(stage);
CREATE INDEX IF NOT EXISTS idx_pipeline_states_review ON pipeline_states(needs_review);

CREATE TABLE IF NOT EXISTS extraction_attempts (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	message_id   TEXT NOT NULL,
	model_id     TEXT NOT NULL,
	fields       TEXT NOT NULL,
	duration_ns  INTEGER NOT NULL DEFAULT 0,
	raw_response TEXT,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_extraction_attempts_message ON extraction_attempts(message_id, seq);
CREATE INDEX IF NOT EXISTS idx_extraction_attempts_model ON extraction_attempts(model_id);

CREATE TABLE IF NOT EXISTS classification_cache (
	stage      TEXT NOT NULL,
	key        TEXT NOT NULL,
	decision   BOOLEAN NOT NULL,
	confidence REAL NOT NULL,
	model_id   TEXT NOT NULL DEFAULT '',
	fallback_used BOOLEAN NOT NULL DEFAULT 0,
	cached_at  DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	PRIMARY KEY (stage, key)
);

CREATE TABLE IF NOT EXISTS applications (
	id                TEXT PRIMARY KEY,
	account_id        TEXT NOT NULL DEFAULT '',
	company           TEXT NOT NULL,
	company_key       TEXT NOT NULL,
	title             TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'applied',
	location          TEXT NOT NULL DEFAULT '',
	first_contact_at  DATETIME NOT NULL,
	last_contact_at   DATETIME NOT NULL,
	message_count     INTEGER NOT NULL DEFAULT 0,
	primary_thread_id TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_applications_company_key ON applications(account_id, company_key);

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
	occurred_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_status_history_application ON status_history(application_id, occurred_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertMessage(ctx context.Context, msg model.Message) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, account_id, subject, sender, body, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.ThreadID, msg.AccountID, msg.Subject, msg.Sender, msg.Body, msg.ReceivedAt.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert message %s", msg.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert message rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ImportMessages(ctx context.Context, msgs []model.Message) (int, error) {
	created := 0
	for _, m := range msgs {
		ok, err := s.UpsertMessage(ctx, m)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var m model.Message
	err := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, account_id, subject, sender, body, received_at FROM messages WHERE id = ?`,
		id,
	).Scan(&m.ID, &m.ThreadID, &m.AccountID, &m.Subject, &m.Sender, &m.Body, &m.ReceivedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get message %s", id)
	}
	return &m, nil
}

func (s *SQLiteStore) ListPendingMessages(ctx context.Context, accountID string, limit int) ([]model.Message, error) {
	query := `SELECT m.id, m.thread_id, m.account_id, m.subject, m.sender, m.body, m.received_at
	          FROM messages m
	          LEFT JOIN pipeline_states ps ON ps.message_id = m.id
	          WHERE (ps.message_id IS NULL OR ps.stage IN ('pending', 'extraction_pending'))`
	args := []any{}
	if accountID != "" {
		query += ` AND m.account_id = ?`
		args = append(args, accountID)
	}
	if limit <= 0 {
		limit = 500
	}
	query += ` ORDER BY m.received_at ASC, m.id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending messages")
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.AccountID, &m.Subject, &m.Sender, &m.Body, &m.ReceivedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan message")
		}
		msgs = append(msgs, m)
	}
	return msgs, eris.Wrap(rows.Err(), "sqlite: list pending messages iterate")
}

func (s *SQLiteStore) GetState(ctx context.Context, messageID string) (*model.PipelineState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT message_id, account_id, stage, is_job_related, relevance_confidence, needs_review, selected_extraction, selected_model_id, selection_method, application_id, updated_at
		 FROM pipeline_states WHERE message_id = ?`,
		messageID,
	)
	st, err := scanStateSQL(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get state %s", messageID)
	}
	return st, nil
}

func (s *SQLiteStore) SaveState(ctx context.Context, st model.PipelineState) error {
	var selectedJSON any
	if st.Selected != nil {
		b, err := json.Marshal(st.Selected)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal selected extraction")
		}
		selectedJSON = string(b)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_states
		 (message_id, account_id, stage, is_job_related, relevance_confidence, needs_review, selected_extraction, selected_model_id, selection_method, application_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (message_id) DO UPDATE SET
		   account_id = excluded.account_id, stage = excluded.stage,
		   is_job_related = excluded.is_job_related, relevance_confidence = excluded.relevance_confidence,
		   needs_review = excluded.needs_review, selected_extraction = excluded.selected_extraction,
		   selected_model_id = excluded.selected_model_id, selection_method = excluded.selection_method,
		   application_id = excluded.application_id, updated_at = excluded.updated_at`,
		st.MessageID, st.AccountID, string(st.Stage), st.IsJobRelated, st.RelevanceConfidence,
		st.NeedsReview, selectedJSON, st.SelectedModelID, string(st.SelectionMethod),
		st.ApplicationID, s.now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save state %s", st.MessageID)
}

func (s *SQLiteStore) ListStates(ctx context.Context, filter StateFilter) ([]model.PipelineState, error) {
	query := `SELECT message_id, account_id, stage, is_job_related, relevance_confidence, needs_review, selected_extraction, selected_model_id, selection_method, application_id, updated_at
	          FROM pipeline_states WHERE 1=1`
	args := []any{}

	if filter.AccountID != "" {
		query += ` AND account_id = ?`
		args = append(args, filter.AccountID)
	}
	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	if filter.NeedsReview != nil {
		query += ` AND needs_review = ?`
		args = append(args, *filter.NeedsReview)
	}
	query += ` ORDER BY updated_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list states")
	}
	defer rows.Close()

	var states []model.PipelineState
	for rows.Next() {
		st, err := scanStateSQL(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan state")
		}
		states = append(states, *st)
	}
	return states, eris.Wrap(rows.Err(), "sqlite: list states iterate")
}

func (s *SQLiteStore) CountStates(ctx context.Context) (map[model.Stage]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stage, COUNT(*) FROM pipeline_states GROUP BY stage`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count states")
	}
	defer rows.Close()

	counts := make(map[model.Stage]int)
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan state count")
		}
		counts[model.Stage(stage)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count states iterate")
}

func scanStateSQL(scan func(dest ...any) error) (*model.PipelineState, error) {
	var st model.PipelineState
	var stage, method string
	var selectedJSON sql.NullString

	err := scan(&st.MessageID, &st.AccountID, &stage, &st.IsJobRelated, &st.RelevanceConfidence,
		&st.NeedsReview, &selectedJSON, &st.SelectedModelID, &method, &st.ApplicationID, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.Stage = model.Stage(stage)
	st.SelectionMethod = model.SelectionMethod(method)
	if selectedJSON.Valid && selectedJSON.String != "" {
		st.Selected = &model.ExtractedFields{}
		if err := json.Unmarshal([]byte(selectedJSON.String), st.Selected); err != nil {
			return nil, eris.Wrap(err, "unmarshal selected extraction")
		}
	}
	return &st, nil
}

func (s *SQLiteStore) AppendAttempt(ctx context.Context, a model.ExtractionAttempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	fieldsJSON, err := json.Marshal(a.Fields)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal attempt fields")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO extraction_attempts (id, message_id, model_id, fields, duration_ns, raw_response, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.MessageID, a.ModelID, string(fieldsJSON), int64(a.Duration), a.RawResponse, a.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: append attempt for %s", a.MessageID)
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, messageID string) ([]model.ExtractionAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, model_id, fields, duration_ns, raw_response, created_at FROM extraction_attempts WHERE message_id = ? ORDER BY seq ASC`,
		messageID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list attempts")
	}
	defer rows.Close()

	var attempts []model.ExtractionAttempt
	for rows.Next() {
		var a model.ExtractionAttempt
		var fieldsJSON string
		var durationNS int64
		var raw sql.NullString
		if err := rows.Scan(&a.ID, &a.MessageID, &a.ModelID, &fieldsJSON, &durationNS, &raw, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		a.Duration = time.Duration(durationNS)
		a.RawResponse = raw.String
		if err := json.Unmarshal([]byte(fieldsJSON), &a.Fields); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal attempt fields")
		}
		attempts = append(attempts, a)
	}
	return attempts, eris.Wrap(rows.Err(), "sqlite: list attempts iterate")
}

func (s *SQLiteStore) PurgeAttemptsByModel(ctx context.Context, modelID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM extraction_attempts WHERE model_id = ?`, modelID)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: purge attempts for %s", modelID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: purge attempts rows affected")
}

func (s *SQLiteStore) GetCacheEntry(ctx context.Context, stage, key string) (*cache.Entry, error) {
	var e cache.Entry
	err := s.db.QueryRowContext(ctx,
		`SELECT key, stage, decision, confidence, model_id, fallback_used, cached_at, expires_at FROM classification_cache WHERE stage = ? AND key = ? AND expires_at > ?`,
		stage, key, s.now().UTC(),
	).Scan(&e.Key, &e.Stage, &e.Decision, &e.Confidence, &e.ModelID, &e.FallbackUsed, &e.CachedAt, &e.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get cache entry")
	}
	return &e, nil
}

func (s *SQLiteStore) SetCacheEntry(ctx context.Context, e cache.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO classification_cache (stage, key, decision, confidence, model_id, fallback_used, cached_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (stage, key) DO UPDATE SET
		   decision = excluded.decision, confidence = excluded.confidence,
		   model_id = excluded.model_id, fallback_used = excluded.fallback_used,
		   cached_at = excluded.cached_at, expires_at = excluded.expires_at`,
		e.Stage, e.Key, e.Decision, e.Confidence, e.ModelID, e.FallbackUsed, e.CachedAt.UTC(), e.ExpiresAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: set cache entry")
}

func (s *SQLiteStore) DeleteExpiredCacheEntries(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM classification_cache WHERE expires_at <= ?`, s.now().UTC())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired cache entries")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: delete expired rows affected")
}

func (s *SQLiteStore) CreateApplication(ctx context.Context, app model.Application) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: create application begin")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO applications (id, account_id, company, company_key, title, status, location, first_contact_at, last_contact_at, message_count, primary_thread_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		app.ID, app.AccountID, app.Company, app.CompanyKey, app.Title, string(app.Status), app.Location,
		app.FirstContactAt.UTC(), app.LastContactAt.UTC(), app.MessageCount, app.PrimaryThreadID,
		app.CreatedAt.UTC(), app.UpdatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert application %s", app.ID)
	}

	for _, tid := range threadSet(app) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO application_threads (application_id, thread_id, account_id) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
			app.ID, tid, app.AccountID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert application thread %s", tid)
		}
	}

	// Creation status opens the history.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO status_history (id, application_id, status, message_id, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), app.ID, string(app.Status), "", app.FirstContactAt.UTC(),
	); err != nil {
		return eris.Wrap(err, "sqlite: insert initial status history")
	}

	return eris.Wrap(tx.Commit(), "sqlite: create application commit")
}

func (s *SQLiteStore) GetApplication(ctx context.Context, id string) (*model.Application, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, company, company_key, title, status, location, first_contact_at, last_contact_at, message_count, primary_thread_id, created_at, updated_at
		 FROM applications WHERE id = ?`,
		id,
	)
	app, err := scanApplicationSQL(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get application %s", id)
	}
	if app.ThreadIDs, err = s.loadThreads(ctx, app.ID); err != nil {
		return nil, err
	}
	return app, nil
}

func (s *SQLiteStore) GetApplicationByThread(ctx context.Context, accountID, threadID string) (*model.Application, error) {
	var appID string
	err := s.db.QueryRowContext(ctx,
		`SELECT application_id FROM application_threads WHERE thread_id = ? AND (? = '' OR account_id = ?)
		 UNION SELECT id FROM applications WHERE primary_thread_id = ? AND (? = '' OR account_id = ?)
		 LIMIT 1`,
		threadID, accountID, accountID, threadID, accountID, accountID,
	).Scan(&appID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get application by thread %s", threadID)
	}
	return s.GetApplication(ctx, appID)
}

func (s *SQLiteStore) ListApplications(ctx context.Context, filter ApplicationFilter) ([]model.Application, error) {
	query := `SELECT id, account_id, company, company_key, title, status, location, first_contact_at, last_contact_at, message_count, primary_thread_id, created_at, updated_at
	          FROM applications WHERE 1=1`
	args := []any{}

	if filter.AccountID != "" {
		query += ` AND account_id = ?`
		args = append(args, filter.AccountID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Company != "" {
		query += ` AND company LIKE ?`
		args = append(args, "%"+filter.Company+"%")
	}
	query += ` ORDER BY last_contact_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	return s.queryApplicationsSQL(ctx, query, args...)
}

func (s *SQLiteStore) ListApplicationsByCompanyKey(ctx context.Context, accountID, companyKey string) ([]model.Application, error) {
	return s.queryApplicationsSQL(ctx,
		`SELECT id, account_id, company, company_key, title, status, location, first_contact_at, last_contact_at, message_count, primary_thread_id, created_at, updated_at
		 FROM applications WHERE company_key = ? AND (? = '' OR account_id = ?) ORDER BY created_at ASC`,
		companyKey, accountID, accountID,
	)
}

func (s *SQLiteStore) queryApplicationsSQL(ctx context.Context, query string, args ...any) ([]model.Application, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list applications")
	}
	defer rows.Close()

	var apps []model.Application
	for rows.Next() {
		app, err := scanApplicationSQL(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan application")
		}
		apps = append(apps, *app)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list applications iterate")
	}

	for i := range apps {
		if apps[i].ThreadIDs, err = s.loadThreads(ctx, apps[i].ID); err != nil {
			return nil, err
		}
	}
	return apps, nil
}

func scanApplicationSQL(scan func(dest ...any) error) (*model.Application, error) {
	var app model.Application
	var status string
	err := scan(&app.ID, &app.AccountID, &app.Company, &app.CompanyKey, &app.Title, &status,
		&app.Location, &app.FirstContactAt, &app.LastContactAt, &app.MessageCount,
		&app.PrimaryThreadID, &app.CreatedAt, &app.UpdatedAt)
	if err != nil {
		return nil, err
	}
	app.Status = model.Status(status)
	return &app, nil
}

func (s *SQLiteStore) loadThreads(ctx context.Context, applicationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id FROM application_threads WHERE application_id = ? ORDER BY thread_id`,
		applicationID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load threads")
	}
	defer rows.Close()

	var threads []string
	for rows.Next() {
		var tid string
		if err := rows.Scan(&tid); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan thread")
		}
		threads = append(threads, tid)
	}
	return threads, eris.Wrap(rows.Err(), "sqlite: load threads iterate")
}

func (s *SQLiteStore) AttachMessage(ctx context.Context, p AttachParams) (*model.Application, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: attach begin")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE applications SET
		   message_count = message_count + 1,
		   last_contact_at = MAX(last_contact_at, ?),
		   updated_at = ?
		 WHERE id = ?`,
		p.OccurredAt.UTC(), s.now().UTC(), p.ApplicationID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: attach update %s", p.ApplicationID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, eris.Wrap(err, "sqlite: attach rows affected")
	} else if n == 0 {
		return nil, ErrNotFound
	}

	if p.ThreadID != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO application_threads (application_id, thread_id, account_id)
			 SELECT ?, ?, account_id FROM applications WHERE id = ?
			 ON CONFLICT DO NOTHING`,
			p.ApplicationID, p.ThreadID, p.ApplicationID,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: attach thread %s", p.ThreadID)
		}
	}

	if p.NewStatus != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE applications SET status = ? WHERE id = ?`,
			string(*p.NewStatus), p.ApplicationID,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: attach status update")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO status_history (id, application_id, status, message_id, occurred_at) VALUES (?, ?, ?, ?, ?)`,
			uuid.New().String(), p.ApplicationID, string(*p.NewStatus), p.MessageID, p.OccurredAt.UTC(),
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: attach status history")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: attach commit")
	}
	return s.GetApplication(ctx, p.ApplicationID)
}

func (s *SQLiteStore) MergeApplications(ctx context.Context, primaryID, secondaryID string) (*model.Application, error) {
	if primaryID == secondaryID {
		return nil, eris.Errorf("store: cannot merge application %s into itself", primaryID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: merge begin")
	}
	defer tx.Rollback()

	var primaryLast, secondaryLast, secondaryFirst time.Time
	var secondaryCount int
	var secondaryStatus string
	err = tx.QueryRowContext(ctx, `SELECT last_contact_at FROM applications WHERE id = ?`, primaryID).Scan(&primaryLast)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: merge primary %s", primaryID)
		}
		return nil, eris.Wrap(err, "sqlite: merge read primary")
	}
	err = tx.QueryRowContext(ctx,
		`SELECT last_contact_at, first_contact_at, message_count, status FROM applications WHERE id = ?`,
		secondaryID,
	).Scan(&secondaryLast, &secondaryFirst, &secondaryCount, &secondaryStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: merge secondary %s", secondaryID)
		}
		return nil, eris.Wrap(err, "sqlite: merge read secondary")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE status_history SET application_id = ? WHERE application_id = ?`,
		primaryID, secondaryID,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: merge move history")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE pipeline_states SET application_id = ? WHERE application_id = ?`,
		primaryID, secondaryID,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: merge move states")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO application_threads (application_id, thread_id, account_id)
		 SELECT ?, thread_id, account_id FROM application_threads WHERE application_id = ?
		 ON CONFLICT DO NOTHING`,
		primaryID, secondaryID,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: merge union threads")
	}

	update := `UPDATE applications SET
		message_count = message_count + ?,
		last_contact_at = MAX(last_contact_at, ?),
		first_contact_at = MIN(first_contact_at, ?),
		updated_at = ?`
	args := []any{secondaryCount, secondaryLast.UTC(), secondaryFirst.UTC(), s.now().UTC()}
	if secondaryLast.After(primaryLast) {
		update += `, status = ? WHERE id = ?`
		args = append(args, secondaryStatus, primaryID)
	} else {
		update += ` WHERE id = ?`
		args = append(args, primaryID)
	}
	if _, err := tx.ExecContext(ctx, update, args...); err != nil {
		return nil, eris.Wrap(err, "sqlite: merge absorb")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM applications WHERE id = ?`, secondaryID); err != nil {
		return nil, eris.Wrap(err, "sqlite: merge delete secondary")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: merge commit")
	}
	return s.GetApplication(ctx, primaryID)
}

func (s *SQLiteStore) ListStatusHistory(ctx context.Context, applicationID string) ([]model.StatusHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, application_id, status, message_id, occurred_at FROM status_history WHERE application_id = ? ORDER BY occurred_at ASC, id ASC`,
		applicationID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list status history")
	}
	defer rows.Close()

	var entries []model.StatusHistoryEntry
	for rows.Next() {
		var e model.StatusHistoryEntry
		var status string
		if err := rows.Scan(&e.ID, &e.ApplicationID, &status, &e.MessageID, &e.OccurredAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status history")
		}
		e.Status = model.Status(status)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list status history iterate")
}

var _ Store = (*SQLiteStore)(nil)
