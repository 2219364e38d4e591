package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/avaliabr/cotador/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// development and single-machine deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sqlDB}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS quote_requests (
	id             TEXT PRIMARY KEY,
	code           TEXT,
	project_id     TEXT,
	input_text     TEXT,
	input_image    TEXT,
	params         TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'processing',
	checkpoint     TEXT NOT NULL DEFAULT 'INIT',
	progress_pct   INTEGER NOT NULL DEFAULT 0,
	worker_id      TEXT,
	attempt_number INTEGER NOT NULL DEFAULT 1,
	last_heartbeat DATETIME NOT NULL DEFAULT (datetime('now')),
	resume_data    TEXT,
	batch_id       TEXT,
	batch_index    INTEGER NOT NULL DEFAULT 0,
	valor_min      TEXT,
	valor_max      TEXT,
	valor_avg      TEXT,
	variation_pct  REAL NOT NULL DEFAULT 0,
	error_message  TEXT,
	report_file_id TEXT,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	started_at     DATETIME,
	completed_at   DATETIME
);

CREATE TABLE IF NOT EXISTS quote_sources (
	id                 TEXT PRIMARY KEY,
	request_id         TEXT NOT NULL REFERENCES quote_requests(id),
	url                TEXT NOT NULL,
	domain             TEXT NOT NULL,
	page_title         TEXT,
	price_value        TEXT NOT NULL,
	currency           TEXT NOT NULL DEFAULT 'BRL',
	extraction_method  TEXT NOT NULL,
	screenshot_file_id TEXT,
	captured_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	is_accepted        INTEGER NOT NULL DEFAULT 1,
	failure_reason     TEXT
);

CREATE TABLE IF NOT EXISTS quote_source_failures (
	id              TEXT PRIMARY KEY,
	request_id      TEXT NOT NULL REFERENCES quote_requests(id),
	url             TEXT,
	domain          TEXT,
	google_price    TEXT,
	extracted_price TEXT,
	failure_reason  TEXT NOT NULL,
	error_message   TEXT,
	attempted_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS batch_jobs (
	id                   TEXT PRIMARY KEY,
	project_id           TEXT,
	status               TEXT NOT NULL DEFAULT 'pending',
	total_items          INTEGER NOT NULL DEFAULT 0,
	completed_items      INTEGER NOT NULL DEFAULT 0,
	failed_items         INTEGER NOT NULL DEFAULT 0,
	last_processed_index INTEGER NOT NULL DEFAULT -1,
	created_at           DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS blocked_domains (
	domain     TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_quote_requests_status ON quote_requests(status);
CREATE INDEX IF NOT EXISTS idx_quote_requests_batch ON quote_requests(batch_id, batch_index);
CREATE INDEX IF NOT EXISTS idx_quote_sources_request ON quote_sources(request_id);
CREATE INDEX IF NOT EXISTS idx_quote_source_failures_request ON quote_source_failures(request_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRequest(ctx context.Context, req *model.QuoteRequest) error {
	paramsJSON, err := json.Marshal(req.Params)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal params")
	}
	resumeJSON, err := marshalResumeData(req.ResumeData)
	if err != nil {
		return err
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.LastHeartbeat.IsZero() {
		req.LastHeartbeat = req.CreatedAt
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO quote_requests (id, code, project_id, input_text, input_image, params, status, checkpoint, progress_pct, worker_id, attempt_number, last_heartbeat, resume_data, batch_id, batch_index, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, nullable(req.Code), nullable(req.ProjectID), nullable(req.InputText), nullable(req.InputImage),
		string(paramsJSON), string(req.Status), string(req.Checkpoint), req.ProgressPct, nullable(req.WorkerID),
		req.AttemptNumber, req.LastHeartbeat, nullableBytes(resumeJSON), nullable(req.BatchID), req.BatchIndex, req.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert request")
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*model.QuoteRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM quote_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get request %s", id)
	}
	return req, nil
}

func (s *SQLiteStore) ListRequests(ctx context.Context, filter RequestFilter) ([]model.QuoteRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM quote_requests WHERE true`
	args := []any{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	query += ` ORDER BY created_at DESC`

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
		return nil, eris.Wrap(err, "sqlite: list requests")
	}
	defer rows.Close()
	return scanRequestRows(rows)
}

func (s *SQLiteStore) UpdateRequestStatus(ctx context.Context, id string, status model.RequestStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE quote_requests SET status = ? WHERE id = ?`, string(status), id)
	return checkUpdated(res, err, "sqlite: update request status", id)
}

func (s *SQLiteStore) MarkStarted(ctx context.Context, id, workerID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE quote_requests SET status = ?, checkpoint = ?, worker_id = ?, last_heartbeat = ?, started_at = ? WHERE id = ?`,
		string(model.StatusProcessing), string(model.CheckpointInit), workerID, at, at, id)
	return checkUpdated(res, err, "sqlite: mark started", id)
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, id string, checkpoint model.Checkpoint, resumeData model.ResumeData, progressPct int, at time.Time) error {
	resumeJSON, err := marshalResumeData(resumeData)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE quote_requests SET checkpoint = ?, resume_data = COALESCE(?, resume_data), progress_pct = ?, last_heartbeat = ? WHERE id = ?`,
		string(checkpoint), nullableBytes(resumeJSON), progressPct, at, id)
	return checkUpdated(res, err, "sqlite: save checkpoint", id)
}

func (s *SQLiteStore) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE quote_requests SET last_heartbeat = ? WHERE id = ?`, at, id)
	return eris.Wrapf(err, "sqlite: update heartbeat %s", id)
}

func (s *SQLiteStore) TryClaim(ctx context.Context, id, workerID string, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE quote_requests SET worker_id = ?, last_heartbeat = ?
		WHERE id = ? AND (worker_id IS NULL OR worker_id = '' OR worker_id = ? OR last_heartbeat < ?)`,
		workerID, time.Now().UTC(), id, workerID, staleBefore)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim request %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: claim rows affected")
	}
	if n == 0 {
		return false, nil
	}

	var owner sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT worker_id FROM quote_requests WHERE id = ?`, id).Scan(&owner)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: confirm claim %s", id)
	}
	return owner.Valid && owner.String == workerID, nil
}

func (s *SQLiteStore) CompleteRequest(ctx context.Context, id string, status model.RequestStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE quote_requests SET status = ?, checkpoint = ?, progress_pct = 100, worker_id = NULL, completed_at = ? WHERE id = ?`,
		string(status), string(model.CheckpointCompleted), at, id)
	return checkUpdated(res, err, "sqlite: complete request", id)
}

func (s *SQLiteStore) FailRequest(ctx context.Context, id, message string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE quote_requests SET status = ?, error_message = ?, worker_id = NULL, completed_at = ? WHERE id = ?`,
		string(model.StatusError), message, at, id)
	return checkUpdated(res, err, "sqlite: fail request", id)
}

func (s *SQLiteStore) SaveAggregates(ctx context.Context, id string, valorMin, valorMax, valorAvg string, variationPct float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE quote_requests SET valor_min = ?, valor_max = ?, valor_avg = ?, variation_pct = ? WHERE id = ?`,
		valorMin, valorMax, valorAvg, variationPct, id)
	return eris.Wrapf(err, "sqlite: save aggregates %s", id)
}

func (s *SQLiteStore) ResetForRetry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE quote_requests SET worker_id = NULL, last_heartbeat = ?, attempt_number = attempt_number + 1 WHERE id = ?`,
		time.Now().UTC(), id)
	return eris.Wrapf(err, "sqlite: reset request %s", id)
}

func (s *SQLiteStore) ListStuckRequests(ctx context.Context, heartbeatBefore time.Time) ([]model.QuoteRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM quote_requests WHERE status = ? AND last_heartbeat < ?`,
		string(model.StatusProcessing), heartbeatBefore)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stuck requests")
	}
	defer rows.Close()
	return scanRequestRows(rows)
}

func (s *SQLiteStore) ListExpiredRequests(ctx context.Context, startedBefore time.Time) ([]model.QuoteRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM quote_requests WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`,
		string(model.StatusProcessing), startedBefore)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list expired requests")
	}
	defer rows.Close()
	return scanRequestRows(rows)
}

func (s *SQLiteStore) SaveQuoteSource(ctx context.Context, source *model.QuoteSource) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quote_sources (id, request_id, url, domain, page_title, price_value, currency, extraction_method, screenshot_file_id, captured_at, is_accepted, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		source.ID, source.RequestID, source.URL, source.Domain, nullable(source.PageTitle),
		source.PriceValue.String(), source.Currency, string(source.ExtractionMethod),
		nullable(source.ScreenshotFileID), source.CapturedAt, source.IsAccepted,
		nullable(string(source.FailureReason)))
	return eris.Wrap(err, "sqlite: insert source")
}

func (s *SQLiteStore) SaveQuoteSourceFailure(ctx context.Context, failure *model.QuoteSourceFailure) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quote_source_failures (id, request_id, url, domain, google_price, extracted_price, failure_reason, error_message, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		failure.ID, failure.RequestID, nullable(failure.URL), nullable(failure.Domain),
		decimalString(failure.GooglePrice), decimalString(failure.ExtractedPrice),
		string(failure.FailureReason), nullable(failure.ErrorMessage), failure.AttemptedAt)
	return eris.Wrap(err, "sqlite: insert failure")
}

func (s *SQLiteStore) ListQuoteSources(ctx context.Context, requestID string) ([]model.QuoteSource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, url, domain, page_title, price_value, currency, extraction_method, screenshot_file_id, captured_at, is_accepted, failure_reason
		FROM quote_sources WHERE request_id = ? ORDER BY CAST(price_value AS REAL) ASC`,
		requestID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sources")
	}
	defer rows.Close()

	var sources []model.QuoteSource
	for rows.Next() {
		var src model.QuoteSource
		var pageTitle, screenshotID, failureReason sql.NullString
		var priceValue string
		if err := rows.Scan(&src.ID, &src.RequestID, &src.URL, &src.Domain, &pageTitle,
			&priceValue, &src.Currency, &src.ExtractionMethod, &screenshotID,
			&src.CapturedAt, &src.IsAccepted, &failureReason); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source")
		}
		src.PageTitle = pageTitle.String
		src.ScreenshotFileID = screenshotID.String
		src.FailureReason = model.FailureReason(failureReason.String)
		price, err := decimal.NewFromString(priceValue)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: parse source price")
		}
		src.PriceValue = price
		sources = append(sources, src)
	}
	return sources, eris.Wrap(rows.Err(), "sqlite: iterate sources")
}

func (s *SQLiteStore) ListQuoteSourceFailures(ctx context.Context, requestID string) ([]model.QuoteSourceFailure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, url, domain, google_price, extracted_price, failure_reason, error_message, attempted_at
		FROM quote_source_failures WHERE request_id = ? ORDER BY attempted_at ASC`,
		requestID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failures")
	}
	defer rows.Close()

	var failures []model.QuoteSourceFailure
	for rows.Next() {
		var f model.QuoteSourceFailure
		var url, domain, googlePrice, extractedPrice, errMsg sql.NullString
		if err := rows.Scan(&f.ID, &f.RequestID, &url, &domain, &googlePrice,
			&extractedPrice, &f.FailureReason, &errMsg, &f.AttemptedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failure")
		}
		f.URL = url.String
		f.Domain = domain.String
		f.ErrorMessage = errMsg.String
		if googlePrice.Valid {
			if f.GooglePrice, err = parseDecimalPtr(&googlePrice.String); err != nil {
				return nil, err
			}
		}
		if extractedPrice.Valid {
			if f.ExtractedPrice, err = parseDecimalPtr(&extractedPrice.String); err != nil {
				return nil, err
			}
		}
		failures = append(failures, f)
	}
	return failures, eris.Wrap(rows.Err(), "sqlite: iterate failures")
}

func (s *SQLiteStore) CreateBatch(ctx context.Context, batch *model.BatchJob) error {
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	batch.UpdatedAt = batch.CreatedAt
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_jobs (id, project_id, status, total_items, completed_items, failed_items, last_processed_index, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.ID, nullable(batch.ProjectID), string(batch.Status), batch.TotalItems,
		batch.CompletedItems, batch.FailedItems, batch.LastProcessedIndex,
		batch.CreatedAt, batch.UpdatedAt)
	return eris.Wrap(err, "sqlite: insert batch")
}

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*model.BatchJob, error) {
	var b model.BatchJob
	var projectID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, status, total_items, completed_items, failed_items, last_processed_index, created_at, updated_at
		FROM batch_jobs WHERE id = ?`, id,
	).Scan(&b.ID, &projectID, &b.Status, &b.TotalItems, &b.CompletedItems,
		&b.FailedItems, &b.LastProcessedIndex, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch %s", id)
	}
	b.ProjectID = projectID.String
	return &b, nil
}

func (s *SQLiteStore) UpdateBatchProgress(ctx context.Context, id string, completed, failed, lastIndex int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batch_jobs SET completed_items = ?, failed_items = ?, last_processed_index = ?, updated_at = ? WHERE id = ?`,
		completed, failed, lastIndex, time.Now().UTC(), id)
	return eris.Wrapf(err, "sqlite: update batch progress %s", id)
}

func (s *SQLiteStore) UpdateBatchStatus(ctx context.Context, id string, status model.BatchStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batch_jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	return eris.Wrapf(err, "sqlite: update batch status %s", id)
}

func (s *SQLiteStore) ListBatchRequests(ctx context.Context, batchID string) ([]model.QuoteRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM quote_requests WHERE batch_id = ? ORDER BY batch_index ASC`,
		batchID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batch requests")
	}
	defer rows.Close()
	return scanRequestRows(rows)
}

func (s *SQLiteStore) ListBlockedDomains(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT domain FROM blocked_domains ORDER BY domain`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list blocked domains")
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan blocked domain")
		}
		domains = append(domains, d)
	}
	return domains, eris.Wrap(rows.Err(), "sqlite: iterate blocked domains")
}

func (s *SQLiteStore) AddBlockedDomain(ctx context.Context, domain string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO blocked_domains (domain) VALUES (?)`, domain)
	return eris.Wrapf(err, "sqlite: add blocked domain %s", domain)
}

func (s *SQLiteStore) RemoveBlockedDomain(ctx context.Context, domain string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blocked_domains WHERE domain = ?`, domain)
	return eris.Wrapf(err, "sqlite: remove blocked domain %s", domain)
}

// scanRequestRows drains database/sql rows through the shared scanner.
func scanRequestRows(rows *sql.Rows) ([]model.QuoteRequest, error) {
	var requests []model.QuoteRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan request")
		}
		requests = append(requests, *req)
	}
	return requests, eris.Wrap(rows.Err(), "sqlite: iterate requests")
}

func checkUpdated(res sql.Result, err error, op, id string) error {
	if err != nil {
		return eris.Wrapf(err, "%s %s", op, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "%s rows affected", op)
	}
	if n == 0 {
		return eris.Errorf("request not found: %s", id)
	}
	return nil
}

func nullableBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
