package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/avaliabr/cotador/internal/db"
	"github.com/avaliabr/cotador/internal/model"
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

// preparedStatements lists queries to prepare on each new connection. These
// are the operations the acquisition loop hits once per candidate.
var preparedStatements = map[string]string{
	"update_heartbeat": `UPDATE quote_requests SET last_heartbeat = $1 WHERE id = $2`,
	"insert_source": `INSERT INTO quote_sources (id, request_id, url, domain, page_title, price_value, currency, extraction_method, screenshot_file_id, captured_at, is_accepted, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
	"insert_failure": `INSERT INTO quote_source_failures (id, request_id, url, domain, google_price, extracted_price, failure_reason, error_message, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
}

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

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS quote_requests (
	id             TEXT PRIMARY KEY,
	code           TEXT,
	project_id     TEXT,
	input_text     TEXT,
	input_image    TEXT,
	params         JSONB NOT NULL,
	status         TEXT NOT NULL DEFAULT 'processing',
	checkpoint     TEXT NOT NULL DEFAULT 'INIT',
	progress_pct   INTEGER NOT NULL DEFAULT 0,
	worker_id      TEXT,
	attempt_number INTEGER NOT NULL DEFAULT 1,
	last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT now(),
	resume_data    JSONB,
	batch_id       TEXT,
	batch_index    INTEGER NOT NULL DEFAULT 0,
	valor_min      TEXT,
	valor_max      TEXT,
	valor_avg      TEXT,
	variation_pct  DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_message  TEXT,
	report_file_id TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at     TIMESTAMPTZ,
	completed_at   TIMESTAMPTZ
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
	captured_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_accepted        BOOLEAN NOT NULL DEFAULT true,
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
	attempted_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS batch_jobs (
	id                   TEXT PRIMARY KEY,
	project_id           TEXT,
	status               TEXT NOT NULL DEFAULT 'pending',
	total_items          INTEGER NOT NULL DEFAULT 0,
	completed_items      INTEGER NOT NULL DEFAULT 0,
	failed_items         INTEGER NOT NULL DEFAULT 0,
	last_processed_index INTEGER NOT NULL DEFAULT -1,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS blocked_domains (
	domain     TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_quote_requests_status ON quote_requests(status);
CREATE INDEX IF NOT EXISTS idx_quote_requests_batch ON quote_requests(batch_id, batch_index);
CREATE INDEX IF NOT EXISTS idx_quote_requests_heartbeat ON quote_requests(status, last_heartbeat);
CREATE INDEX IF NOT EXISTS idx_quote_sources_request ON quote_sources(request_id);
CREATE INDEX IF NOT EXISTS idx_quote_source_failures_request ON quote_source_failures(request_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const requestColumns = `id, code, project_id, input_text, input_image, params, status, checkpoint, progress_pct, worker_id, attempt_number, last_heartbeat, resume_data, batch_id, batch_index, valor_min, valor_max, valor_avg, variation_pct, error_message, report_file_id, created_at, started_at, completed_at`

func (s *PostgresStore) CreateRequest(ctx context.Context, req *model.QuoteRequest) error {
	paramsJSON, err := json.Marshal(req.Params)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal params")
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

	_, err = s.pool.Exec(ctx,
		`INSERT INTO quote_requests (id, code, project_id, input_text, input_image, params, status, checkpoint, progress_pct, worker_id, attempt_number, last_heartbeat, resume_data, batch_id, batch_index, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		req.ID, nullable(req.Code), nullable(req.ProjectID), nullable(req.InputText), nullable(req.InputImage),
		paramsJSON, string(req.Status), string(req.Checkpoint), req.ProgressPct, nullable(req.WorkerID),
		req.AttemptNumber, req.LastHeartbeat, resumeJSON, nullable(req.BatchID), req.BatchIndex, req.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert request")
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*model.QuoteRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM quote_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get request %s", id)
	}
	return req, nil
}

func (s *PostgresStore) ListRequests(ctx context.Context, filter RequestFilter) ([]model.QuoteRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM quote_requests WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.BatchID != "" {
		query += fmt.Sprintf(` AND batch_id = $%d`, argIdx)
		args = append(args, filter.BatchID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

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
		return nil, eris.Wrap(err, "postgres: list requests")
	}
	defer rows.Close()
	return scanRequests(rows)
}

func (s *PostgresStore) UpdateRequestStatus(ctx context.Context, id string, status model.RequestStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE quote_requests SET status = $1 WHERE id = $2`,
		string(status), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update request status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("request not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) MarkStarted(ctx context.Context, id, workerID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE quote_requests SET status = $1, checkpoint = $2, worker_id = $3, last_heartbeat = $4, started_at = $4 WHERE id = $5`,
		string(model.StatusProcessing), string(model.CheckpointInit), workerID, at, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark started %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("request not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, id string, checkpoint model.Checkpoint, resumeData model.ResumeData, progressPct int, at time.Time) error {
	resumeJSON, err := marshalResumeData(resumeData)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE quote_requests SET checkpoint = $1, resume_data = COALESCE($2, resume_data), progress_pct = $3, last_heartbeat = $4 WHERE id = $5`,
		string(checkpoint), resumeJSON, progressPct, at, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save checkpoint %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("request not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE quote_requests SET last_heartbeat = $1 WHERE id = $2`,
		at, id,
	)
	return eris.Wrapf(err, "postgres: update heartbeat %s", id)
}

// TryClaim writes the worker id when the request is unowned or its owner's
// heartbeat is stale, then re-reads to confirm the claim survived.
func (s *PostgresStore) TryClaim(ctx context.Context, id, workerID string, staleBefore time.Time) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE quote_requests SET worker_id = $1, last_heartbeat = $2
		WHERE id = $3 AND (worker_id IS NULL OR worker_id = '' OR worker_id = $1 OR last_heartbeat < $4)`,
		workerID, now, id, staleBefore,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim request %s", id)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	var owner *string
	err = s.pool.QueryRow(ctx,
		`SELECT worker_id FROM quote_requests WHERE id = $1`, id,
	).Scan(&owner)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: confirm claim %s", id)
	}
	return owner != nil && *owner == workerID, nil
}

func (s *PostgresStore) CompleteRequest(ctx context.Context, id string, status model.RequestStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE quote_requests SET status = $1, checkpoint = $2, progress_pct = 100, worker_id = NULL, completed_at = $3 WHERE id = $4`,
		string(status), string(model.CheckpointCompleted), at, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete request %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("request not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) FailRequest(ctx context.Context, id, message string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE quote_requests SET status = $1, error_message = $2, worker_id = NULL, completed_at = $3 WHERE id = $4`,
		string(model.StatusError), message, at, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail request %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("request not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) SaveAggregates(ctx context.Context, id string, valorMin, valorMax, valorAvg string, variationPct float64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE quote_requests SET valor_min = $1, valor_max = $2, valor_avg = $3, variation_pct = $4 WHERE id = $5`,
		valorMin, valorMax, valorAvg, variationPct, id,
	)
	return eris.Wrapf(err, "postgres: save aggregates %s", id)
}

func (s *PostgresStore) ResetForRetry(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE quote_requests SET worker_id = NULL, last_heartbeat = $1, attempt_number = attempt_number + 1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "postgres: reset request %s", id)
}

func (s *PostgresStore) ListStuckRequests(ctx context.Context, heartbeatBefore time.Time) ([]model.QuoteRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+requestColumns+` FROM quote_requests WHERE status = $1 AND last_heartbeat < $2`,
		string(model.StatusProcessing), heartbeatBefore,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stuck requests")
	}
	defer rows.Close()
	return scanRequests(rows)
}

func (s *PostgresStore) ListExpiredRequests(ctx context.Context, startedBefore time.Time) ([]model.QuoteRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+requestColumns+` FROM quote_requests WHERE status = $1 AND started_at IS NOT NULL AND started_at < $2`,
		string(model.StatusProcessing), startedBefore,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list expired requests")
	}
	defer rows.Close()
	return scanRequests(rows)
}

func (s *PostgresStore) SaveQuoteSource(ctx context.Context, source *model.QuoteSource) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO quote_sources (id, request_id, url, domain, page_title, price_value, currency, extraction_method, screenshot_file_id, captured_at, is_accepted, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		source.ID, source.RequestID, source.URL, source.Domain, nullable(source.PageTitle),
		source.PriceValue.String(), source.Currency, string(source.ExtractionMethod),
		nullable(source.ScreenshotFileID), source.CapturedAt, source.IsAccepted,
		nullable(string(source.FailureReason)),
	)
	return eris.Wrap(err, "postgres: insert source")
}

func (s *PostgresStore) SaveQuoteSourceFailure(ctx context.Context, failure *model.QuoteSourceFailure) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO quote_source_failures (id, request_id, url, domain, google_price, extracted_price, failure_reason, error_message, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		failure.ID, failure.RequestID, nullable(failure.URL), nullable(failure.Domain),
		decimalString(failure.GooglePrice), decimalString(failure.ExtractedPrice),
		string(failure.FailureReason), nullable(failure.ErrorMessage), failure.AttemptedAt,
	)
	return eris.Wrap(err, "postgres: insert failure")
}

func (s *PostgresStore) ListQuoteSources(ctx context.Context, requestID string) ([]model.QuoteSource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, request_id, url, domain, page_title, price_value, currency, extraction_method, screenshot_file_id, captured_at, is_accepted, failure_reason
		FROM quote_sources WHERE request_id = $1 ORDER BY price_value::numeric ASC`,
		requestID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sources")
	}
	defer rows.Close()

	var sources []model.QuoteSource
	for rows.Next() {
		var src model.QuoteSource
		var pageTitle, screenshotID, failureReason, priceValue *string
		if err := rows.Scan(&src.ID, &src.RequestID, &src.URL, &src.Domain, &pageTitle,
			&priceValue, &src.Currency, &src.ExtractionMethod, &screenshotID,
			&src.CapturedAt, &src.IsAccepted, &failureReason); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source")
		}
		src.PageTitle = deref(pageTitle)
		src.ScreenshotFileID = deref(screenshotID)
		src.FailureReason = model.FailureReason(deref(failureReason))
		if priceValue != nil {
			price, err := decimal.NewFromString(*priceValue)
			if err != nil {
				return nil, eris.Wrap(err, "postgres: parse source price")
			}
			src.PriceValue = price
		}
		sources = append(sources, src)
	}
	return sources, eris.Wrap(rows.Err(), "postgres: iterate sources")
}

func (s *PostgresStore) ListQuoteSourceFailures(ctx context.Context, requestID string) ([]model.QuoteSourceFailure, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, request_id, url, domain, google_price, extracted_price, failure_reason, error_message, attempted_at
		FROM quote_source_failures WHERE request_id = $1 ORDER BY attempted_at ASC`,
		requestID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failures")
	}
	defer rows.Close()

	var failures []model.QuoteSourceFailure
	for rows.Next() {
		var f model.QuoteSourceFailure
		var url, domain, googlePrice, extractedPrice, errMsg *string
		if err := rows.Scan(&f.ID, &f.RequestID, &url, &domain, &googlePrice,
			&extractedPrice, &f.FailureReason, &errMsg, &f.AttemptedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failure")
		}
		f.URL = deref(url)
		f.Domain = deref(domain)
		f.ErrorMessage = deref(errMsg)
		if f.GooglePrice, err = parseDecimalPtr(googlePrice); err != nil {
			return nil, err
		}
		if f.ExtractedPrice, err = parseDecimalPtr(extractedPrice); err != nil {
			return nil, err
		}
		failures = append(failures, f)
	}
	return failures, eris.Wrap(rows.Err(), "postgres: iterate failures")
}

func (s *PostgresStore) CreateBatch(ctx context.Context, batch *model.BatchJob) error {
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	batch.UpdatedAt = batch.CreatedAt
	_, err := s.pool.Exec(ctx,
		`INSERT INTO batch_jobs (id, project_id, status, total_items, completed_items, failed_items, last_processed_index, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		batch.ID, nullable(batch.ProjectID), string(batch.Status), batch.TotalItems,
		batch.CompletedItems, batch.FailedItems, batch.LastProcessedIndex,
		batch.CreatedAt, batch.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert batch")
}

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*model.BatchJob, error) {
	var b model.BatchJob
	var projectID *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, project_id, status, total_items, completed_items, failed_items, last_processed_index, created_at, updated_at
		FROM batch_jobs WHERE id = $1`, id,
	).Scan(&b.ID, &projectID, &b.Status, &b.TotalItems, &b.CompletedItems,
		&b.FailedItems, &b.LastProcessedIndex, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch %s", id)
	}
	b.ProjectID = deref(projectID)
	return &b, nil
}

func (s *PostgresStore) UpdateBatchProgress(ctx context.Context, id string, completed, failed, lastIndex int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE batch_jobs SET completed_items = $1, failed_items = $2, last_processed_index = $3, updated_at = $4 WHERE id = $5`,
		completed, failed, lastIndex, time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "postgres: update batch progress %s", id)
}

func (s *PostgresStore) UpdateBatchStatus(ctx context.Context, id string, status model.BatchStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE batch_jobs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "postgres: update batch status %s", id)
}

func (s *PostgresStore) ListBatchRequests(ctx context.Context, batchID string) ([]model.QuoteRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+requestColumns+` FROM quote_requests WHERE batch_id = $1 ORDER BY batch_index ASC`,
		batchID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batch requests")
	}
	defer rows.Close()
	return scanRequests(rows)
}

func (s *PostgresStore) ListBlockedDomains(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT domain FROM blocked_domains ORDER BY domain`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list blocked domains")
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, eris.Wrap(err, "postgres: scan blocked domain")
		}
		domains = append(domains, d)
	}
	return domains, eris.Wrap(rows.Err(), "postgres: iterate blocked domains")
}

func (s *PostgresStore) AddBlockedDomain(ctx context.Context, domain string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO blocked_domains (domain) VALUES ($1) ON CONFLICT (domain) DO NOTHING`,
		domain,
	)
	return eris.Wrapf(err, "postgres: add blocked domain %s", domain)
}

func (s *PostgresStore) RemoveBlockedDomain(ctx context.Context, domain string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM blocked_domains WHERE domain = $1`, domain)
	return eris.Wrapf(err, "postgres: remove blocked domain %s", domain)
}

// rowScanner covers pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*model.QuoteRequest, error) {
	var req model.QuoteRequest
	var code, projectID, inputText, inputImage, workerID, batchID *string
	var valorMin, valorMax, valorAvg, errMsg, reportFileID *string
	var paramsJSON, resumeJSON []byte

	err := row.Scan(&req.ID, &code, &projectID, &inputText, &inputImage, &paramsJSON,
		&req.Status, &req.Checkpoint, &req.ProgressPct, &workerID, &req.AttemptNumber,
		&req.LastHeartbeat, &resumeJSON, &batchID, &req.BatchIndex,
		&valorMin, &valorMax, &valorAvg, &req.VariationPct, &errMsg, &reportFileID,
		&req.CreatedAt, &req.StartedAt, &req.CompletedAt)
	if err != nil {
		return nil, err
	}

	req.Code = deref(code)
	req.ProjectID = deref(projectID)
	req.InputText = deref(inputText)
	req.InputImage = deref(inputImage)
	req.WorkerID = deref(workerID)
	req.BatchID = deref(batchID)
	req.ErrorMessage = deref(errMsg)
	req.ReportFileID = deref(reportFileID)

	if err := json.Unmarshal(paramsJSON, &req.Params); err != nil {
		return nil, eris.Wrap(err, "unmarshal params")
	}
	if len(resumeJSON) > 0 {
		if err := json.Unmarshal(resumeJSON, &req.ResumeData); err != nil {
			return nil, eris.Wrap(err, "unmarshal resume data")
		}
	}
	for _, pair := range []struct {
		raw *string
		dst *decimal.Decimal
	}{{valorMin, &req.ValorMin}, {valorMax, &req.ValorMax}, {valorAvg, &req.ValorAvg}} {
		if pair.raw == nil {
			continue
		}
		d, err := decimal.NewFromString(*pair.raw)
		if err != nil {
			return nil, eris.Wrap(err, "parse aggregate")
		}
		*pair.dst = d
	}
	return &req, nil
}

func scanRequests(rows pgx.Rows) ([]model.QuoteRequest, error) {
	var requests []model.QuoteRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan request")
		}
		requests = append(requests, *req)
	}
	return requests, eris.Wrap(rows.Err(), "postgres: iterate requests")
}

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func marshalResumeData(data model.ResumeData) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal resume data")
	}
	return b, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func decimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse decimal")
	}
	return &d, nil
}
