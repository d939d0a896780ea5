package postgres_test

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/srirohitha/job-queue/internal/domain"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows over a fixed list of per-row scan callbacks.
type rowsStub struct {
	rows []func(dest ...any) error
	idx  int
	err  error
}

func (r *rowsStub) Next() bool                                   { r.idx++; return r.idx <= len(r.rows) }
func (r *rowsStub) Scan(dest ...any) error                       { return r.rows[r.idx-1](dest...) }
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) Close()                                       {}
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Values() ([]any, error)                       { return nil, nil }
func (r *rowsStub) RawValues() [][]byte                          { return nil }
func (r *rowsStub) Conn() *pgx.Conn                              { return nil }

// poolStub implements postgres.PgxPool for tests. Behavior is configured per
// method; unconfigured methods fail loudly so a test cannot silently pass.
// Defined in a shared helper so multiple *_test.go files can reuse it.
type poolStub struct {
	exec     func(sql string, args []any) (pgconn.CommandTag, error)
	queryRow func(sql string, args []any) pgx.Row
	query    func(sql string, args []any) (pgx.Rows, error)
	beginTx  func() (pgx.Tx, error)
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if p.exec == nil {
		return pgconn.CommandTag{}, errors.New("no exec configured")
	}
	return p.exec(sql, args)
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if p.queryRow == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.queryRow(sql, args)
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	if p.query == nil {
		return nil, errors.New("no query configured")
	}
	return p.query(sql, args)
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginTx == nil {
		return nil, errors.New("no beginTx configured")
	}
	return p.beginTx()
}

// txStub implements pgx.Tx by delegating statements to a poolStub and
// recording the commit/rollback outcome.
type txStub struct {
	pool       *poolStub
	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *txStub) Begin(_ context.Context) (pgx.Tx, error) {
	return nil, errors.New("nested tx not supported")
}
func (t *txStub) Commit(_ context.Context) error   { t.committed = true; return t.commitErr }
func (t *txStub) Rollback(_ context.Context) error { t.rolledBack = true; return nil }
func (t *txStub) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *txStub) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults { return nil }
func (t *txStub) LargeObjects() pgx.LargeObjects                             { return pgx.LargeObjects{} }
func (t *txStub) Prepare(_ context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *txStub) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.pool.Exec(ctx, sql, args...)
}
func (t *txStub) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.pool.Query(ctx, sql, args...)
}
func (t *txStub) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.pool.QueryRow(ctx, sql, args...)
}
func (t *txStub) Conn() *pgx.Conn { return nil }

// jobScanner returns a scan callback that fills the destinations in the
// column order the repo selects jobs with.
func jobScanner(j domain.Job) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = j.ID
		*(dest[1].(*string)) = j.TenantID
		*(dest[2].(*string)) = j.Label
		*(dest[3].(*domain.JobStatus)) = j.Status
		*(dest[4].(*domain.JobStage)) = j.Stage
		*(dest[5].(*int)) = j.Progress
		*(dest[6].(*int)) = j.ProcessedRows
		*(dest[7].(*int)) = j.TotalRows
		*(dest[8].(*int)) = j.Attempts
		*(dest[9].(*int)) = j.MaxAttempts
		*(dest[10].(**string)) = j.LockedBy
		*(dest[11].(**time.Time)) = j.LeaseUntil
		*(dest[12].(**time.Time)) = j.NextRetryAt
		*(dest[13].(**time.Time)) = j.NextRunAt
		*(dest[14].(*int)) = j.ThrottleCount
		*(dest[15].(**string)) = j.FailureReason
		*(dest[16].(**string)) = j.IdemKey
		*(dest[17].(*domain.InputPayload)) = j.InputPayload
		*(dest[18].(*map[string]any)) = j.OutputResult
		*(dest[19].(*[]domain.JobEvent)) = j.Events
		*(dest[20].(*time.Time)) = j.CreatedAt
		*(dest[21].(*time.Time)) = j.UpdatedAt
		*(dest[22].(**time.Time)) = j.LastRanAt
		return nil
	}
}
