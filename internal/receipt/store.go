package receipt

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/khanhvc/exercode/internal/domain"
	"github.com/khanhvc/exercode/internal/errors"
)

// PGStore keeps receipts in `receipts` and their results in `test_results`.
// Result replacement runs delete and insert in one transaction.
type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (p *PGStore) Insert(ctx context.Context, r domain.SubmissionReceipt, results []domain.TestResult) (err error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return errors.FromPG(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const insReceiptStmt = `
INSERT INTO receipts (receipt_id, user_id, problem_id, revision, status, num_passed, num_tests, score, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`

	_, err = tx.Exec(ctx, insReceiptStmt,
		r.ID, r.UserID, r.ProblemID, r.Revision, r.Status, r.NumPassed, r.NumTests, r.Score, r.Timestamp)
	if err != nil {
		return errors.FromPG(fmt.Errorf("insert receipt: %w", err))
	}

	if err = insertResults(ctx, tx, results); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return errors.FromPG(fmt.Errorf("commit: %w", err))
	}

	return nil
}

func insertResults(ctx context.Context, tx pgx.Tx, results []domain.TestResult) error {
	const insResultStmt = `
INSERT INTO test_results (result_id, receipt_id, test_case_id, outcome, stdout, stderr, elapsed_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7);`

	for _, tr := range results {
		_, err := tx.Exec(ctx, insResultStmt,
			tr.ID, tr.ReceiptID, tr.TestCaseID, tr.Outcome, tr.Stdout, tr.Stderr, tr.Elapsed.Milliseconds())
		if err != nil {
			return errors.FromPG(fmt.Errorf("insert test result: %w", err))
		}
	}

	return nil
}

func (p *PGStore) Get(ctx context.Context, id string) (domain.SubmissionReceipt, error) {
	const stmt = `
SELECT receipt_id, user_id, problem_id, revision, status, num_passed, num_tests, score, created_at
FROM receipts WHERE receipt_id = $1;`

	var r domain.SubmissionReceipt
	err := p.db.QueryRow(ctx, stmt, id).Scan(
		&r.ID, &r.UserID, &r.ProblemID, &r.Revision, &r.Status, &r.NumPassed, &r.NumTests, &r.Score, &r.Timestamp)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.SubmissionReceipt{}, errors.New(errors.CodeNotFound,
			errors.WithMessagef("receipt %q not found", id))
	}
	if err != nil {
		return domain.SubmissionReceipt{}, errors.FromPG(fmt.Errorf("get receipt: %w", err))
	}

	return r, nil
}

func (p *PGStore) Results(ctx context.Context, id string) ([]domain.TestResult, error) {
	const stmt = `
SELECT result_id, receipt_id, test_case_id, outcome, stdout, stderr, elapsed_ms
FROM test_results WHERE receipt_id = $1 ORDER BY result_id;`

	rows, err := p.db.Query(ctx, stmt, id)
	if err != nil {
		return nil, errors.FromPG(fmt.Errorf("query test results: %w", err))
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.TestResult, error) {
		var tr domain.TestResult
		var ms int64
		if err := r.Scan(&tr.ID, &tr.ReceiptID, &tr.TestCaseID, &tr.Outcome, &tr.Stdout, &tr.Stderr, &ms); err != nil {
			return domain.TestResult{}, err
		}
		tr.Elapsed = time.Duration(ms) * time.Millisecond
		return tr, nil
	})
}

func (p *PGStore) ReplaceResults(ctx context.Context, id string, results []domain.TestResult) (err error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return errors.FromPG(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	// Lock the receipt row so replacement serializes against concurrent readers.
	var exists bool
	err = tx.QueryRow(ctx, `SELECT true FROM receipts WHERE receipt_id = $1 FOR UPDATE;`, id).Scan(&exists)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("receipt %q not found", id))
	}
	if err != nil {
		return errors.FromPG(fmt.Errorf("lock receipt: %w", err))
	}

	if _, err = tx.Exec(ctx, `DELETE FROM test_results WHERE receipt_id = $1;`, id); err != nil {
		return errors.FromPG(fmt.Errorf("delete old test results: %w", err))
	}

	if err = insertResults(ctx, tx, results); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return errors.FromPG(fmt.Errorf("commit: %w", err))
	}

	return nil
}

func (p *PGStore) Update(ctx context.Context, r domain.SubmissionReceipt) error {
	const stmt = `
UPDATE receipts
SET status = $2, num_passed = $3, num_tests = $4, score = $5, created_at = $6
WHERE receipt_id = $1;`

	ct, err := p.db.Exec(ctx, stmt, r.ID, r.Status, r.NumPassed, r.NumTests, r.Score, r.Timestamp)
	if err != nil {
		return errors.FromPG(fmt.Errorf("update receipt: %w", err))
	}
	if ct.RowsAffected() == 0 {
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("receipt %q not found", r.ID))
	}

	return nil
}
