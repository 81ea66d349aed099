package standings

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/khanhvc/exercode/internal/domain"
	"github.com/khanhvc/exercode/internal/errors"
)

// PGStore reads the receipts table written by the receipt service.
type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (p *PGStore) ReceiptsForProblem(ctx context.Context, problemID int64) ([]domain.SubmissionReceipt, error) {
	const stmt = `
SELECT receipt_id, user_id, problem_id, revision, status, num_passed, num_tests, score, created_at
FROM receipts WHERE problem_id = $1;`

	rows, err := p.db.Query(ctx, stmt, problemID)
	if err != nil {
		return nil, errors.FromPG(fmt.Errorf("query receipts for problem %d: %w", problemID, err))
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.SubmissionReceipt, error) {
		var rec domain.SubmissionReceipt
		err := r.Scan(&rec.ID, &rec.UserID, &rec.ProblemID, &rec.Revision,
			&rec.Status, &rec.NumPassed, &rec.NumTests, &rec.Score, &rec.Timestamp)
		return rec, err
	})
}
