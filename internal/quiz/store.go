package quiz

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/khanhvc/exercode/internal/domain"
	"github.com/khanhvc/exercode/internal/errors"
)

// PGStore keeps quiz sessions in the `quizzes` table. The at-most-one-active
// invariant is a partial unique index on (problem_id, section) where
// end_time IS NULL, so two racing starts cannot both succeed.
type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const codeUniqueViolation = "23505"

func (p *PGStore) Create(ctx context.Context, q domain.Quiz) error {
	const stmt = `INSERT INTO quizzes (problem_id, section, start_time, end_time) VALUES ($1, $2, $3, NULL);`

	_, err := p.db.Exec(ctx, stmt, q.ProblemID, q.Section, q.StartTime)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return NewActiveError(q.ProblemID, q.Section)
	}
	if err != nil {
		return errors.FromPG(fmt.Errorf("insert quiz: %w", err))
	}

	return nil
}

func (p *PGStore) Active(ctx context.Context, problemID int64, section int) (domain.Quiz, bool, error) {
	const stmt = `
SELECT problem_id, section, start_time
FROM quizzes WHERE problem_id = $1 AND section = $2 AND end_time IS NULL;`

	var q domain.Quiz
	err := p.db.QueryRow(ctx, stmt, problemID, section).Scan(&q.ProblemID, &q.Section, &q.StartTime)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.Quiz{}, false, nil
	}
	if err != nil {
		return domain.Quiz{}, false, errors.FromPG(fmt.Errorf("query active quiz: %w", err))
	}

	return q, true, nil
}

func (p *PGStore) ActiveForProblem(ctx context.Context, problemID int64) ([]domain.Quiz, error) {
	const stmt = `
SELECT problem_id, section, start_time
FROM quizzes WHERE problem_id = $1 AND end_time IS NULL ORDER BY section;`

	rows, err := p.db.Query(ctx, stmt, problemID)
	if err != nil {
		return nil, errors.FromPG(fmt.Errorf("query active quizzes: %w", err))
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Quiz, error) {
		var q domain.Quiz
		err := r.Scan(&q.ProblemID, &q.Section, &q.StartTime)
		return q, err
	})
}

// ActiveQuizzes implements the access gate's quiz lookup.
func (p *PGStore) ActiveQuizzes(ctx context.Context, problemID int64) ([]domain.Quiz, error) {
	return p.ActiveForProblem(ctx, problemID)
}

func (p *PGStore) End(ctx context.Context, problemID int64, section int, endTime time.Time) (domain.Quiz, error) {
	const stmt = `
UPDATE quizzes SET end_time = $3
WHERE problem_id = $1 AND section = $2 AND end_time IS NULL
RETURNING problem_id, section, start_time, end_time;`

	var q domain.Quiz
	err := p.db.QueryRow(ctx, stmt, problemID, section, endTime).Scan(&q.ProblemID, &q.Section, &q.StartTime, &q.EndTime)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.Quiz{}, p.endConflict(ctx, problemID, section)
	}
	if err != nil {
		return domain.Quiz{}, errors.FromPG(fmt.Errorf("end quiz: %w", err))
	}

	return q, nil
}

// endConflict distinguishes "already ended" from "never started".
func (p *PGStore) endConflict(ctx context.Context, problemID int64, section int) error {
	var n int
	err := p.db.QueryRow(ctx,
		`SELECT count(*) FROM quizzes WHERE problem_id = $1 AND section = $2;`,
		problemID, section,
	).Scan(&n)
	if err != nil {
		return errors.FromPG(fmt.Errorf("check quiz history: %w", err))
	}

	if n > 0 {
		return NewEndedError(problemID, section)
	}

	return errors.New(errors.CodeNotFound,
		errors.WithMessagef("no quiz was started for problem %d section %d", problemID, section))
}
