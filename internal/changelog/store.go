package changelog

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/khanhvc/exercode/internal/domain"
	"github.com/khanhvc/exercode/internal/errors"
)

// PGStore keeps edit streams in two tables: `changes` holds the events
// (event_id BIGSERIAL), `change_streams` holds the head revision per
// (user_id, problem_id). Concurrent appends to one stream serialize on a
// conditional update of the head row, so one of two racing batches always
// fails with a revision conflict instead of interleaving.
type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (p *PGStore) Append(ctx context.Context, batch []domain.Change) (_ []domain.Change, err error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, errors.FromPG(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	first := batch[0]
	last := batch[len(batch)-1]

	if err := advanceHead(ctx, tx, first.UserID, first.ProblemID, first.Revision, last.Revision); err != nil {
		return nil, err
	}

	const insChangeStmt = `
INSERT INTO changes (user_id, problem_id, revision, kind, text, position, deleted, inserted, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING event_id;`

	stored := make([]domain.Change, len(batch))
	for i, c := range batch {
		err = tx.QueryRow(ctx, insChangeStmt,
			c.UserID, c.ProblemID, c.Revision, c.Kind, c.Text, c.Position, c.Deleted, c.Inserted, c.Timestamp,
		).Scan(&c.EventID)
		if err != nil {
			return nil, errors.FromPG(fmt.Errorf("insert change rev %d: %w", c.Revision, err))
		}
		stored[i] = c
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, errors.FromPG(fmt.Errorf("commit: %w", err))
	}

	return stored, nil
}

// advanceHead moves the stream head from firstRev-1 to lastRev, creating the
// head row when the batch starts a new stream at revision 0. Zero rows
// affected means the client's revision counter is stale.
func advanceHead(ctx context.Context, tx pgx.Tx, userID, problemID, firstRev, lastRev int64) error {
	if firstRev == 0 {
		const insHeadStmt = `
INSERT INTO change_streams (user_id, problem_id, last_revision)
VALUES ($1, $2, $3)
ON CONFLICT (user_id, problem_id) DO NOTHING;`

		ct, err := tx.Exec(ctx, insHeadStmt, userID, problemID, lastRev)
		if err != nil {
			return errors.FromPG(fmt.Errorf("insert stream head: %w", err))
		}
		if ct.RowsAffected() == 1 {
			return nil
		}

		return revisionConflict(ctx, tx, userID, problemID, firstRev)
	}

	const updHeadStmt = `
UPDATE change_streams SET last_revision = $4
WHERE user_id = $1 AND problem_id = $2 AND last_revision = $3;`

	ct, err := tx.Exec(ctx, updHeadStmt, userID, problemID, firstRev-1, lastRev)
	if err != nil {
		return errors.FromPG(fmt.Errorf("advance stream head: %w", err))
	}
	if ct.RowsAffected() == 0 {
		return revisionConflict(ctx, tx, userID, problemID, firstRev)
	}

	return nil
}

func revisionConflict(ctx context.Context, tx pgx.Tx, userID, problemID, firstRev int64) error {
	var head int64 = -1
	err := tx.QueryRow(ctx,
		`SELECT last_revision FROM change_streams WHERE user_id = $1 AND problem_id = $2;`,
		userID, problemID,
	).Scan(&head)
	if err != nil && !stderrors.Is(err, pgx.ErrNoRows) {
		return errors.FromPG(fmt.Errorf("read stream head: %w", err))
	}

	return errors.New(errors.CodeAborted,
		errors.WithReason(errors.ReasonRevisionConflict),
		errors.WithMessagef("batch starts at revision %d but stream head is %d: resynchronize", firstRev, head))
}

func (p *PGStore) Latest(ctx context.Context, userID, problemID int64) (domain.Change, bool, error) {
	const stmt = `
SELECT event_id, user_id, problem_id, revision, kind, text, position, deleted, inserted, created_at
FROM changes
WHERE user_id = $1 AND problem_id = $2
ORDER BY revision DESC LIMIT 1;`

	return p.queryOne(ctx, stmt, userID, problemID)
}

func (p *PGStore) LatestFullText(ctx context.Context, userID, problemID int64) (domain.Change, bool, error) {
	const stmt = `
SELECT event_id, user_id, problem_id, revision, kind, text, position, deleted, inserted, created_at
FROM changes
WHERE user_id = $1 AND problem_id = $2 AND kind = 'full_text'
ORDER BY revision DESC LIMIT 1;`

	return p.queryOne(ctx, stmt, userID, problemID)
}

func (p *PGStore) queryOne(ctx context.Context, stmt string, userID, problemID int64) (domain.Change, bool, error) {
	var c domain.Change
	err := p.db.QueryRow(ctx, stmt, userID, problemID).Scan(
		&c.EventID, &c.UserID, &c.ProblemID, &c.Revision, &c.Kind,
		&c.Text, &c.Position, &c.Deleted, &c.Inserted, &c.Timestamp,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.Change{}, false, nil
	}
	if err != nil {
		return domain.Change{}, false, errors.FromPG(fmt.Errorf("query change: %w", err))
	}

	return c, true, nil
}

func (p *PGStore) Since(ctx context.Context, userID, problemID, baseRevision int64) ([]domain.Change, error) {
	const stmt = `
SELECT event_id, user_id, problem_id, revision, kind, text, position, deleted, inserted, created_at
FROM changes
WHERE user_id = $1 AND problem_id = $2 AND revision > $3
ORDER BY revision;`

	rows, err := p.db.Query(ctx, stmt, userID, problemID, baseRevision)
	if err != nil {
		return nil, errors.FromPG(fmt.Errorf("query changes since %d: %w", baseRevision, err))
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Change, error) {
		var c domain.Change
		err := r.Scan(
			&c.EventID, &c.UserID, &c.ProblemID, &c.Revision, &c.Kind,
			&c.Text, &c.Position, &c.Deleted, &c.Inserted, &c.Timestamp,
		)
		return c, err
	})
}
