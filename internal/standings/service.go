package standings

import (
	"context"

	"github.com/khanhvc/exercode/internal/access"
	"github.com/khanhvc/exercode/internal/domain"
)

// Store lists every receipt recorded for a problem.
type Store interface {
	ReceiptsForProblem(ctx context.Context, problemID int64) ([]domain.SubmissionReceipt, error)
}

// Roster lists the students registered in one section of a course.
type Roster interface {
	StudentsInSection(ctx context.Context, courseID int64, section int) ([]domain.User, error)
}

type Config struct {
	Store  Store
	Roster Roster
	Gate   *access.Gate
}

// Service computes per-section standings from recorded receipts. It is a
// pure aggregation: every call recomputes from store state, so it can never
// serve stale results after a record, update or retest.
type Service struct {
	store  Store
	roster Roster
	gate   *access.Gate
}

func NewService(c Config) *Service {
	return &Service{
		store:  c.Store,
		roster: c.Roster,
		gate:   c.Gate,
	}
}

type BestReceiptsRequest struct {
	Caller    access.Identity
	ProblemID int64
	Section   int
}

// BestReceipts returns, for each student in the section with at least one
// receipt for the problem, the receipt with the highest score. Ties on score
// go to the most recent receipt, so a student's latest best attempt wins.
// Students with no receipts are omitted.
func (s *Service) BestReceipts(ctx context.Context, req BestReceiptsRequest) (map[int64]domain.UserAndReceipt, error) {
	problem, _, err := s.gate.RequireProblemInstructor(ctx, req.Caller, req.ProblemID)
	if err != nil {
		return nil, err
	}

	students, err := s.roster.StudentsInSection(ctx, problem.CourseID, req.Section)
	if err != nil {
		return nil, err
	}

	receipts, err := s.store.ReceiptsForProblem(ctx, req.ProblemID)
	if err != nil {
		return nil, err
	}

	byUser := make(map[int64]domain.User, len(students))
	for _, u := range students {
		byUser[u.UserID] = u
	}

	best := make(map[int64]domain.UserAndReceipt)
	for _, r := range receipts {
		u, ok := byUser[r.UserID]
		if !ok {
			continue
		}

		cur, ok := best[r.UserID]
		if !ok || beats(r, cur.Receipt) {
			best[r.UserID] = domain.UserAndReceipt{User: u, Receipt: r}
		}
	}

	return best, nil
}

func beats(a, b domain.SubmissionReceipt) bool {
	if !a.Score.Equal(b.Score) {
		return a.Score.GreaterThan(b.Score)
	}
	return a.Timestamp.After(b.Timestamp)
}
