package quiz

import (
	"context"
	"time"

	"github.com/khanhvc/exercode/internal/access"
	"github.com/khanhvc/exercode/internal/domain"
	"github.com/khanhvc/exercode/internal/errors"
	"github.com/khanhvc/exercode/internal/event"
)

// Store persists quiz sessions. Create enforces the at-most-one-active
// invariant per (problem, section) atomically; End transitions an active
// session exactly once.
type Store interface {
	Create(ctx context.Context, q domain.Quiz) error
	Active(ctx context.Context, problemID int64, section int) (domain.Quiz, bool, error)
	ActiveForProblem(ctx context.Context, problemID int64) ([]domain.Quiz, error)
	End(ctx context.Context, problemID int64, section int, endTime time.Time) (domain.Quiz, error)
}

type Config struct {
	Store    Store
	EventBus *event.Bus
	Gate     *access.Gate
	Now      func() time.Time
}

// Service is the quiz session state machine gating a problem behind a timed,
// instructor-controlled window per course section. Sessions stay active until
// explicitly ended; there is no time-based auto-expiry.
type Service struct {
	store Store
	eb    *event.Bus
	gate  *access.Gate
	now   func() time.Time
}

func NewService(c Config) *Service {
	now := c.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		store: c.Store,
		eb:    c.EventBus,
		gate:  c.Gate,
		now:   now,
	}
}

type StartRequest struct {
	Caller    access.Identity
	ProblemID int64
	Section   int
}

// Start opens a quiz session for one section of the problem's course. Only
// an instructor of that course may start one, and only one session per
// (problem, section) may be active at a time.
func (s *Service) Start(ctx context.Context, req StartRequest) (domain.Quiz, error) {
	if _, _, err := s.gate.RequireProblemInstructor(ctx, req.Caller, req.ProblemID); err != nil {
		return domain.Quiz{}, err
	}

	q := domain.Quiz{
		ProblemID: req.ProblemID,
		Section:   req.Section,
		StartTime: s.now(),
	}

	if err := s.store.Create(ctx, q); err != nil {
		return domain.Quiz{}, err
	}

	s.eb.Publish(ctx, domain.EventQuizStarted{Quiz: q})

	return q, nil
}

type CurrentRequest struct {
	Caller    access.Identity
	ProblemID int64
}

// Current returns the active quiz session visible to the caller: students see
// the session for their registered section, instructors see any active
// session on the problem. The returned copy carries EndTime set to the
// server's current time, so a client can compute elapsed duration without
// trusting its own clock; the stored row is not modified.
func (s *Service) Current(ctx context.Context, req CurrentRequest) (domain.Quiz, bool, error) {
	reg, err := s.gate.AuthorizeProblem(ctx, req.Caller, req.ProblemID)
	if err != nil {
		return domain.Quiz{}, false, err
	}

	var (
		q  domain.Quiz
		ok bool
	)
	if reg.Role == domain.RoleInstructor {
		active, err := s.store.ActiveForProblem(ctx, req.ProblemID)
		if err != nil {
			return domain.Quiz{}, false, err
		}
		if len(active) > 0 {
			q, ok = active[0], true
		}
	} else {
		q, ok, err = s.store.Active(ctx, req.ProblemID, reg.Section)
		if err != nil {
			return domain.Quiz{}, false, err
		}
	}

	if !ok {
		return domain.Quiz{}, false, nil
	}

	q.EndTime = s.now()
	return q, true, nil
}

type EndRequest struct {
	Caller    access.Identity
	ProblemID int64
	Section   int
}

// End transitions an active session to ended, exactly once. Ending an
// already-ended session is rejected, not silently ignored, so a stale client
// learns its view of the session is out of date.
func (s *Service) End(ctx context.Context, req EndRequest) (domain.Quiz, error) {
	if _, _, err := s.gate.RequireProblemInstructor(ctx, req.Caller, req.ProblemID); err != nil {
		return domain.Quiz{}, err
	}

	q, err := s.store.End(ctx, req.ProblemID, req.Section, s.now())
	if err != nil {
		return domain.Quiz{}, err
	}

	s.eb.Publish(ctx, domain.EventQuizEnded{Quiz: q})

	return q, nil
}

// ActiveQuizzes implements the access gate's quiz lookup.
func (s *Service) ActiveQuizzes(ctx context.Context, problemID int64) ([]domain.Quiz, error) {
	return s.store.ActiveForProblem(ctx, problemID)
}

// NewActiveError builds the error for a second concurrent start.
func NewActiveError(problemID int64, section int) error {
	return errors.New(errors.CodeAlreadyExists,
		errors.WithReason(errors.ReasonQuizAlreadyActive),
		errors.WithMessagef("a quiz is already active for problem %d section %d", problemID, section))
}

// NewEndedError builds the error for ending a session twice.
func NewEndedError(problemID int64, section int) error {
	return errors.New(errors.CodeFailedPrecondition,
		errors.WithReason(errors.ReasonQuizAlreadyEnded),
		errors.WithMessagef("the quiz for problem %d section %d has already ended", problemID, section))
}
