package access

import (
	"context"

	"github.com/khanhvc/exercode/internal/domain"
	"github.com/khanhvc/exercode/internal/errors"
)

// Identity is an authenticated caller, resolved by the authentication
// collaborator before any core operation runs. The gate never checks
// credentials itself.
type Identity struct {
	UserID      int64
	Username    string
	DisplayName string
}

func (id Identity) Authenticated() bool {
	return id.UserID != 0
}

// Resolver turns an inbound request token into an Identity.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// Roster looks up a user's registration in a course.
type Roster interface {
	FindRegistration(ctx context.Context, userID, courseID int64) (domain.CourseRegistration, error)
}

// Problems resolves a problem to its owning course.
type Problems interface {
	Problem(ctx context.Context, problemID int64) (domain.Problem, error)
}

// QuizFinder lists the quizzes currently active on a problem.
type QuizFinder interface {
	ActiveQuizzes(ctx context.Context, problemID int64) ([]domain.Quiz, error)
}

type Config struct {
	Roster   Roster
	Problems Problems
	Quizzes  QuizFinder
}

// Gate translates (caller identity, course, problem) into allow/deny. Every
// core operation consults it first; a deny short-circuits the operation with
// no side effect.
type Gate struct {
	roster   Roster
	problems Problems
	quizzes  QuizFinder
}

func NewGate(c Config) *Gate {
	return &Gate{
		roster:   c.Roster,
		problems: c.Problems,
		quizzes:  c.Quizzes,
	}
}

// Authenticate rejects callers without a resolved identity.
func (g *Gate) Authenticate(id Identity) error {
	if !id.Authenticated() {
		return errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("caller is not authenticated"))
	}
	return nil
}

// RequireInstructor allows only instructors of the given course.
func (g *Gate) RequireInstructor(ctx context.Context, id Identity, courseID int64) (domain.CourseRegistration, error) {
	if err := g.Authenticate(id); err != nil {
		return domain.CourseRegistration{}, err
	}

	reg, err := g.roster.FindRegistration(ctx, id.UserID, courseID)
	if errors.HasCode(err, errors.CodeNotFound) {
		return domain.CourseRegistration{}, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("user %q is not registered in course %d", id.Username, courseID))
	}
	if err != nil {
		return domain.CourseRegistration{}, err
	}

	if reg.Role != domain.RoleInstructor {
		return domain.CourseRegistration{}, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("user %q is not an instructor of course %d", id.Username, courseID))
	}

	return reg, nil
}

// RequireProblemInstructor resolves the problem's course and requires the
// caller to be one of its instructors.
func (g *Gate) RequireProblemInstructor(ctx context.Context, id Identity, problemID int64) (domain.Problem, domain.CourseRegistration, error) {
	if err := g.Authenticate(id); err != nil {
		return domain.Problem{}, domain.CourseRegistration{}, err
	}

	p, err := g.problems.Problem(ctx, problemID)
	if err != nil {
		return domain.Problem{}, domain.CourseRegistration{}, err
	}

	reg, err := g.RequireInstructor(ctx, id, p.CourseID)
	if err != nil {
		return domain.Problem{}, domain.CourseRegistration{}, err
	}

	return p, reg, nil
}

// AuthorizeProblem allows a caller to read or write their own edit and
// submission data for a problem. Instructors of the owning course always
// pass. While a quiz is active on the problem, students pass only if their
// registered section has an active quiz window.
func (g *Gate) AuthorizeProblem(ctx context.Context, id Identity, problemID int64) (domain.CourseRegistration, error) {
	if err := g.Authenticate(id); err != nil {
		return domain.CourseRegistration{}, err
	}

	p, err := g.problems.Problem(ctx, problemID)
	if err != nil {
		return domain.CourseRegistration{}, err
	}

	reg, err := g.roster.FindRegistration(ctx, id.UserID, p.CourseID)
	if errors.HasCode(err, errors.CodeNotFound) {
		return domain.CourseRegistration{}, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("user %q is not registered in course %d", id.Username, p.CourseID))
	}
	if err != nil {
		return domain.CourseRegistration{}, err
	}

	if reg.Role == domain.RoleInstructor {
		return reg, nil
	}

	quizzes, err := g.quizzes.ActiveQuizzes(ctx, problemID)
	if err != nil {
		return domain.CourseRegistration{}, err
	}

	if len(quizzes) == 0 {
		return reg, nil
	}

	for _, q := range quizzes {
		if q.Section == reg.Section {
			return reg, nil
		}
	}

	return domain.CourseRegistration{}, errors.New(errors.CodePermissionDenied,
		errors.WithMessagef("problem %d is gated by a quiz not open to section %d", problemID, reg.Section))
}
