package quiz_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/khanhvc/exercode/internal/access"
	"github.com/khanhvc/exercode/internal/domain"
	"github.com/khanhvc/exercode/internal/errors"
	"github.com/khanhvc/exercode/internal/event"
	"github.com/khanhvc/exercode/internal/quiz"
)

const (
	courseID  = int64(10)
	problemID = int64(100)
	section   = 1
)

var (
	prof  = access.Identity{UserID: 1, Username: "prof"}
	alice = access.Identity{UserID: 2, Username: "alice"} // student, section 1
	carol = access.Identity{UserID: 4, Username: "carol"} // student, section 2
)

var frozenNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func TestService_StartCurrentEnd(t *testing.T) {
	s := makeService(t)
	ctx := context.Background()

	q, err := s.Start(ctx, quiz.StartRequest{Caller: prof, ProblemID: problemID, Section: section})
	require.NoError(t, err)
	require.Equal(t, frozenNow, q.StartTime)
	require.Equal(t, domain.QuizActive, q.State())

	// The student in the quizzed section sees it, with the server clock in EndTime.
	cur, ok, err := s.Current(ctx, quiz.CurrentRequest{Caller: alice, ProblemID: problemID})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, frozenNow, cur.EndTime, "EndTime carries the server clock for elapsed-time computation")

	ended, err := s.End(ctx, quiz.EndRequest{Caller: prof, ProblemID: problemID, Section: section})
	require.NoError(t, err)
	require.Equal(t, domain.QuizEnded, ended.State())

	_, ok, err = s.Current(ctx, quiz.CurrentRequest{Caller: alice, ProblemID: problemID})
	require.NoError(t, err)
	require.False(t, ok, "no active session after end")
}

func TestService_Start_SecondStartRejected(t *testing.T) {
	s := makeService(t)
	ctx := context.Background()

	_, err := s.Start(ctx, quiz.StartRequest{Caller: prof, ProblemID: problemID, Section: section})
	require.NoError(t, err)

	_, err = s.Start(ctx, quiz.StartRequest{Caller: prof, ProblemID: problemID, Section: section})
	require.True(t, errors.HasReason(err, errors.ReasonQuizAlreadyActive), "got: %v", err)

	// A different section of the same problem may run its own session.
	_, err = s.Start(ctx, quiz.StartRequest{Caller: prof, ProblemID: problemID, Section: section + 1})
	require.NoError(t, err)
}

func TestService_Start_StudentForbidden(t *testing.T) {
	s := makeService(t)

	_, err := s.Start(context.Background(), quiz.StartRequest{Caller: alice, ProblemID: problemID, Section: section})
	require.True(t, errors.HasCode(err, errors.CodePermissionDenied))
}

func TestService_End_TwiceRejected(t *testing.T) {
	s := makeService(t)
	ctx := context.Background()

	_, err := s.Start(ctx, quiz.StartRequest{Caller: prof, ProblemID: problemID, Section: section})
	require.NoError(t, err)

	_, err = s.End(ctx, quiz.EndRequest{Caller: prof, ProblemID: problemID, Section: section})
	require.NoError(t, err)

	_, err = s.End(ctx, quiz.EndRequest{Caller: prof, ProblemID: problemID, Section: section})
	require.True(t, errors.HasReason(err, errors.ReasonQuizAlreadyEnded), "got: %v", err)
}

func TestService_End_NeverStarted(t *testing.T) {
	s := makeService(t)

	_, err := s.End(context.Background(), quiz.EndRequest{Caller: prof, ProblemID: problemID, Section: section})
	require.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestService_End_StudentForbidden(t *testing.T) {
	s := makeService(t)
	ctx := context.Background()

	_, err := s.Start(ctx, quiz.StartRequest{Caller: prof, ProblemID: problemID, Section: section})
	require.NoError(t, err)

	// Ending a session is an instructor action, even for students inside it.
	_, err = s.End(ctx, quiz.EndRequest{Caller: alice, ProblemID: problemID, Section: section})
	require.True(t, errors.HasCode(err, errors.CodePermissionDenied))
}

func TestService_Current_SectionScoped(t *testing.T) {
	s := makeService(t)
	ctx := context.Background()

	_, err := s.Start(ctx, quiz.StartRequest{Caller: prof, ProblemID: problemID, Section: section})
	require.NoError(t, err)

	// carol's section has no active quiz; during alice's quiz window carol
	// is shut out of the problem entirely.
	_, _, err = s.Current(ctx, quiz.CurrentRequest{Caller: carol, ProblemID: problemID})
	require.True(t, errors.HasCode(err, errors.CodePermissionDenied))

	// The instructor sees the active session regardless of section.
	cur, ok, err := s.Current(ctx, quiz.CurrentRequest{Caller: prof, ProblemID: problemID})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, section, cur.Section)
}

func TestService_Start_ConcurrentStartsSerialize(t *testing.T) {
	s := makeService(t)
	ctx := context.Background()

	const racers = 8
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Start(ctx, quiz.StartRequest{Caller: prof, ProblemID: problemID, Section: section})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var won, rejected int
	for err := range errs {
		switch {
		case err == nil:
			won++
		case errors.HasReason(err, errors.ReasonQuizAlreadyActive):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, won)
	require.Equal(t, racers-1, rejected)
}

func makeService(t *testing.T) *quiz.Service {
	t.Helper()

	store := newMemStore()
	gate := access.NewGate(access.Config{
		Roster: fakeRoster{
			prof.UserID:  {CourseID: courseID, UserID: prof.UserID, Role: domain.RoleInstructor},
			alice.UserID: {CourseID: courseID, UserID: alice.UserID, Role: domain.RoleStudent, Section: 1},
			carol.UserID: {CourseID: courseID, UserID: carol.UserID, Role: domain.RoleStudent, Section: 2},
		},
		Problems: fakeProblems{problemID: {ProblemID: problemID, CourseID: courseID}},
		Quizzes:  store,
	})

	return quiz.NewService(quiz.Config{
		Store:    store,
		EventBus: event.NewBus(),
		Gate:     gate,
		Now:      func() time.Time { return frozenNow },
	})
}

type fakeRoster map[int64]domain.CourseRegistration

func (f fakeRoster) FindRegistration(_ context.Context, userID, courseID int64) (domain.CourseRegistration, error) {
	reg, ok := f[userID]
	if !ok || reg.CourseID != courseID {
		return domain.CourseRegistration{}, errors.New(errors.CodeNotFound)
	}
	return reg, nil
}

type fakeProblems map[int64]domain.Problem

func (f fakeProblems) Problem(_ context.Context, problemID int64) (domain.Problem, error) {
	p, ok := f[problemID]
	if !ok {
		return domain.Problem{}, errors.New(errors.CodeNotFound)
	}
	return p, nil
}

// memStore is an in-memory Store double enforcing the same at-most-one-active
// check-and-insert the postgres partial unique index provides.
type memStore struct {
	mu       sync.Mutex
	sessions []domain.Quiz
}

func newMemStore() *memStore {
	return &memStore{}
}

func (m *memStore) Create(_ context.Context, q domain.Quiz) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.ProblemID == q.ProblemID && s.Section == q.Section && s.State() == domain.QuizActive {
			return quiz.NewActiveError(q.ProblemID, q.Section)
		}
	}

	m.sessions = append(m.sessions, q)
	return nil
}

func (m *memStore) Active(_ context.Context, problemID int64, section int) (domain.Quiz, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.ProblemID == problemID && s.Section == section && s.State() == domain.QuizActive {
			return s, true, nil
		}
	}
	return domain.Quiz{}, false, nil
}

func (m *memStore) ActiveForProblem(_ context.Context, problemID int64) ([]domain.Quiz, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Quiz
	for _, s := range m.sessions {
		if s.ProblemID == problemID && s.State() == domain.QuizActive {
			out = append(out, s)
		}
	}
	return out, nil
}

// ActiveQuizzes implements the access gate's quiz lookup.
func (m *memStore) ActiveQuizzes(ctx context.Context, problemID int64) ([]domain.Quiz, error) {
	return m.ActiveForProblem(ctx, problemID)
}

func (m *memStore) End(_ context.Context, problemID int64, section int, endTime time.Time) (domain.Quiz, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var seen bool
	for i, s := range m.sessions {
		if s.ProblemID != problemID || s.Section != section {
			continue
		}
		seen = true
		if s.State() == domain.QuizActive {
			m.sessions[i].EndTime = endTime
			return m.sessions[i], nil
		}
	}

	if seen {
		return domain.Quiz{}, quiz.NewEndedError(problemID, section)
	}
	return domain.Quiz{}, errors.New(errors.CodeNotFound,
		errors.WithMessagef("no quiz was started for problem %d section %d", problemID, section))
}
