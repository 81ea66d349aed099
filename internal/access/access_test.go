package access_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/khanhvc/exercode/internal/access"
	"github.com/khanhvc/exercode/internal/domain"
	"github.com/khanhvc/exercode/internal/errors"
)

const (
	courseID  = int64(10)
	problemID = int64(100)
)

var (
	instructor = access.Identity{UserID: 1, Username: "prof"}
	student    = access.Identity{UserID: 2, Username: "alice"}
	outsider   = access.Identity{UserID: 9, Username: "mallory"}
)

func TestGate_AuthorizeProblem(t *testing.T) {
	type inputs struct {
		caller  access.Identity
		quizzes []domain.Quiz
	}

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, reg domain.CourseRegistration, err error)
	}{
		"unauthenticated caller is rejected": {
			arrange: func() inputs {
				return inputs{caller: access.Identity{}}
			},
			assert: func(t *testing.T, _ domain.CourseRegistration, err error) {
				require.True(t, errors.HasCode(err, errors.CodeUnauthenticated))
			},
		},

		"unregistered caller is forbidden": {
			arrange: func() inputs {
				return inputs{caller: outsider}
			},
			assert: func(t *testing.T, _ domain.CourseRegistration, err error) {
				require.True(t, errors.HasCode(err, errors.CodePermissionDenied))
			},
		},

		"registered student passes with no quiz active": {
			arrange: func() inputs {
				return inputs{caller: student}
			},
			assert: func(t *testing.T, reg domain.CourseRegistration, err error) {
				require.NoError(t, err)
				require.Equal(t, domain.RoleStudent, reg.Role)
			},
		},

		"student in quizzed section passes during quiz": {
			arrange: func() inputs {
				return inputs{
					caller:  student,
					quizzes: []domain.Quiz{{ProblemID: problemID, Section: 1}},
				}
			},
			assert: func(t *testing.T, _ domain.CourseRegistration, err error) {
				require.NoError(t, err)
			},
		},

		"student outside quizzed section is forbidden during quiz": {
			arrange: func() inputs {
				return inputs{
					caller:  student,
					quizzes: []domain.Quiz{{ProblemID: problemID, Section: 2}},
				}
			},
			assert: func(t *testing.T, _ domain.CourseRegistration, err error) {
				require.True(t, errors.HasCode(err, errors.CodePermissionDenied))
			},
		},

		"instructor passes during quiz regardless of section": {
			arrange: func() inputs {
				return inputs{
					caller:  instructor,
					quizzes: []domain.Quiz{{ProblemID: problemID, Section: 2}},
				}
			},
			assert: func(t *testing.T, reg domain.CourseRegistration, err error) {
				require.NoError(t, err)
				require.Equal(t, domain.RoleInstructor, reg.Role)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			g := makeGate(in.quizzes)

			reg, err := g.AuthorizeProblem(context.Background(), in.caller, problemID)
			tt.assert(t, reg, err)
		})
	}
}

func TestGate_RequireInstructor(t *testing.T) {
	g := makeGate(nil)

	_, err := g.RequireInstructor(context.Background(), student, courseID)
	require.True(t, errors.HasCode(err, errors.CodePermissionDenied))

	reg, err := g.RequireInstructor(context.Background(), instructor, courseID)
	require.NoError(t, err)
	require.Equal(t, domain.RoleInstructor, reg.Role)
}

func TestGate_RequireProblemInstructor_UnknownProblem(t *testing.T) {
	g := makeGate(nil)

	_, _, err := g.RequireProblemInstructor(context.Background(), instructor, 404)
	require.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func makeGate(quizzes []domain.Quiz) *access.Gate {
	return access.NewGate(access.Config{
		Roster: fakeRoster{
			instructor.UserID: {CourseID: courseID, UserID: instructor.UserID, Role: domain.RoleInstructor, Section: 0},
			student.UserID:    {CourseID: courseID, UserID: student.UserID, Role: domain.RoleStudent, Section: 1},
		},
		Problems: fakeProblems{
			problemID: {ProblemID: problemID, CourseID: courseID, Name: "hello"},
		},
		Quizzes: fakeQuizzes(quizzes),
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

type fakeQuizzes []domain.Quiz

func (f fakeQuizzes) ActiveQuizzes(_ context.Context, problemID int64) ([]domain.Quiz, error) {
	var out []domain.Quiz
	for _, q := range f {
		if q.ProblemID == problemID && q.State() == domain.QuizActive {
			out = append(out, q)
		}
	}
	return out, nil
}
