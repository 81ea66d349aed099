package course

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/khanhvc/exercode/internal/domain"
	"github.com/khanhvc/exercode/internal/errors"
)

type Config struct {
	DB *pgxpool.Pool
}

// Service is the read-mostly lookup side of courses, registrations, problems
// and test cases. The edit-log and grading services consume it through narrow
// interfaces of their own.
type Service struct {
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	return &Service{
		db: c.DB,
	}
}

// CoursesForUser lists every course the user is registered in, with the term
// and the registration itself.
func (s *Service) CoursesForUser(ctx context.Context, userID int64) ([]domain.CourseTermRegistration, error) {
	const stmt = `
SELECT c.course_id, c.name, c.title,
       t.term_id, t.name, t.year,
       r.role, r.section
FROM registrations r
JOIN courses c ON c.course_id = r.course_id
JOIN terms t ON t.term_id = c.term_id
WHERE r.user_id = $1
ORDER BY t.year DESC, c.name;`

	rows, err := s.db.Query(ctx, stmt, userID)
	if err != nil {
		return nil, fmt.Errorf("list courses for user %d: %w", userID, err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.CourseTermRegistration, error) {
		var ctr domain.CourseTermRegistration
		err := r.Scan(
			&ctr.Course.CourseID, &ctr.Course.Name, &ctr.Course.Title,
			&ctr.Term.TermID, &ctr.Term.Name, &ctr.Term.Year,
			&ctr.Registration.Role, &ctr.Registration.Section,
		)
		if err != nil {
			return domain.CourseTermRegistration{}, err
		}
		ctr.Course.Term = ctr.Term
		ctr.Registration.CourseID = ctr.Course.CourseID
		ctr.Registration.UserID = userID
		return ctr, nil
	})
}

// FindRegistration returns the user's registration in a course, or NotFound.
func (s *Service) FindRegistration(ctx context.Context, userID, courseID int64) (domain.CourseRegistration, error) {
	const stmt = `SELECT role, section FROM registrations WHERE user_id = $1 AND course_id = $2;`

	reg := domain.CourseRegistration{UserID: userID, CourseID: courseID}
	err := s.db.QueryRow(ctx, stmt, userID, courseID).Scan(&reg.Role, &reg.Section)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.CourseRegistration{}, errors.New(errors.CodeNotFound,
			errors.WithMessagef("user %d is not registered in course %d", userID, courseID))
	}
	if err != nil {
		return domain.CourseRegistration{}, fmt.Errorf("find registration: %w", err)
	}

	return reg, nil
}

// StudentsInSection lists the students (not instructors) registered in one
// section of a course.
func (s *Service) StudentsInSection(ctx context.Context, courseID int64, section int) ([]domain.User, error) {
	const stmt = `
SELECT u.user_id, u.username, u.display_name
FROM registrations r
JOIN users u ON u.user_id = r.user_id
WHERE r.course_id = $1 AND r.section = $2 AND r.role = $3
ORDER BY u.username;`

	rows, err := s.db.Query(ctx, stmt, courseID, section, domain.RoleStudent)
	if err != nil {
		return nil, fmt.Errorf("list students in course %d section %d: %w", courseID, section, err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.User, error) {
		var u domain.User
		err := r.Scan(&u.UserID, &u.Username, &u.DisplayName)
		return u, err
	})
}

// SectionsForCourse lists the distinct section numbers of a course's roster.
func (s *Service) SectionsForCourse(ctx context.Context, courseID int64) ([]int, error) {
	const stmt = `SELECT DISTINCT section FROM registrations WHERE course_id = $1 ORDER BY section;`

	rows, err := s.db.Query(ctx, stmt, courseID)
	if err != nil {
		return nil, fmt.Errorf("list sections for course %d: %w", courseID, err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (int, error) {
		var n int
		err := r.Scan(&n)
		return n, err
	})
}

// Problem returns the problem with the given id, or NotFound.
func (s *Service) Problem(ctx context.Context, problemID int64) (domain.Problem, error) {
	const stmt = `
SELECT problem_id, course_id, name, brief_description, description, when_assigned, when_due
FROM problems WHERE problem_id = $1;`

	var p domain.Problem
	err := s.db.QueryRow(ctx, stmt, problemID).Scan(
		&p.ProblemID, &p.CourseID, &p.Name, &p.BriefDescription, &p.Description,
		&p.WhenAssigned, &p.WhenDue,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.Problem{}, errors.New(errors.CodeNotFound,
			errors.WithMessagef("problem %d not found", problemID))
	}
	if err != nil {
		return domain.Problem{}, fmt.Errorf("get problem %d: %w", problemID, err)
	}

	return p, nil
}

func (s *Service) TestCasesForProblem(ctx context.Context, problemID int64) ([]domain.TestCase, error) {
	const stmt = `
SELECT test_case_id, problem_id, name, input, output, secret
FROM test_cases WHERE problem_id = $1 ORDER BY name;`

	rows, err := s.db.Query(ctx, stmt, problemID)
	if err != nil {
		return nil, fmt.Errorf("list test cases for problem %d: %w", problemID, err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.TestCase, error) {
		var tc domain.TestCase
		err := r.Scan(&tc.TestCaseID, &tc.ProblemID, &tc.Name, &tc.Input, &tc.Output, &tc.Secret)
		return tc, err
	})
}

// StoreExercise inserts an imported problem and its test cases as one unit,
// assigning ids. Used when importing exercises from the remote repository.
func (s *Service) StoreExercise(ctx context.Context, ex *domain.ProblemAndTestCaseList) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const (
		insProblemStmt = `
INSERT INTO problems (course_id, name, brief_description, description, when_assigned, when_due)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING problem_id;`
		insTestCaseStmt = `
INSERT INTO test_cases (test_case_id, problem_id, name, input, output, secret)
VALUES ($1, $2, $3, $4, $5, $6);`
	)

	p := &ex.Problem
	err = tx.QueryRow(ctx, insProblemStmt,
		p.CourseID, p.Name, p.BriefDescription, p.Description, p.WhenAssigned, p.WhenDue,
	).Scan(&p.ProblemID)
	if err != nil {
		return fmt.Errorf("insert problem: %w", err)
	}

	for i := range ex.TestCases {
		tc := &ex.TestCases[i]
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate test case ID: %w", err)
		}
		tc.TestCaseID = id.String()
		tc.ProblemID = p.ProblemID
		if _, err := tx.Exec(ctx, insTestCaseStmt, tc.TestCaseID, tc.ProblemID, tc.Name, tc.Input, tc.Output, tc.Secret); err != nil {
			return fmt.Errorf("insert test case: %w", err)
		}
	}

	return tx.Commit(ctx)
}
