package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is a platform account, resolved by the authentication collaborator.
type User struct {
	UserID      int64
	Username    string
	DisplayName string
}

type Course struct {
	CourseID int64
	Name     string
	Title    string
	Term     Term
}

type Term struct {
	TermID int64
	Name   string
	Year   int
}

type CourseRole string

const (
	RoleStudent    CourseRole = "student"
	RoleInstructor CourseRole = "instructor"
)

// CourseRegistration ties a user to a course with a role and a section number.
type CourseRegistration struct {
	CourseID int64
	UserID   int64
	Role     CourseRole
	Section  int
}

// CourseTermRegistration is one row of a user's course listing.
type CourseTermRegistration struct {
	Course       Course
	Term         Term
	Registration CourseRegistration
}

type Problem struct {
	ProblemID        int64
	CourseID         int64
	Name             string
	BriefDescription string
	Description      string
	WhenAssigned     time.Time
	WhenDue          time.Time
}

type TestCase struct {
	TestCaseID string
	ProblemID  int64
	Name       string
	Input      string
	Output     string
	Secret     bool
}

// ProblemAndTestCaseList is the unit of exchange with the exercise repository.
type ProblemAndTestCaseList struct {
	Problem   Problem
	TestCases []TestCase
}

type SubmissionStatus string

const (
	StatusStarted      SubmissionStatus = "started"
	StatusCompileError SubmissionStatus = "compile_error"
	StatusBuildError   SubmissionStatus = "build_error"
	StatusTestsFailed  SubmissionStatus = "tests_failed"
	StatusTestsPassed  SubmissionStatus = "tests_passed"
)

// SubmissionReceipt is the graded outcome of testing one code snapshot.
// Identity is immutable; status, score and test counts may be recomputed
// in place after a retest.
type SubmissionReceipt struct {
	ID        string
	UserID    int64
	ProblemID int64
	Revision  int64
	Status    SubmissionStatus
	NumPassed int
	NumTests  int
	Score     decimal.Decimal
	Timestamp time.Time
}

type TestOutcome string

const (
	OutcomePassed  TestOutcome = "passed"
	OutcomeFailed  TestOutcome = "failed"
	OutcomeTimeout TestOutcome = "timeout"
	OutcomeError   TestOutcome = "error"
)

// TestResult is the outcome of one test case within a grading pass.
// A receipt owns its results exclusively; a retest replaces them as a unit.
type TestResult struct {
	ID         string
	ReceiptID  string
	TestCaseID string
	Outcome    TestOutcome
	Stdout     string
	Stderr     string
	Elapsed    time.Duration
}

// UserAndReceipt pairs a student with their best receipt for a problem.
type UserAndReceipt struct {
	User    User
	Receipt SubmissionReceipt
}

type QuizState string

const (
	QuizActive QuizState = "active"
	QuizEnded  QuizState = "ended"
)

// Quiz gates a problem behind a timed window for one course section.
// Absence of a quiz row means the quiz was never started.
type Quiz struct {
	ProblemID int64
	Section   int
	StartTime time.Time
	EndTime   time.Time
}

func (q Quiz) State() QuizState {
	if q.EndTime.IsZero() {
		return QuizActive
	}
	return QuizEnded
}
