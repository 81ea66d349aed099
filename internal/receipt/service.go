package receipt

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/khanhvc/exercode/internal/access"
	"github.com/khanhvc/exercode/internal/domain"
	"github.com/khanhvc/exercode/internal/errors"
	"github.com/khanhvc/exercode/internal/event"
)

// Store persists submission receipts and their test results. A receipt owns
// its results exclusively; ReplaceResults swaps them atomically, so a reader
// never observes a mix of old and new results.
type Store interface {
	Insert(ctx context.Context, receipt domain.SubmissionReceipt, results []domain.TestResult) error
	Get(ctx context.Context, id string) (domain.SubmissionReceipt, error)
	Results(ctx context.Context, id string) ([]domain.TestResult, error)
	ReplaceResults(ctx context.Context, id string, results []domain.TestResult) error
	Update(ctx context.Context, receipt domain.SubmissionReceipt) error
}

// Catalog looks up the test cases belonging to a problem.
type Catalog interface {
	TestCasesForProblem(ctx context.Context, problemID int64) ([]domain.TestCase, error)
}

type Config struct {
	Store    Store
	Catalog  Catalog
	EventBus *event.Bus
	Gate     *access.Gate
}

type Service struct {
	store   Store
	catalog Catalog
	eb      *event.Bus
	gate    *access.Gate
}

func NewService(c Config) *Service {
	return &Service{
		store:   c.Store,
		catalog: c.Catalog,
		eb:      c.EventBus,
		gate:    c.Gate,
	}
}

type RecordRequest struct {
	Caller  access.Identity
	Receipt domain.SubmissionReceipt
	Results []domain.TestResult
}

// Record inserts a graded receipt and its test results as one unit and
// returns the assigned receipt id. Every result must reference a test case of
// the receipt's problem; the normalized score is derived from the test
// counts so aggregation never depends on what the grader happened to send.
func (s *Service) Record(ctx context.Context, req RecordRequest) (string, error) {
	r := req.Receipt

	if _, err := s.gate.AuthorizeProblem(ctx, req.Caller, r.ProblemID); err != nil {
		return "", err
	}
	if r.UserID != req.Caller.UserID {
		if _, _, err := s.gate.RequireProblemInstructor(ctx, req.Caller, r.ProblemID); err != nil {
			return "", err
		}
	}

	if err := s.checkResultsSchema(ctx, r.ProblemID, req.Results); err != nil {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate receipt ID: %w", err)
	}
	r.ID = id.String()
	r.Score = normalizedScore(r)

	results, err := stampResults(r.ID, req.Results)
	if err != nil {
		return "", err
	}

	if err := s.store.Insert(ctx, r, results); err != nil {
		return "", err
	}

	s.eb.Publish(ctx, domain.EventReceiptRecorded{Receipt: r})

	return r.ID, nil
}

type GetRequest struct {
	Caller access.Identity
	ID     string
}

func (s *Service) Get(ctx context.Context, req GetRequest) (domain.SubmissionReceipt, error) {
	r, err := s.store.Get(ctx, req.ID)
	if err != nil {
		return domain.SubmissionReceipt{}, err
	}

	if err := s.authorizeReceipt(ctx, req.Caller, r); err != nil {
		return domain.SubmissionReceipt{}, err
	}

	return r, nil
}

func (s *Service) Results(ctx context.Context, req GetRequest) ([]domain.TestResult, error) {
	r, err := s.store.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	if err := s.authorizeReceipt(ctx, req.Caller, r); err != nil {
		return nil, err
	}

	return s.store.Results(ctx, req.ID)
}

type ReplaceResultsRequest struct {
	Caller  access.Identity
	ID      string
	Results []domain.TestResult
}

// ReplaceResults atomically discards the receipt's prior results and stores
// the new ones. Used when a submission is retested, for example after a
// grading bug fix, without changing the receipt's identity.
func (s *Service) ReplaceResults(ctx context.Context, req ReplaceResultsRequest) error {
	r, err := s.store.Get(ctx, req.ID)
	if err != nil {
		return err
	}

	if _, _, err := s.gate.RequireProblemInstructor(ctx, req.Caller, r.ProblemID); err != nil {
		return err
	}

	if err := s.checkResultsSchema(ctx, r.ProblemID, req.Results); err != nil {
		return err
	}

	results, err := stampResults(r.ID, req.Results)
	if err != nil {
		return err
	}

	if err := s.store.ReplaceResults(ctx, r.ID, results); err != nil {
		return err
	}

	s.eb.Publish(ctx, domain.EventReceiptRetested{Receipt: r})

	return nil
}

type UpdateRequest struct {
	Caller  access.Identity
	Receipt domain.SubmissionReceipt
}

// Update overwrites the mutable fields of an existing receipt (status, test
// counts, score, timestamp) in place. Identity is immutable.
func (s *Service) Update(ctx context.Context, req UpdateRequest) error {
	stored, err := s.store.Get(ctx, req.Receipt.ID)
	if err != nil {
		return err
	}

	if _, _, err := s.gate.RequireProblemInstructor(ctx, req.Caller, stored.ProblemID); err != nil {
		return err
	}

	r := req.Receipt
	r.UserID = stored.UserID
	r.ProblemID = stored.ProblemID
	r.Revision = stored.Revision
	r.Score = normalizedScore(r)

	return s.store.Update(ctx, r)
}

func (s *Service) authorizeReceipt(ctx context.Context, caller access.Identity, r domain.SubmissionReceipt) error {
	reg, err := s.gate.AuthorizeProblem(ctx, caller, r.ProblemID)
	if err != nil {
		return err
	}

	if r.UserID != caller.UserID && reg.Role != domain.RoleInstructor {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("cannot read another user's receipt"))
	}

	return nil
}

func (s *Service) checkResultsSchema(ctx context.Context, problemID int64, results []domain.TestResult) error {
	if len(results) == 0 {
		return nil
	}

	cases, err := s.catalog.TestCasesForProblem(ctx, problemID)
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(cases))
	for _, tc := range cases {
		known[tc.TestCaseID] = true
	}

	for _, tr := range results {
		if !known[tr.TestCaseID] {
			return errors.New(errors.CodeInvalidArgument,
				errors.WithReason(errors.ReasonSchemaMismatch),
				errors.WithMessagef("test case %q does not belong to problem %d", tr.TestCaseID, problemID))
		}
	}

	return nil
}

func stampResults(receiptID string, results []domain.TestResult) ([]domain.TestResult, error) {
	out := make([]domain.TestResult, len(results))
	for i, tr := range results {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate test result ID: %w", err)
		}
		tr.ID = id.String()
		tr.ReceiptID = receiptID
		out[i] = tr
	}
	return out, nil
}

func normalizedScore(r domain.SubmissionReceipt) decimal.Decimal {
	if r.NumTests == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(r.NumPassed)).Div(decimal.NewFromInt(int64(r.NumTests)))
}
