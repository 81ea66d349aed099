package exchange

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/khanhvc/exercode/internal/domain"
)

// Wire schema for exercises exchanged with the remote repository. The field
// list is fixed at compile time; decoding validates required fields instead
// of trusting whatever arrives.

type exerciseJSON struct {
	Problem   problemJSON    `json:"problem"`
	TestCases []testCaseJSON `json:"test_cases"`
}

type problemJSON struct {
	Name             string `json:"name"`
	BriefDescription string `json:"brief_description"`
	Description      string `json:"description"`
	WhenAssignedMs   int64  `json:"when_assigned"`
	WhenDueMs        int64  `json:"when_due"`
}

type testCaseJSON struct {
	Name   string `json:"name"`
	Input  string `json:"input"`
	Output string `json:"output"`
	Secret bool   `json:"secret"`
}

// Encode writes an exercise in the repository wire format. Timestamps travel
// as unix milliseconds so no precision is lost across implementations.
func Encode(w io.Writer, ex *domain.ProblemAndTestCaseList) error {
	out := exerciseJSON{
		Problem: problemJSON{
			Name:             ex.Problem.Name,
			BriefDescription: ex.Problem.BriefDescription,
			Description:      ex.Problem.Description,
			WhenAssignedMs:   ex.Problem.WhenAssigned.UnixMilli(),
			WhenDueMs:        ex.Problem.WhenDue.UnixMilli(),
		},
		TestCases: make([]testCaseJSON, 0, len(ex.TestCases)),
	}

	for _, tc := range ex.TestCases {
		out.TestCases = append(out.TestCases, testCaseJSON{
			Name:   tc.Name,
			Input:  tc.Input,
			Output: tc.Output,
			Secret: tc.Secret,
		})
	}

	return json.NewEncoder(w).Encode(out)
}

// Decode reads an exercise from the repository wire format.
func Decode(r io.Reader) (*domain.ProblemAndTestCaseList, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var in exerciseJSON
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("decode exercise: %w", err)
	}

	if in.Problem.Name == "" {
		return nil, fmt.Errorf("decode exercise: problem name is required")
	}

	ex := &domain.ProblemAndTestCaseList{
		Problem: domain.Problem{
			Name:             in.Problem.Name,
			BriefDescription: in.Problem.BriefDescription,
			Description:      in.Problem.Description,
			WhenAssigned:     time.UnixMilli(in.Problem.WhenAssignedMs),
			WhenDue:          time.UnixMilli(in.Problem.WhenDueMs),
		},
		TestCases: make([]domain.TestCase, 0, len(in.TestCases)),
	}

	for i, tc := range in.TestCases {
		if tc.Name == "" {
			return nil, fmt.Errorf("decode exercise: test case %d has no name", i)
		}
		ex.TestCases = append(ex.TestCases, domain.TestCase{
			Name:   tc.Name,
			Input:  tc.Input,
			Output: tc.Output,
			Secret: tc.Secret,
		})
	}

	return ex, nil
}
