package exchange_test

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/khanhvc/exercode/internal/domain"
	"github.com/khanhvc/exercode/internal/errors"
	"github.com/khanhvc/exercode/internal/exchange"
)

func TestClient_Publish(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/exercisedata", r.URL.Path)

		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := exchange.NewClient(exchange.Config{BaseURL: srv.URL + "/"})

	err := c.Publish(context.Background(), &domain.ProblemAndTestCaseList{
		Problem: domain.Problem{Name: "hello", BriefDescription: "say hello"},
		TestCases: []domain.TestCase{
			{Name: "t1", Input: "", Output: "Hello, world!\n"},
		},
	}, "repo-user", "repo-pass")
	require.NoError(t, err)

	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("repo-user:repo-pass"))
	require.Equal(t, wantAuth, gotAuth)
	require.Contains(t, gotBody, `"name":"hello"`)
}

func TestClient_Publish_BadCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := exchange.NewClient(exchange.Config{BaseURL: srv.URL})

	err := c.Publish(context.Background(), &domain.ProblemAndTestCaseList{
		Problem: domain.Problem{Name: "hello"},
	}, "u", "wrong")
	require.True(t, errors.HasCode(err, errors.CodeUnauthenticated))
}

func TestClient_Import(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/exercisedata/abc123", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"problem": {
				"name": "fib",
				"brief_description": "nth fibonacci",
				"description": "compute it",
				"when_assigned": 1741600800000,
				"when_due": 1741773600000
			},
			"test_cases": [
				{"name": "t1", "input": "10", "output": "55", "secret": false},
				{"name": "t2", "input": "20", "output": "6765", "secret": true}
			]
		}`))
	}))
	defer srv.Close()

	c := exchange.NewClient(exchange.Config{BaseURL: srv.URL})

	ex, err := c.Import(context.Background(), "abc123")
	require.NoError(t, err)
	require.Equal(t, "fib", ex.Problem.Name)
	require.Equal(t, time.UnixMilli(1741600800000), ex.Problem.WhenAssigned)
	require.Len(t, ex.TestCases, 2)
	require.True(t, ex.TestCases[1].Secret)
}

func TestClient_Import_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := exchange.NewClient(exchange.Config{BaseURL: srv.URL})

	_, err := c.Import(context.Background(), "nope")
	require.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestDecode_RejectsMalformedExercises(t *testing.T) {
	tests := map[string]string{
		"missing problem name": `{"problem": {"name": ""}, "test_cases": []}`,
		"nameless test case":   `{"problem": {"name": "x"}, "test_cases": [{"name": ""}]}`,
		"unknown field":        `{"problem": {"name": "x"}, "test_cases": [], "extra": 1}`,
	}

	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := exchange.Decode(strings.NewReader(payload))
			require.Error(t, err)
		})
	}
}
