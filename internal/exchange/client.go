package exchange

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/khanhvc/exercode/internal/domain"
	"github.com/khanhvc/exercode/internal/errors"
)

const defaultTimeout = 30 * time.Second

type Config struct {
	// BaseURL of the exercise repository, e.g. https://repo.example.org.
	BaseURL string

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to the remote exercise repository: instructors publish
// exercises there and import shared ones by hash.
type Client struct {
	base string
	http *http.Client
}

func NewClient(c Config) *Client {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}

	return &Client{
		base: strings.TrimSuffix(c.BaseURL, "/"),
		http: hc,
	}
}

// Publish shares an exercise with the repository, authenticating with the
// instructor's repository credentials.
func (c *Client) Publish(ctx context.Context, ex *domain.ProblemAndTestCaseList, username, password string) error {
	var body bytes.Buffer
	if err := Encode(&body, ex); err != nil {
		return fmt.Errorf("encode exercise: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/exercisedata", &body)
	if err != nil {
		return fmt.Errorf("build publish request: %w", err)
	}
	req.SetBasicAuth(username, password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.New(errors.CodeUnavailable,
			errors.WithMessagef("exercise repository unreachable"),
			errors.WithCause(err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("repository rejected the credentials"))
	default:
		return errors.New(errors.CodeInternal,
			errors.WithMessagef("repository returned status %s", resp.Status))
	}
}

// Import fetches a shared exercise by its hash.
func (c *Client) Import(ctx context.Context, hash string) (*domain.ProblemAndTestCaseList, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/exercisedata/"+hash, nil)
	if err != nil {
		return nil, fmt.Errorf("build import request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable,
			errors.WithMessagef("exercise repository unreachable"),
			errors.WithCause(err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fallthrough to decode
	case http.StatusNotFound:
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("exercise %q not found in repository", hash))
	default:
		return nil, errors.New(errors.CodeInternal,
			errors.WithMessagef("repository returned status %s", resp.Status))
	}

	ex, err := Decode(resp.Body)
	if err != nil {
		return nil, err
	}

	return ex, nil
}
