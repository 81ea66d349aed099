//go:build integration_test

package demo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// The demo assumes a running server plus seeded fixtures: user 1 is a student
// in section 2 of the course owning problem 7, user 9 is its instructor, and
// the auth redis maps the tokens below to those users.
const (
	addr            = "http://localhost:8080"
	redisAddr       = "localhost:6379"
	pubsubPrefix    = "exercode"
	studentToken    = "demo-student"
	instructorToken = "demo-instructor"

	studentID = 1
	problemID = 7
	section   = 2
)

func TestEditAndGradeFlow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wg := new(sync.WaitGroup)
	subscribeAsUser(t, ctx, wg, studentID)

	// Instructor opens the quiz window so the student may work.
	{
		status, body := do(t, instructorToken, http.MethodPost,
			fmt.Sprintf("/v1/problems/%d/quiz/start", problemID),
			map[string]any{"section": section})
		require.Equal(t, http.StatusCreated, status, "start quiz: %s", body)
	}

	// Student types: a full-text snapshot, then a delta appending a return.
	{
		now := time.Now().UTC().Format(time.RFC3339Nano)
		status, body := do(t, studentToken, http.MethodPost, "/v1/changes", map[string]any{
			"changes": []map[string]any{
				{
					"user_id": studentID, "problem_id": problemID, "revision": 0,
					"kind": "full_text", "text": "int main(){}", "timestamp": now,
				},
				{
					"user_id": studentID, "problem_id": problemID, "revision": 1,
					"kind": "delta", "position": 11, "inserted": "return 0;", "timestamp": now,
				},
			},
		})
		require.Equal(t, http.StatusNoContent, status, "append changes: %s", body)
	}

	// Replaying the stream yields both revisions in order.
	{
		status, body := do(t, studentToken, http.MethodGet,
			fmt.Sprintf("/v1/users/%d/problems/%d/changes?since=-1", studentID, problemID), nil)
		require.Equal(t, http.StatusOK, status, "changes since: %s", body)

		var resp struct {
			Changes []struct {
				Revision int64  `json:"revision"`
				Kind     string `json:"kind"`
			} `json:"changes"`
		}
		require.NoError(t, json.Unmarshal(body, &resp))
		require.Len(t, resp.Changes, 2)
		require.Equal(t, int64(0), resp.Changes[0].Revision)
		require.Equal(t, int64(1), resp.Changes[1].Revision)
	}

	// Grading lands a perfect receipt for revision 1.
	var receiptID string
	{
		status, body := do(t, studentToken, http.MethodPost, "/v1/receipts", map[string]any{
			"receipt": map[string]any{
				"user_id": studentID, "problem_id": problemID, "revision": 1,
				"status": "tests_passed", "num_passed": 4, "num_tests": 4,
				"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			},
		})
		require.Equal(t, http.StatusCreated, status, "record receipt: %s", body)

		var resp struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(body, &resp))
		receiptID = resp.ID
		t.Logf("recorded receipt %s", receiptID)
	}

	// The instructor's standings show the student's best receipt at score 1.
	{
		status, body := do(t, instructorToken, http.MethodGet,
			fmt.Sprintf("/v1/problems/%d/best-receipts?section=%d", problemID, section), nil)
		require.Equal(t, http.StatusOK, status, "best receipts: %s", body)

		var resp struct {
			BestReceipts []struct {
				UserID  int64 `json:"user_id"`
				Receipt struct {
					ID    string `json:"id"`
					Score string `json:"score"`
				} `json:"receipt"`
			} `json:"best_receipts"`
		}
		require.NoError(t, json.Unmarshal(body, &resp))

		found := false
		for _, e := range resp.BestReceipts {
			if e.UserID == studentID {
				found = true
				require.Equal(t, receiptID, e.Receipt.ID)
				require.Equal(t, "1", e.Receipt.Score)
			}
		}
		require.True(t, found, "student should appear in standings")
	}

	{
		status, body := do(t, instructorToken, http.MethodPost,
			fmt.Sprintf("/v1/problems/%d/quiz/end", problemID),
			map[string]any{"section": section})
		require.Equal(t, http.StatusOK, status, "end quiz: %s", body)
	}

	wg.Wait()
}

func do(t *testing.T, token, method, path string, body any) (int, []byte) {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, addr+path, r)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, b
}

// subscribeAsUser waits for the receipt.recorded notification pushed to the
// student's channel.
func subscribeAsUser(t *testing.T, ctx context.Context, wg *sync.WaitGroup, userID int64) {
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{redisAddr},
	})
	require.NoError(t, rc.Ping(ctx).Err())

	sub := rc.Subscribe(ctx, fmt.Sprintf("%s:user:%d", pubsubPrefix, userID))
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer sub.Close()

		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				t.Logf("receive notification: %v", err)
				return
			}

			var n struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				t.Logf("unmarshal notification: %v", err)
				continue
			}

			t.Logf("notification %q: %s", n.Event, n.Data)
			if n.Event == "receipt.recorded" {
				return
			}
		}
	}()
}
