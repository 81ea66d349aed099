package api

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/khanhvc/exercode/internal/domain"
	"github.com/khanhvc/exercode/internal/errors"
)

// Notification is the wire shape pushed to redis pubsub subscribers.
// Connected clients (editors, section dashboards) use these to refresh
// without polling.
type Notification struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (a *API) channelSection(section int) string {
	return fmt.Sprintf("%s:section:%d", a.prefix, section)
}

func (a *API) channelProblem(problemID int64) string {
	return fmt.Sprintf("%s:problem:%d", a.prefix, problemID)
}

func (a *API) channelUser(userID int64) string {
	return fmt.Sprintf("%s:user:%d", a.prefix, userID)
}

func (a *API) notify(ctx context.Context, event string, data any, channels ...string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Internal(err)
	}

	b, err := json.Marshal(Notification{Event: event, Data: raw})
	if err != nil {
		return errors.Internal(err)
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, ch := range channels {
		ch := ch
		eg.Go(func() error {
			return a.redis.Publish(ctx, ch, b).Err()
		})
	}

	return eg.Wait()
}

func (a *API) PublishQuizStarted(ctx context.Context, e domain.EventQuizStarted) error {
	return a.notify(ctx, domain.EventNameQuizStarted, fromDomainQuiz(e.Quiz),
		a.channelSection(e.Quiz.Section),
		a.channelProblem(e.Quiz.ProblemID),
	)
}

func (a *API) PublishQuizEnded(ctx context.Context, e domain.EventQuizEnded) error {
	return a.notify(ctx, domain.EventNameQuizEnded, fromDomainQuiz(e.Quiz),
		a.channelSection(e.Quiz.Section),
		a.channelProblem(e.Quiz.ProblemID),
	)
}

func (a *API) PublishReceiptRecorded(ctx context.Context, e domain.EventReceiptRecorded) error {
	return a.notify(ctx, domain.EventNameReceiptRecorded, fromDomainReceipt(e.Receipt),
		a.channelUser(e.Receipt.UserID),
		a.channelProblem(e.Receipt.ProblemID),
	)
}
