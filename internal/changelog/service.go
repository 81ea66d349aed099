package changelog

import (
	"context"

	"github.com/khanhvc/exercode/internal/access"
	"github.com/khanhvc/exercode/internal/domain"
	"github.com/khanhvc/exercode/internal/errors"
	"github.com/khanhvc/exercode/internal/event"
)

// Store persists edit streams. Append is atomic: either the whole batch lands
// with server-assigned event ids, or nothing does. A batch whose first
// revision does not directly follow the stored head fails with a
// revision-conflict error and leaves the stream untouched.
type Store interface {
	Append(ctx context.Context, batch []domain.Change) ([]domain.Change, error)
	Latest(ctx context.Context, userID, problemID int64) (domain.Change, bool, error)
	LatestFullText(ctx context.Context, userID, problemID int64) (domain.Change, bool, error)
	Since(ctx context.Context, userID, problemID, baseRevision int64) ([]domain.Change, error)
}

type Config struct {
	Store    Store
	EventBus *event.Bus
	Gate     *access.Gate
}

// Service is the append-only edit-synchronization log, one ordered stream per
// (user, problem) pair.
type Service struct {
	store Store
	eb    *event.Bus
	gate  *access.Gate
}

func NewService(c Config) *Service {
	return &Service{
		store: c.Store,
		eb:    c.EventBus,
		gate:  c.Gate,
	}
}

type AppendRequest struct {
	Caller  access.Identity
	Changes []domain.Change
}

// Append validates and lands a batch of edit events. All changes must belong
// to the caller's stream for a single problem, with revisions that continue
// the stored sequence one by one. A stale first revision means the client's
// local counter has diverged (for example a concurrent session on another
// device) and it must resynchronize via ChangesSince.
func (s *Service) Append(ctx context.Context, req AppendRequest) error {
	if len(req.Changes) == 0 {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("empty change batch"))
	}

	first := req.Changes[0]
	if _, err := s.gate.AuthorizeProblem(ctx, req.Caller, first.ProblemID); err != nil {
		return err
	}

	if first.UserID != req.Caller.UserID {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("cannot append to another user's edit stream"))
	}

	if err := validateBatch(req.Changes); err != nil {
		return err
	}

	stored, err := s.store.Append(ctx, req.Changes)
	if err != nil {
		return err
	}

	s.eb.Publish(ctx, domain.EventChangeAppended{
		UserID:    first.UserID,
		ProblemID: first.ProblemID,
		Last:      stored[len(stored)-1],
	})

	return nil
}

func validateBatch(batch []domain.Change) error {
	first := batch[0]
	if first.Revision < 0 {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("revision %d is negative", first.Revision))
	}

	for i, c := range batch {
		if c.UserID != first.UserID || c.ProblemID != first.ProblemID {
			return errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("batch mixes edit streams: (%d,%d) and (%d,%d)",
					first.UserID, first.ProblemID, c.UserID, c.ProblemID))
		}

		if c.Kind != domain.FullText && c.Kind != domain.Delta {
			return errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("unknown change kind %q", c.Kind))
		}

		if want := first.Revision + int64(i); c.Revision != want {
			return errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("batch revisions are not consecutive: want %d, have %d", want, c.Revision))
		}
	}

	return nil
}

type StreamRequest struct {
	Caller    access.Identity
	UserID    int64
	ProblemID int64
}

// Latest returns the most recent change of any kind in the stream.
// The second return is false when the stream is empty.
func (s *Service) Latest(ctx context.Context, req StreamRequest) (domain.Change, bool, error) {
	if err := s.authorizeRead(ctx, req); err != nil {
		return domain.Change{}, false, err
	}

	return s.store.Latest(ctx, req.UserID, req.ProblemID)
}

// LatestFullText returns the most recent checkpoint change, the anchor a
// client replays deltas on top of.
func (s *Service) LatestFullText(ctx context.Context, req StreamRequest) (domain.Change, bool, error) {
	if err := s.authorizeRead(ctx, req); err != nil {
		return domain.Change{}, false, err
	}

	return s.store.LatestFullText(ctx, req.UserID, req.ProblemID)
}

type ChangesSinceRequest struct {
	Caller       access.Identity
	UserID       int64
	ProblemID    int64
	BaseRevision int64
}

// ChangesSince returns all changes with revision greater than BaseRevision in
// revision order. A client holding state up to BaseRevision applies the
// result to catch up; an empty result means it is already current.
func (s *Service) ChangesSince(ctx context.Context, req ChangesSinceRequest) ([]domain.Change, error) {
	if err := s.authorizeRead(ctx, StreamRequest{Caller: req.Caller, UserID: req.UserID, ProblemID: req.ProblemID}); err != nil {
		return nil, err
	}

	return s.store.Since(ctx, req.UserID, req.ProblemID, req.BaseRevision)
}

// authorizeRead lets a caller read their own stream; reading another user's
// stream requires being an instructor of the owning course.
func (s *Service) authorizeRead(ctx context.Context, req StreamRequest) error {
	reg, err := s.gate.AuthorizeProblem(ctx, req.Caller, req.ProblemID)
	if err != nil {
		return err
	}

	if req.UserID != req.Caller.UserID && reg.Role != domain.RoleInstructor {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("cannot read another user's edit stream"))
	}

	return nil
}
