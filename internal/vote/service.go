package vote

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sporadic-app/sporadic/internal/domain"
	"github.com/sporadic-app/sporadic/internal/errors"
)

// ViewCache invalidates cached quiz views. The quiz service satisfies
// it; a committed counter change must not keep serving from cache.
type ViewCache interface {
	EvictView(ctx context.Context, platformTitle, title string)
}

type Config struct {
	DB    *pgxpool.Pool
	Cache ViewCache
}

// Service is the vote ledger: each participant's tri-state vote lives on
// their attempt, and the quiz carries aggregate counters that must always
// equal the per-attempt tallies. Voting requires having taken the quiz.
type Service struct {
	db    *pgxpool.Pool
	cache ViewCache
}

func NewService(c Config) *Service {
	return &Service{
		db:    c.DB,
		cache: c.Cache,
	}
}

type CastRequest struct {
	Username  string
	Platform  string
	QuizTitle string
	Vote      domain.Vote
}

// Cast moves the user's vote on the quiz to the requested state. The vote
// write and the counter deltas commit in one transaction, with the
// attempt row locked for the duration, so the aggregate counters can
// never drift from the per-attempt votes.
func (s *Service) Cast(ctx context.Context, req CastRequest) (err error) {
	const quizStmt = `SELECT EXISTS (SELECT 1 FROM quizzes WHERE platform_title = $1 AND title = $2);`

	var exists bool
	if err := s.db.QueryRow(ctx, quizStmt, req.Platform, req.QuizTitle).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("quiz %q not found in %q", req.QuizTitle, req.Platform))
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const currentStmt = `
SELECT vote FROM attempts
WHERE platform_title = $1 AND quiz_title = $2 AND username = $3
FOR UPDATE;`

	var current domain.Vote
	err = tx.QueryRow(ctx, currentStmt, req.Platform, req.QuizTitle, req.Username).Scan(&current)
	if err == pgx.ErrNoRows {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("%q has not taken quiz %s/%s", req.Username, req.Platform, req.QuizTitle))
	}
	if err != nil {
		return err
	}

	delta, err := Transition(current, req.Vote)
	if err != nil {
		return err
	}

	const (
		voteStmt = `
UPDATE attempts SET vote = $4
WHERE platform_title = $1 AND quiz_title = $2 AND username = $3 AND vote = $5;`
		counterStmt = `
UPDATE quizzes SET upvotes = upvotes + $3, downvotes = downvotes + $4
WHERE platform_title = $1 AND title = $2;`
	)

	tag, err := tx.Exec(ctx, voteStmt, req.Platform, req.QuizTitle, req.Username, req.Vote, current)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.Internal(fmt.Errorf("vote changed concurrently despite row lock"))
	}

	if _, err = tx.Exec(ctx, counterStmt, req.Platform, req.QuizTitle, delta.Upvotes, delta.Downvotes); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}

	if s.cache != nil {
		s.cache.EvictView(ctx, req.Platform, req.QuizTitle)
	}
	return nil
}
