package attempt

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sporadic-app/sporadic/internal/award"
	"github.com/sporadic-app/sporadic/internal/domain"
	"github.com/sporadic-app/sporadic/internal/errors"
	"github.com/sporadic-app/sporadic/internal/event"
	"github.com/sporadic-app/sporadic/internal/permission"
	"github.com/sporadic-app/sporadic/internal/score"
)

// DB is the slice of the pgx pool the service uses. Tests substitute an
// in-memory store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TierResolver yields the caller's privilege tier on a platform. The
// platform service satisfies it.
type TierResolver interface {
	ResolveTier(ctx context.Context, username, platformTitle string) (permission.Tier, *domain.Platform, error)
}

type Config struct {
	DB        DB
	Platforms TierResolver
	Score     *score.Service
	Award     *award.Service
	EventBus  *event.Bus

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Service tracks quiz attempts: one per (quiz, user), started once,
// graded at most once. Grading folds the result into the platform's
// cumulative score and evaluates the quiz's award threshold, all in one
// transaction.
type Service struct {
	db        DB
	platforms TierResolver
	score     *score.Service
	award     *award.Service
	eb        *event.Bus
	now       func() time.Time
}

func NewService(c Config) *Service {
	now := c.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		db:        c.DB,
		platforms: c.Platforms,
		score:     c.Score,
		award:     c.Award,
		eb:        c.EventBus,
		now:       now,
	}
}

// QuizView is what a taker sees: the questions, never the answer key.
type QuizView struct {
	Platform         string            `json:"platform"`
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	TimeLimitSeconds int               `json:"timeLimitSeconds"`
	Questions        []domain.Question `json:"questions"`
	AwardTitle       string            `json:"awardTitle"`
	AwardRequirement int               `json:"awardRequirement"`
	Upvotes          int               `json:"upvotes"`
	Downvotes        int               `json:"downvotes"`
	TimeStarted      time.Time         `json:"timeStarted"`
}

type StartRequest struct {
	Username  string
	Platform  string
	QuizTitle string
}

// Start opens the user's attempt on the quiz and returns the quiz view.
// Starting an already-started quiz is idempotent: the existing attempt is
// kept, its start time untouched, and the same view comes back.
func (s *Service) Start(ctx context.Context, req StartRequest) (*QuizView, error) {
	quiz, err := s.getQuiz(ctx, req.Platform, req.QuizTitle)
	if err != nil {
		return nil, err
	}

	tier, _, err := s.platforms.ResolveTier(ctx, req.Username, req.Platform)
	if err != nil {
		return nil, err
	}
	if !tier.AtLeast(permission.TierUser) {
		return nil, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("%q is banned from %q", req.Username, req.Platform))
	}

	a, err := s.getAttempt(ctx, s.db, req.Platform, req.QuizTitle, req.Username)
	if err != nil {
		return nil, err
	}
	if a != nil {
		slog.InfoContext(ctx, "attempt: already started",
			"user", req.Username, "platform", req.Platform, "quiz", req.QuizTitle)
		return s.view(quiz, a.TimeStarted), nil
	}

	const stmt = `
INSERT INTO attempts (platform_title, quiz_title, username, time_started, vote)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (platform_title, quiz_title, username) DO NOTHING;`

	started := s.now()
	tag, err := s.db.Exec(ctx, stmt, req.Platform, req.QuizTitle, req.Username, started, domain.VoteNone)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		// Lost a concurrent start; fall back to the existing attempt.
		a, err := s.getAttempt(ctx, s.db, req.Platform, req.QuizTitle, req.Username)
		if err != nil {
			return nil, err
		}
		if a == nil {
			return nil, errors.Internal(fmt.Errorf("attempt vanished after conflicting insert"))
		}
		started = a.TimeStarted
	}

	return s.view(quiz, started), nil
}

type SubmitRequest struct {
	Username  string
	Platform  string
	QuizTitle string
	Answers   []int
}

type SubmitResponse struct {
	TotalCorrect int  `json:"totalCorrect"`
	Submitted    bool `json:"submitted"`
	IsAwarded    bool `json:"isAwarded"`
}

// Submit grades the user's attempt. An already-graded attempt replies
// with its recorded score and Submitted=false; a submission past the
// deadline replies {0, false} and leaves the attempt ungraded. A fresh
// grade writes the score, the platform's cumulative total and any earned
// award in one transaction, then announces the score change.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	quiz, err := s.getQuiz(ctx, req.Platform, req.QuizTitle)
	if err != nil {
		return nil, err
	}

	if len(req.Answers) != len(quiz.Questions) {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("expected %d answers, got %d", len(quiz.Questions), len(req.Answers)))
	}

	if _, _, err := s.platforms.ResolveTier(ctx, req.Username, req.Platform); err != nil {
		return nil, err
	}

	resp, scoreEvent, awardEvent, err := s.grade(ctx, *quiz, req)
	if err != nil {
		return nil, err
	}

	if scoreEvent != nil {
		s.eb.Publish(ctx, *scoreEvent)
	}
	if awardEvent != nil {
		s.eb.Publish(ctx, *awardEvent)
	}

	return resp, nil
}

func (s *Service) grade(ctx context.Context, quiz domain.Quiz, req SubmitRequest) (_ *SubmitResponse, _ *domain.EventScoreApplied, _ *domain.EventAwardGranted, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	a, err := s.getAttemptForUpdate(ctx, tx, req.Platform, req.QuizTitle, req.Username)
	if err != nil {
		return nil, nil, nil, err
	}
	if a == nil {
		return nil, nil, nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("%q has not started quiz %s/%s", req.Username, req.Platform, req.QuizTitle))
	}

	if a.Graded() {
		slog.InfoContext(ctx, "attempt: already submitted",
			"user", req.Username, "platform", req.Platform, "quiz", req.QuizTitle)
		_ = tx.Rollback(ctx)
		return &SubmitResponse{TotalCorrect: *a.Score, Submitted: false}, nil, nil, nil
	}

	if s.now().After(DueTime(a.TimeStarted, quiz)) {
		slog.InfoContext(ctx, "attempt: submission period has passed",
			"user", req.Username, "platform", req.Platform, "quiz", req.QuizTitle)
		_ = tx.Rollback(ctx)
		return &SubmitResponse{TotalCorrect: 0, Submitted: false}, nil, nil, nil
	}

	totalCorrect := Grade(req.Answers, quiz.CorrectAnswers)

	// Guarded write: the score column transitions NULL -> value exactly once.
	const stmt = `
UPDATE attempts SET score = $4
WHERE platform_title = $1 AND quiz_title = $2 AND username = $3 AND score IS NULL;`

	tag, err := tx.Exec(ctx, stmt, req.Platform, req.QuizTitle, req.Username, totalCorrect)
	if err != nil {
		return nil, nil, nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, nil, nil, errors.Internal(fmt.Errorf("attempt graded concurrently despite row lock"))
	}

	total, err := s.score.Apply(ctx, tx, req.Platform, req.Username, totalCorrect)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("apply score: %w", err)
	}

	isAwarded, err := s.award.Evaluate(ctx, tx, req.Username, quiz, totalCorrect)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("evaluate award: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, nil, nil, err
	}

	scoreEvent := &domain.EventScoreApplied{
		Platform:     req.Platform,
		Username:     req.Username,
		Delta:        totalCorrect,
		TotalCorrect: total,
	}

	var awardEvent *domain.EventAwardGranted
	if isAwarded {
		awardEvent = &domain.EventAwardGranted{
			User: req.Username,
			Award: domain.Award{
				Title:    quiz.AwardTitle,
				Quiz:     quiz.Title,
				Platform: quiz.Platform,
			},
		}
	}

	return &SubmitResponse{TotalCorrect: totalCorrect, Submitted: true, IsAwarded: isAwarded}, scoreEvent, awardEvent, nil
}

// Get returns the user's attempt on the quiz, or a NotFound error.
func (s *Service) Get(ctx context.Context, platformTitle, quizTitle, username string) (*domain.Attempt, error) {
	a, err := s.getAttempt(ctx, s.db, platformTitle, quizTitle, username)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("%q has no attempt on %s/%s", username, platformTitle, quizTitle))
	}
	return a, nil
}

func (s *Service) view(quiz *domain.Quiz, started time.Time) *QuizView {
	return &QuizView{
		Platform:         quiz.Platform,
		Title:            quiz.Title,
		Description:      quiz.Description,
		TimeLimitSeconds: quiz.TimeLimitSeconds,
		Questions:        quiz.Questions,
		AwardTitle:       quiz.AwardTitle,
		AwardRequirement: quiz.AwardRequirement,
		Upvotes:          quiz.Upvotes,
		Downvotes:        quiz.Downvotes,
		TimeStarted:      started,
	}
}

func (s *Service) getQuiz(ctx context.Context, platformTitle, title string) (*domain.Quiz, error) {
	const stmt = `
SELECT platform_title, title, description, time_limit_seconds, questions, correct_answers,
       award_title, award_requirement, upvotes, downvotes, create_time
FROM quizzes
WHERE platform_title = $1 AND title = $2;`

	q := &domain.Quiz{}
	err := s.db.QueryRow(ctx, stmt, platformTitle, title).Scan(
		&q.Platform, &q.Title, &q.Description, &q.TimeLimitSeconds, &q.Questions, &q.CorrectAnswers,
		&q.AwardTitle, &q.AwardRequirement, &q.Upvotes, &q.Downvotes, &q.CreateTime,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("quiz %q not found in %q", title, platformTitle))
	}
	if err != nil {
		return nil, err
	}

	return q, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Service) getAttempt(ctx context.Context, q querier, platformTitle, quizTitle, username string) (*domain.Attempt, error) {
	const stmt = `
SELECT platform_title, quiz_title, username, time_started, score, vote
FROM attempts
WHERE platform_title = $1 AND quiz_title = $2 AND username = $3;`

	return scanAttempt(q.QueryRow(ctx, stmt, platformTitle, quizTitle, username))
}

func (s *Service) getAttemptForUpdate(ctx context.Context, tx pgx.Tx, platformTitle, quizTitle, username string) (*domain.Attempt, error) {
	const stmt = `
SELECT platform_title, quiz_title, username, time_started, score, vote
FROM attempts
WHERE platform_title = $1 AND quiz_title = $2 AND username = $3
FOR UPDATE;`

	return scanAttempt(tx.QueryRow(ctx, stmt, platformTitle, quizTitle, username))
}

func scanAttempt(row pgx.Row) (*domain.Attempt, error) {
	a := &domain.Attempt{}
	err := row.Scan(&a.Platform, &a.QuizTitle, &a.Username, &a.TimeStarted, &a.Score, &a.Vote)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}
