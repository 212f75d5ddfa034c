package quiz

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/sporadic-app/sporadic/internal/domain"
	"github.com/sporadic-app/sporadic/internal/errors"
	"github.com/sporadic-app/sporadic/internal/permission"
	"github.com/sporadic-app/sporadic/internal/platform"
)

const codeUniqueViolation = "23505"

type Config struct {
	DB        *pgxpool.Pool
	Platforms *platform.Service
	Redis     redis.UniversalClient
	Prefix    string
	CacheTTL  time.Duration
}

// Service manages quiz content and comments. Public quiz views are cached
// in Redis with a jittered TTL; the cached form never contains the answer
// key, so a cache leak can never leak answers.
type Service struct {
	db        *pgxpool.Pool
	platforms *platform.Service
	redis     redis.UniversalClient
	prefix    string
	ttl       time.Duration
	sf        singleflight.Group
}

func NewService(c Config) *Service {
	ttl := c.CacheTTL
	if ttl == 0 {
		ttl = 10 * time.Minute
	}

	return &Service{
		db:        c.DB,
		platforms: c.Platforms,
		redis:     c.Redis,
		prefix:    c.Prefix,
		ttl:       ttl,
	}
}

// View is the public face of a quiz: everything except the answer key.
type View struct {
	Platform         string            `json:"platform"`
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	TimeLimitSeconds int               `json:"timeLimitSeconds"`
	Questions        []domain.Question `json:"questions"`
	AwardTitle       string            `json:"awardTitle"`
	AwardRequirement int               `json:"awardRequirement"`
	Upvotes          int               `json:"upvotes"`
	Downvotes        int               `json:"downvotes"`
	Comments         []domain.Comment  `json:"comments"`
}

type CreateRequest struct {
	Platform         string
	Title            string
	Caller           string
	Description      string
	TimeLimitSeconds int
	Questions        []domain.Question
	CorrectAnswers   []int
	AwardTitle       string
	AwardRequirement int
}

// Create adds a quiz to the platform. Requires at least moderator
// privileges; the title must be unique within the platform and the answer
// key must index into the questions it grades.
func (s *Service) Create(ctx context.Context, req CreateRequest) error {
	if len(req.CorrectAnswers) != len(req.Questions) {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("expected %d correct answers, got %d", len(req.Questions), len(req.CorrectAnswers)))
	}
	for i, c := range req.CorrectAnswers {
		if c < 0 || c >= len(req.Questions[i].AnswerChoices) {
			return errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("correct answer %d out of range for question %d", c, i))
		}
	}

	tier, _, err := s.platforms.ResolveTier(ctx, req.Caller, req.Platform)
	if err != nil {
		return err
	}
	if !tier.AtLeast(permission.TierModerator) {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("%q is not an owner or moderator of %q", req.Caller, req.Platform))
	}

	const stmt = `
INSERT INTO quizzes (platform_title, title, description, time_limit_seconds, questions, correct_answers,
                     award_title, award_requirement, upvotes, downvotes, create_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0, now());`

	questions, err := json.Marshal(req.Questions)
	if err != nil {
		return fmt.Errorf("marshal questions: %w", err)
	}
	correct, err := json.Marshal(req.CorrectAnswers)
	if err != nil {
		return fmt.Errorf("marshal correct answers: %w", err)
	}

	_, err = s.db.Exec(ctx, stmt, req.Platform, req.Title, req.Description, req.TimeLimitSeconds,
		questions, correct, req.AwardTitle, req.AwardRequirement)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("%q already includes quiz %q", req.Platform, req.Title),
			errors.WithCause(err))
	}
	if err != nil {
		return err
	}

	s.EvictView(ctx, req.Platform, req.Title)
	return nil
}

type DeleteRequest struct {
	Platform string
	Title    string
	Caller   string
}

// Delete removes the quiz together with its attempts, comments and pin
// entry. Requires at least moderator privileges.
func (s *Service) Delete(ctx context.Context, req DeleteRequest) (err error) {
	tier, _, err := s.platforms.ResolveTier(ctx, req.Caller, req.Platform)
	if err != nil {
		return err
	}
	if !tier.AtLeast(permission.TierModerator) {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("%q is not an owner or moderator of %q", req.Caller, req.Platform))
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

	for _, stmt := range []string{
		`DELETE FROM quiz_comments WHERE platform_title = $1 AND quiz_title = $2;`,
		`DELETE FROM attempts WHERE platform_title = $1 AND quiz_title = $2;`,
		`DELETE FROM platform_pinned_quizzes WHERE platform_title = $1 AND quiz_title = $2;`,
	} {
		if _, err = tx.Exec(ctx, stmt, req.Platform, req.Title); err != nil {
			return err
		}
	}

	tag, err := tx.Exec(ctx, `DELETE FROM quizzes WHERE platform_title = $1 AND title = $2;`, req.Platform, req.Title)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("quiz %q not found in %q", req.Title, req.Platform))
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}

	s.EvictView(ctx, req.Platform, req.Title)
	return nil
}

// GetView returns the public view of a quiz, cache-aside through Redis.
// Concurrent misses for the same quiz collapse into a single load.
func (s *Service) GetView(ctx context.Context, platformTitle, title string) (*View, error) {
	key := s.cacheKey(platformTitle, title)

	if s.redis != nil {
		if b, err := s.redis.Get(ctx, key).Bytes(); err == nil {
			v := &View{}
			if err := json.Unmarshal(b, v); err == nil {
				return v, nil
			}
			slog.WarnContext(ctx, "quiz: dropping undecodable cache entry", "key", key)
			s.redis.Del(ctx, key)
		}
	}

	result, err, _ := s.sf.Do(key, func() (any, error) {
		v, err := s.loadView(ctx, platformTitle, title)
		if err != nil {
			return nil, err
		}

		if s.redis != nil {
			if b, err := json.Marshal(v); err == nil {
				if err := s.redis.Set(ctx, key, b, s.ttlWithJitter()).Err(); err != nil {
					slog.WarnContext(ctx, "quiz: cache fill failed", "key", key, "error", err)
				}
			}
		}

		return v, nil
	})
	if err != nil {
		return nil, err
	}

	return result.(*View), nil
}

// ListByPlatform returns quiz summaries for the platform feed. Summaries
// carry no questions.
func (s *Service) ListByPlatform(ctx context.Context, platformTitle string) ([]View, error) {
	if _, err := s.platforms.Get(ctx, platformTitle); err != nil {
		return nil, err
	}

	const stmt = `
SELECT platform_title, title, description, time_limit_seconds, award_title, award_requirement, upvotes, downvotes
FROM quizzes
WHERE platform_title = $1
ORDER BY create_time DESC;`

	rows, err := s.db.Query(ctx, stmt, platformTitle)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (View, error) {
		var v View
		err := r.Scan(&v.Platform, &v.Title, &v.Description, &v.TimeLimitSeconds,
			&v.AwardTitle, &v.AwardRequirement, &v.Upvotes, &v.Downvotes)
		return v, err
	})
}

type AddCommentRequest struct {
	Platform  string
	QuizTitle string
	Username  string
	Text      string
}

// AddComment appends the user's comment. Commenting requires a graded
// attempt on the quiz, and each user comments at most once.
func (s *Service) AddComment(ctx context.Context, req AddCommentRequest) error {
	const attemptStmt = `
SELECT score FROM attempts
WHERE platform_title = $1 AND quiz_title = $2 AND username = $3;`

	var scorePtr *int
	err := s.db.QueryRow(ctx, attemptStmt, req.Platform, req.QuizTitle, req.Username).Scan(&scorePtr)
	if err == pgx.ErrNoRows {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("%q has not taken quiz %s/%s", req.Username, req.Platform, req.QuizTitle))
	}
	if err != nil {
		return err
	}
	if scorePtr == nil {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("%q has not submitted quiz %s/%s", req.Username, req.Platform, req.QuizTitle))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate comment ID: %w", err)
	}

	const stmt = `
INSERT INTO quiz_comments (id, platform_title, quiz_title, username, body, create_time)
VALUES ($1, $2, $3, $4, $5, now());`

	_, err = s.db.Exec(ctx, stmt, id, req.Platform, req.QuizTitle, req.Username, req.Text)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("%q has already commented on this quiz", req.Username),
			errors.WithCause(err))
	}
	if err != nil {
		return err
	}

	s.EvictView(ctx, req.Platform, req.QuizTitle)
	return nil
}

func (s *Service) loadView(ctx context.Context, platformTitle, title string) (*View, error) {
	const stmt = `
SELECT platform_title, title, description, time_limit_seconds, questions,
       award_title, award_requirement, upvotes, downvotes
FROM quizzes
WHERE platform_title = $1 AND title = $2;`

	v := &View{}
	err := s.db.QueryRow(ctx, stmt, platformTitle, title).Scan(
		&v.Platform, &v.Title, &v.Description, &v.TimeLimitSeconds, &v.Questions,
		&v.AwardTitle, &v.AwardRequirement, &v.Upvotes, &v.Downvotes,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("quiz %q not found in %q", title, platformTitle))
	}
	if err != nil {
		return nil, err
	}

	const commentStmt = `
SELECT username, body, create_time
FROM quiz_comments
WHERE platform_title = $1 AND quiz_title = $2
ORDER BY create_time;`

	rows, err := s.db.Query(ctx, commentStmt, platformTitle, title)
	if err != nil {
		return nil, err
	}
	v.Comments, err = pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Comment, error) {
		var c domain.Comment
		err := r.Scan(&c.User, &c.Text, &c.CreateTime)
		return c, err
	})
	if err != nil {
		return nil, err
	}

	return v, nil
}

// EvictView drops the cached public view so the next read reflects a
// mutation committed elsewhere (vote counters, comments, deletion).
func (s *Service) EvictView(ctx context.Context, platformTitle, title string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, s.cacheKey(platformTitle, title)).Err(); err != nil {
		slog.WarnContext(ctx, "quiz: cache eviction failed",
			"platform", platformTitle, "quiz", title, "error", err)
	}
}

func (s *Service) cacheKey(platformTitle, title string) string {
	return fmt.Sprintf("%s:quiz:%s:%s", s.prefix, platformTitle, title)
}

// ttlWithJitter adds up to 10% jitter to spread expirations. The
// top-level rand source is safe for concurrent fills of distinct keys.
func (s *Service) ttlWithJitter() time.Duration {
	jitterMax := int64(s.ttl) / 10
	return s.ttl + time.Duration(rand.Int63n(jitterMax+1))
}
