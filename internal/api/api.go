package api

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/sporadic-app/sporadic/internal/attempt"
	"github.com/sporadic-app/sporadic/internal/domain"
	"github.com/sporadic-app/sporadic/internal/errors"
	"github.com/sporadic-app/sporadic/internal/event"
	"github.com/sporadic-app/sporadic/internal/leaderboard"
	"github.com/sporadic-app/sporadic/internal/platform"
	"github.com/sporadic-app/sporadic/internal/quiz"
	"github.com/sporadic-app/sporadic/internal/user"
	"github.com/sporadic-app/sporadic/internal/vote"
)

// Service interfaces consumed by the API. The concrete services satisfy
// them; tests substitute stubs.
type (
	AttemptService interface {
		Start(ctx context.Context, req attempt.StartRequest) (*attempt.QuizView, error)
		Submit(ctx context.Context, req attempt.SubmitRequest) (*attempt.SubmitResponse, error)
	}

	VoteService interface {
		Cast(ctx context.Context, req vote.CastRequest) error
	}

	QuizService interface {
		Create(ctx context.Context, req quiz.CreateRequest) error
		Delete(ctx context.Context, req quiz.DeleteRequest) error
		GetView(ctx context.Context, platform, title string) (*quiz.View, error)
		ListByPlatform(ctx context.Context, platform string) ([]quiz.View, error)
		AddComment(ctx context.Context, req quiz.AddCommentRequest) error
	}

	PlatformService interface {
		Create(ctx context.Context, req platform.CreateRequest) error
		Get(ctx context.Context, title string) (*domain.Platform, error)
		Subscribe(ctx context.Context, req platform.SubscribeRequest) error
		Unsubscribe(ctx context.Context, req platform.SubscribeRequest) error
		UpdateModerators(ctx context.Context, req platform.UpdateModeratorsRequest) error
		UpdateBannedUsers(ctx context.Context, req platform.UpdateBannedUsersRequest) error
		UpdatePinnedQuizzes(ctx context.Context, req platform.UpdatePinnedQuizzesRequest) error
		ListPinned(ctx context.Context, title string) ([]string, error)
	}

	UserService interface {
		Register(ctx context.Context, req user.RegisterRequest) error
		Get(ctx context.Context, username string) (*domain.User, error)
		UpdateRelationship(ctx context.Context, req user.UpdateRelationshipRequest) error
		UpdateDisplayedAwards(ctx context.Context, req user.UpdateDisplayedAwardsRequest) error
		UpdateGlobalBanStatus(ctx context.Context, req user.UpdateGlobalBanStatusRequest) error
	}

	AwardService interface {
		ListByUser(ctx context.Context, username string) ([]domain.Award, error)
	}

	LeaderboardService interface {
		Get(ctx context.Context, req leaderboard.GetRequest) (*domain.Leaderboard, error)
		Rank(ctx context.Context, platform, username string) (rank int64, total int, ok bool, err error)
	}
)

type Config struct {
	Router       *gin.Engine
	EventBus     *event.Bus
	Attempt      AttemptService
	Vote         VoteService
	Quiz         QuizService
	Platform     PlatformService
	User         UserService
	Award        AwardService
	Leaderboard  LeaderboardService
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	attempt     AttemptService
	vote        VoteService
	quiz        QuizService
	platform    PlatformService
	user        UserService
	award       AwardService
	leaderboard LeaderboardService

	redis  Redis
	prefix string
}

var requestCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sporadic_api_requests_total",
	Help: "API requests by operation and resolved error code.",
}, []string{"operation", "code"})

func New(c Config) *API {
	a := &API{
		attempt:     c.Attempt,
		vote:        c.Vote,
		quiz:        c.Quiz,
		platform:    c.Platform,
		user:        c.User,
		award:       c.Award,
		leaderboard: c.Leaderboard,
		redis:       c.Redis,
		prefix:      c.PubsubPrefix,
	}

	a.register(c.Router)

	if c.EventBus != nil {
		c.EventBus.Subscribe(domain.EventNameAwardGranted, func(ctx context.Context, e event.Event) error {
			return a.PublishAwardGranted(ctx, e.(domain.EventAwardGranted))
		})
		c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
			return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
		})
	}

	return a
}

func (a *API) register(e *gin.Engine) {
	e.GET("/healthz", func(c *gin.Context) { c.String(200, "ok") })

	v1 := e.Group("/api/v1", authenticated())

	v1.POST("/platforms", a.CreatePlatform)
	v1.GET("/platforms/:platform", a.GetPlatform)
	v1.GET("/platforms/:platform/leaderboard", a.GetLeaderboard)
	v1.POST("/platforms/:platform/subscribers", a.Subscribe)
	v1.DELETE("/platforms/:platform/subscribers", a.Unsubscribe)
	v1.PATCH("/platforms/:platform/moderators", a.UpdateModerators)
	v1.PATCH("/platforms/:platform/banned-users", a.UpdateBannedUsers)
	v1.PATCH("/platforms/:platform/pinned-quizzes", a.UpdatePinnedQuizzes)

	v1.POST("/platforms/:platform/quizzes", a.CreateQuiz)
	v1.GET("/platforms/:platform/quizzes", a.ListQuizzes)
	v1.GET("/platforms/:platform/quizzes/:quiz", a.GetQuiz)
	v1.DELETE("/platforms/:platform/quizzes/:quiz", a.DeleteQuiz)
	v1.POST("/platforms/:platform/quizzes/:quiz/attempt", a.StartAttempt)
	v1.POST("/platforms/:platform/quizzes/:quiz/submission", a.SubmitAttempt)
	v1.PUT("/platforms/:platform/quizzes/:quiz/vote", a.CastVote)
	v1.POST("/platforms/:platform/quizzes/:quiz/comments", a.AddComment)

	v1.POST("/users", a.RegisterUser)
	v1.GET("/users/:username", a.GetUser)
	v1.PATCH("/users/relationships", a.UpdateRelationship)
	v1.PATCH("/users/displayed-awards", a.UpdateDisplayedAwards)
	v1.PATCH("/users/:username/global-ban", a.UpdateGlobalBanStatus)
}

const usernameKey = "username"

// authenticated trusts the upstream gateway's identity header. Credential
// verification is not this service's job.
func authenticated() gin.HandlerFunc {
	return func(c *gin.Context) {
		username := c.GetHeader("X-Username")
		if username == "" {
			render(c, "auth", errors.New(errors.CodeUnauthenticated,
				errors.WithMessagef("missing X-Username header")))
			c.Abort()
			return
		}

		c.Set(usernameKey, username)
		c.Next()
	}
}

func caller(c *gin.Context) string {
	return c.GetString(usernameKey)
}

// render writes the response for an operation: a JSON error with the
// mapped HTTP status, or the payload (204 when nil) on success.
func render(c *gin.Context, operation string, err error, payload ...any) {
	if err != nil {
		e := errors.Convert(err)
		if e.Code == errors.CodeInternal {
			slog.ErrorContext(c.Request.Context(), "api: "+operation+" failed", "error", err)
		}
		requestCount.WithLabelValues(operation, e.Code.String()).Inc()
		c.JSON(e.HTTPStatusCode(), gin.H{"code": e.Code, "message": e.Message})
		return
	}

	requestCount.WithLabelValues(operation, "ok").Inc()
	if len(payload) == 0 || payload[0] == nil {
		c.Status(204)
		return
	}
	c.JSON(200, payload[0])
}
