package attempt_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/sporadic-app/sporadic/internal/attempt"
	"github.com/sporadic-app/sporadic/internal/award"
	"github.com/sporadic-app/sporadic/internal/domain"
	"github.com/sporadic-app/sporadic/internal/errors"
	"github.com/sporadic-app/sporadic/internal/event"
	"github.com/sporadic-app/sporadic/internal/permission"
	"github.com/sporadic-app/sporadic/internal/score"
)

// fakeStore is an in-memory stand-in for the attempts schema. It
// dispatches on the statement text, so the service and the score and
// award services run their real SQL paths against it.
type fakeStore struct {
	mu       sync.Mutex
	quizzes  map[string]domain.Quiz
	attempts map[string]*domain.Attempt
	scores   map[string]int
	awards   map[string]bool
}

func newFakeStore(quizzes ...domain.Quiz) *fakeStore {
	st := &fakeStore{
		quizzes:  make(map[string]domain.Quiz),
		attempts: make(map[string]*domain.Attempt),
		scores:   make(map[string]int),
		awards:   make(map[string]bool),
	}
	for _, q := range quizzes {
		st.quizzes[key(q.Platform, q.Title)] = q
	}
	return st
}

func key(parts ...string) string { return strings.Join(parts, "/") }

type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

func (st *fakeStore) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	st.mu.Lock()
	defer st.mu.Unlock()

	switch {
	case strings.Contains(sql, "FROM quizzes"):
		q, ok := st.quizzes[key(args[0].(string), args[1].(string))]
		if !ok {
			return fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
		}
		return fakeRow{scan: func(dest ...any) error {
			*dest[0].(*string) = q.Platform
			*dest[1].(*string) = q.Title
			*dest[2].(*string) = q.Description
			*dest[3].(*int) = q.TimeLimitSeconds
			*dest[4].(*[]domain.Question) = q.Questions
			*dest[5].(*[]int) = q.CorrectAnswers
			*dest[6].(*string) = q.AwardTitle
			*dest[7].(*int) = q.AwardRequirement
			*dest[8].(*int) = q.Upvotes
			*dest[9].(*int) = q.Downvotes
			*dest[10].(*time.Time) = q.CreateTime
			return nil
		}}

	case strings.Contains(sql, "FROM attempts"):
		a, ok := st.attempts[key(args[0].(string), args[1].(string), args[2].(string))]
		if !ok {
			return fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
		}
		return fakeRow{scan: func(dest ...any) error {
			*dest[0].(*string) = a.Platform
			*dest[1].(*string) = a.QuizTitle
			*dest[2].(*string) = a.Username
			*dest[3].(*time.Time) = a.TimeStarted
			*dest[4].(**int) = a.Score
			*dest[5].(*domain.Vote) = a.Vote
			return nil
		}}

	case strings.Contains(sql, "INSERT INTO platform_scores"):
		k := key(args[0].(string), args[1].(string))
		st.scores[k] += args[2].(int)
		total := st.scores[k]
		return fakeRow{scan: func(dest ...any) error {
			*dest[0].(*int) = total
			return nil
		}}
	}

	return fakeRow{scan: func(...any) error {
		return fmt.Errorf("fakeStore: unexpected query %q", sql)
	}}
}

func (st *fakeStore) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	switch {
	case strings.Contains(sql, "INSERT INTO attempts"):
		k := key(args[0].(string), args[1].(string), args[2].(string))
		if _, ok := st.attempts[k]; ok {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		st.attempts[k] = &domain.Attempt{
			Platform:    args[0].(string),
			QuizTitle:   args[1].(string),
			Username:    args[2].(string),
			TimeStarted: args[3].(time.Time),
			Vote:        args[4].(domain.Vote),
		}
		return pgconn.NewCommandTag("INSERT 0 1"), nil

	case strings.Contains(sql, "UPDATE attempts SET score"):
		a, ok := st.attempts[key(args[0].(string), args[1].(string), args[2].(string))]
		if !ok || a.Score != nil {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		v := args[3].(int)
		a.Score = &v
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(sql, "INSERT INTO user_awards"):
		k := key(args[0].(string), args[1].(string), args[2].(string), args[3].(string))
		if st.awards[k] {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		st.awards[k] = true
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}

	return pgconn.CommandTag{}, fmt.Errorf("fakeStore: unexpected exec %q", sql)
}

func (st *fakeStore) Begin(context.Context) (pgx.Tx, error) {
	return fakeTx{st: st}, nil
}

// fakeTx runs statements straight against the store. The embedded
// interface covers the pgx.Tx surface these tests never touch.
type fakeTx struct {
	pgx.Tx
	st *fakeStore
}

func (t fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.st.Exec(ctx, sql, args...)
}

func (t fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.st.QueryRow(ctx, sql, args...)
}

func (t fakeTx) Commit(context.Context) error   { return nil }
func (t fakeTx) Rollback(context.Context) error { return nil }

type fakeResolver struct{ tier permission.Tier }

func (r fakeResolver) ResolveTier(_ context.Context, _, platformTitle string) (permission.Tier, *domain.Platform, error) {
	return r.tier, &domain.Platform{Title: platformTitle}, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func historyQuiz(title string) domain.Quiz {
	return domain.Quiz{
		Platform:         "history",
		Title:            title,
		TimeLimitSeconds: 60,
		Questions: []domain.Question{
			{Body: "Q0", AnswerChoices: []string{"a", "b"}},
			{Body: "Q1", AnswerChoices: []string{"a", "b", "c"}},
		},
		CorrectAnswers:   []int{0, 1},
		AwardTitle:       "Historian",
		AwardRequirement: 2,
	}
}

type harness struct {
	service *attempt.Service
	store   *fakeStore
	clock   *fakeClock
	bus     *event.Bus
}

func makeService(t *testing.T, tier permission.Tier, quizzes ...domain.Quiz) harness {
	t.Helper()

	st := newFakeStore(quizzes...)
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	bus := event.NewBus()
	t.Cleanup(bus.Stop)

	s := attempt.NewService(attempt.Config{
		DB:        st,
		Platforms: fakeResolver{tier: tier},
		Score:     score.NewService(score.Config{}),
		Award:     award.NewService(award.Config{}),
		EventBus:  bus,
		Now:       clock.Now,
	})

	return harness{service: s, store: st, clock: clock, bus: bus}
}

func TestService_Start_Idempotent(t *testing.T) {
	h := makeService(t, permission.TierSubscriber, historyQuiz("ww2"))

	first, err := h.service.Start(context.Background(), attempt.StartRequest{
		Username: "alice", Platform: "history", QuizTitle: "ww2",
	})
	require.NoError(t, err)
	require.Equal(t, h.clock.Now(), first.TimeStarted)

	h.clock.Advance(10 * time.Second)

	second, err := h.service.Start(context.Background(), attempt.StartRequest{
		Username: "alice", Platform: "history", QuizTitle: "ww2",
	})
	require.NoError(t, err)

	require.Len(t, h.store.attempts, 1, "second start must not create another attempt")
	require.Equal(t, first.TimeStarted, second.TimeStarted, "second start must not reset the clock")
}

func TestService_Start_Denied(t *testing.T) {
	for _, tier := range []permission.Tier{permission.TierBanned, permission.TierGloballyBanned} {
		t.Run(tier.String(), func(t *testing.T) {
			h := makeService(t, tier, historyQuiz("ww2"))

			_, err := h.service.Start(context.Background(), attempt.StartRequest{
				Username: "mallory", Platform: "history", QuizTitle: "ww2",
			})
			require.True(t, errors.IsCode(err, errors.CodePermissionDenied))
			require.Empty(t, h.store.attempts)
		})
	}
}

func TestService_Start_QuizNotFound(t *testing.T) {
	h := makeService(t, permission.TierSubscriber, historyQuiz("ww2"))

	_, err := h.service.Start(context.Background(), attempt.StartRequest{
		Username: "alice", Platform: "history", QuizTitle: "nope",
	})
	require.True(t, errors.IsCode(err, errors.CodeNotFound))
}

func submit(t *testing.T, h harness, quizTitle string, answers []int) *attempt.SubmitResponse {
	t.Helper()
	resp, err := h.service.Submit(context.Background(), attempt.SubmitRequest{
		Username: "alice", Platform: "history", QuizTitle: quizTitle, Answers: answers,
	})
	require.NoError(t, err)
	return resp
}

func start(t *testing.T, h harness, quizTitle string) {
	t.Helper()
	_, err := h.service.Start(context.Background(), attempt.StartRequest{
		Username: "alice", Platform: "history", QuizTitle: quizTitle,
	})
	require.NoError(t, err)
}

func TestService_Submit_ScoreImmutable(t *testing.T) {
	h := makeService(t, permission.TierSubscriber, historyQuiz("ww2"))
	start(t, h, "ww2")

	resp := submit(t, h, "ww2", []int{0, 1})
	require.Equal(t, &attempt.SubmitResponse{TotalCorrect: 2, Submitted: true, IsAwarded: true}, resp)
	require.Equal(t, 2, h.store.scores[key("history", "alice")])

	// A second submit, even with worse answers, replies with the
	// recorded score and changes nothing.
	resp = submit(t, h, "ww2", []int{1, 0})
	require.Equal(t, &attempt.SubmitResponse{TotalCorrect: 2, Submitted: false}, resp)
	require.Equal(t, 2, h.store.scores[key("history", "alice")], "score must not accumulate twice")
	require.Equal(t, 2, *h.store.attempts[key("history", "ww2", "alice")].Score)
	require.Len(t, h.store.awards, 1, "resubmit grants nothing extra")
}

func TestService_Submit_DeadlineEnforced(t *testing.T) {
	tests := map[string]struct {
		elapsed       time.Duration
		wantSubmitted bool
	}{
		"just inside the grace period":  {elapsed: 60*time.Second + attempt.GracePeriod - time.Second, wantSubmitted: true},
		"just outside the grace period": {elapsed: 60*time.Second + attempt.GracePeriod + time.Second, wantSubmitted: false},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			h := makeService(t, permission.TierSubscriber, historyQuiz("ww2"))
			start(t, h, "ww2")

			h.clock.Advance(tt.elapsed)

			resp := submit(t, h, "ww2", []int{0, 1})
			a := h.store.attempts[key("history", "ww2", "alice")]

			if tt.wantSubmitted {
				require.Equal(t, &attempt.SubmitResponse{TotalCorrect: 2, Submitted: true, IsAwarded: true}, resp)
				require.NotNil(t, a.Score)
				return
			}

			require.Equal(t, &attempt.SubmitResponse{TotalCorrect: 0, Submitted: false}, resp)
			require.Nil(t, a.Score, "an expired submit must leave the attempt ungraded")
			require.Empty(t, h.store.scores)
			require.Empty(t, h.store.awards)
		})
	}
}

func TestService_Submit_NotStarted(t *testing.T) {
	h := makeService(t, permission.TierSubscriber, historyQuiz("ww2"))

	_, err := h.service.Submit(context.Background(), attempt.SubmitRequest{
		Username: "alice", Platform: "history", QuizTitle: "ww2", Answers: []int{0, 1},
	})
	require.True(t, errors.IsCode(err, errors.CodeFailedPrecondition))
}

func TestService_Submit_AnswersLengthMismatch(t *testing.T) {
	h := makeService(t, permission.TierSubscriber, historyQuiz("ww2"))
	start(t, h, "ww2")

	_, err := h.service.Submit(context.Background(), attempt.SubmitRequest{
		Username: "alice", Platform: "history", QuizTitle: "ww2", Answers: []int{0},
	})
	require.True(t, errors.IsCode(err, errors.CodeInvalidArgument))
}

func TestService_Submit_AwardDedup(t *testing.T) {
	h := makeService(t, permission.TierSubscriber, historyQuiz("ww2"), historyQuiz("cold-war"))

	start(t, h, "ww2")
	resp := submit(t, h, "ww2", []int{0, 1})
	require.True(t, resp.IsAwarded)

	// A second qualifying quiz in the same platform grants a distinct
	// entry; both carry the same badge title but different quiz keys.
	start(t, h, "cold-war")
	resp = submit(t, h, "cold-war", []int{0, 1})
	require.True(t, resp.IsAwarded)

	require.Len(t, h.store.awards, 2)
	require.True(t, h.store.awards[key("alice", "Historian", "ww2", "history")])
	require.True(t, h.store.awards[key("alice", "Historian", "cold-war", "history")])

	require.Equal(t, 4, h.store.scores[key("history", "alice")], "each quiz contributes once")
}

func TestService_Submit_BelowAwardThreshold(t *testing.T) {
	h := makeService(t, permission.TierSubscriber, historyQuiz("ww2"))
	start(t, h, "ww2")

	resp := submit(t, h, "ww2", []int{1, 3})
	require.Equal(t, &attempt.SubmitResponse{TotalCorrect: 0, Submitted: true, IsAwarded: false}, resp)
	require.Empty(t, h.store.awards)
}

func TestService_Submit_PublishesScoreEvent(t *testing.T) {
	h := makeService(t, permission.TierSubscriber, historyQuiz("ww2"))

	var mu sync.Mutex
	var got []domain.EventScoreApplied
	h.bus.Subscribe(domain.EventNameScoreApplied, func(_ context.Context, e event.Event) error {
		mu.Lock()
		got = append(got, e.(domain.EventScoreApplied))
		mu.Unlock()
		return nil
	})

	start(t, h, "ww2")
	submit(t, h, "ww2", []int{0, 1})

	h.bus.Stop()

	require.Equal(t, []domain.EventScoreApplied{{
		Platform:     "history",
		Username:     "alice",
		Delta:        2,
		TotalCorrect: 2,
	}}, got)
}
