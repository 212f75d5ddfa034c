package leaderboard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sporadic-app/sporadic/internal/domain"
	"github.com/sporadic-app/sporadic/internal/event"
	"github.com/sporadic-app/sporadic/internal/leaderboard"
)

func TestService_ApplyScore(t *testing.T) {
	s := makeService(t)

	err := s.ApplyScore(context.Background(), domain.EventScoreApplied{
		Platform:     "p1",
		Username:     "u1",
		Delta:        3,
		TotalCorrect: 3,
	})
	require.NoError(t, err)

	// A second quiz's contribution is added, not replaced.
	err = s.ApplyScore(context.Background(), domain.EventScoreApplied{
		Platform:     "p1",
		Username:     "u1",
		Delta:        2,
		TotalCorrect: 5,
	})
	require.NoError(t, err)

	resp, err := s.Get(context.Background(), leaderboard.GetRequest{Platform: "p1"})
	require.NoError(t, err)

	want := &domain.Leaderboard{
		Platform: "p1",
		Entries: []domain.ScoreEntry{
			{Username: "u1", TotalCorrect: 5},
		},
	}
	require.Equal(t, want, resp)
}

func TestService_Get_OrdersByScore(t *testing.T) {
	s := makeService(t)

	for _, e := range []domain.EventScoreApplied{
		{Platform: "p1", Username: "u1", Delta: 1},
		{Platform: "p1", Username: "u2", Delta: 4},
		{Platform: "p1", Username: "u3", Delta: 2},
	} {
		require.NoError(t, s.ApplyScore(context.Background(), e))
	}

	resp, err := s.Get(context.Background(), leaderboard.GetRequest{Platform: "p1"})
	require.NoError(t, err)

	require.Equal(t, []domain.ScoreEntry{
		{Username: "u2", TotalCorrect: 4},
		{Username: "u3", TotalCorrect: 2},
		{Username: "u1", TotalCorrect: 1},
	}, resp.Entries)
}

func TestService_Rank(t *testing.T) {
	s := makeService(t)

	for _, e := range []domain.EventScoreApplied{
		{Platform: "p1", Username: "u1", Delta: 1},
		{Platform: "p1", Username: "u2", Delta: 4},
	} {
		require.NoError(t, s.ApplyScore(context.Background(), e))
	}

	rank, total, ok, err := s.Rank(context.Background(), "p1", "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), rank)
	require.Equal(t, 1, total)

	_, _, ok, err = s.Rank(context.Background(), "p1", "stranger")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestService_PublishCoalescing(t *testing.T) {
	type (
		inputs struct {
			receivedEvents []domain.EventScoreApplied
		}

		outputs struct {
			publishedEvents []domain.EventLeaderboardUpdated
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should publish one leaderboard update after a score change": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventScoreApplied{
						{Platform: "p1", Username: "u1", Delta: 2},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
				require.Equal(t, domain.Leaderboard{
					Platform: "p1",
					Entries: []domain.ScoreEntry{
						{Username: "u1", TotalCorrect: 2},
					},
				}, out.publishedEvents[0].Leaderboard)
			},
		},

		"should publish separately for distinct platforms": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventScoreApplied{
						{Platform: "p1", Username: "u1", Delta: 1},
						{Platform: "p2", Username: "u2", Delta: 1},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 2, "should receive 2 leaderboard updated events")
			},
		},

		"should coalesce score changes on one platform within the interval": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventScoreApplied{
						{Platform: "p1", Username: "u1", Delta: 1},
						{Platform: "p1", Username: "u2", Delta: 2},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in, out := tt.arrange(), outputs{}

			eb := event.NewBus()

			var mu sync.Mutex
			eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
				mu.Lock()
				out.publishedEvents = append(out.publishedEvents, e.(domain.EventLeaderboardUpdated))
				mu.Unlock()
				return nil
			})

			s := makeService(t, withEventBus(eb))

			for _, e := range in.receivedEvents {
				err := s.ApplyScore(context.Background(), e)
				require.NoError(t, err)
			}

			eb.Stop()

			tt.assert(t, out)
		})
	}
}

func makeService(t *testing.T, opts ...options) *leaderboard.Service {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	c := leaderboard.Config{
		EventBus: event.NewBus(),
		Redis:    rc,
		Prefix:   "test",
	}

	for _, opt := range opts {
		opt(&c)
	}

	return leaderboard.NewService(c)
}

type options func(c *leaderboard.Config)

func withEventBus(eb *event.Bus) options {
	return func(c *leaderboard.Config) {
		c.EventBus = eb
	}
}
