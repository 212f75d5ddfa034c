package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sporadic-app/sporadic/internal/domain"
	"github.com/sporadic-app/sporadic/internal/event"
	"github.com/sporadic-app/sporadic/internal/score"
)

const (
	publishInterval = 200 * time.Millisecond
)

type Config struct {
	EventBus *event.Bus
	Score    *score.Service
	Redis    redis.UniversalClient
	Prefix   string
}

// Service projects the platform score table into a Redis sorted set.
// Score changes arrive as events and are applied incrementally, so the
// projection tracks the durable table without rescans; a cold set is
// seeded from Postgres on first read.
type Service struct {
	eb     *event.Bus
	score  *score.Service
	redis  redis.UniversalClient
	prefix string
}

func NewService(c Config) *Service {
	s := &Service{
		eb:     c.EventBus,
		score:  c.Score,
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	s.eb.Subscribe(domain.EventNameScoreApplied, func(ctx context.Context, e event.Event) error {
		return s.ApplyScore(ctx, e.(domain.EventScoreApplied))
	})

	return s
}

type GetRequest struct {
	Platform string
}

// Get returns the platform leaderboard, every user and their cumulative
// score, highest first.
func (s *Service) Get(ctx context.Context, req GetRequest) (*domain.Leaderboard, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.leaderboardKey(req.Platform), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return s.seed(ctx, req.Platform)
	}

	entries := make([]domain.ScoreEntry, 0, len(res))
	for _, z := range res {
		entries = append(entries, domain.ScoreEntry{
			Username:     z.Member.(string),
			TotalCorrect: int(z.Score),
		})
	}

	return &domain.Leaderboard{
		Platform: req.Platform,
		Entries:  entries,
	}, nil
}

// Rank returns the user's zero-based position and score, or ok=false if
// the user has no entry.
func (s *Service) Rank(ctx context.Context, platform, username string) (rank int64, total int, ok bool, err error) {
	rank, err = s.redis.ZRevRank(ctx, s.leaderboardKey(platform), username).Result()
	if err == redis.Nil {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("rank: %w", err)
	}

	sc, err := s.redis.ZScore(ctx, s.leaderboardKey(platform), username).Result()
	if err != nil {
		return 0, 0, false, fmt.Errorf("score: %w", err)
	}

	return rank, int(sc), true, nil
}

// ApplyScore folds one score change into the sorted set by its delta,
// keeping the projection additive like the table it mirrors.
func (s *Service) ApplyScore(ctx context.Context, e domain.EventScoreApplied) error {
	if err := s.redis.ZIncrBy(ctx, s.leaderboardKey(e.Platform), float64(e.Delta), e.Username).Err(); err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	return s.schedulePublish(ctx, e.Platform)
}

// schedulePublish publishes leaderboard changes at most once per interval
// per platform. Many scores land in a short window during popular
// quizzes; coalescing them keeps the fan-out cheap. The SETNX key is a
// best-effort guard across instances.
func (s *Service) schedulePublish(ctx context.Context, platform string) error {
	ok, err := s.redis.SetNX(ctx, s.publishTimeKey(platform), time.Now().UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	l, err := s.Get(ctx, GetRequest{Platform: platform})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: platform=%s: %w", platform, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return nil
}

// seed rebuilds the sorted set from the durable score table.
func (s *Service) seed(ctx context.Context, platform string) (*domain.Leaderboard, error) {
	if s.score == nil {
		return &domain.Leaderboard{Platform: platform, Entries: []domain.ScoreEntry{}}, nil
	}

	entries, err := s.score.List(ctx, score.ListRequest{Platform: platform})
	if err != nil {
		return nil, fmt.Errorf("seed leaderboard: %w", err)
	}

	if len(entries) > 0 {
		zs := make([]redis.Z, 0, len(entries))
		for _, e := range entries {
			zs = append(zs, redis.Z{Score: float64(e.TotalCorrect), Member: e.Username})
		}
		if err := s.redis.ZAdd(ctx, s.leaderboardKey(platform), zs...).Err(); err != nil {
			return nil, fmt.Errorf("seed leaderboard: %w", err)
		}
	}

	return &domain.Leaderboard{
		Platform: platform,
		Entries:  entries,
	}, nil
}

func (s *Service) leaderboardKey(platform string) string {
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, platform)
}

func (s *Service) publishTimeKey(platform string) string {
	return fmt.Sprintf("%s:%s:time", s.prefix, platform)
}
