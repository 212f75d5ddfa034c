package score

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sporadic-app/sporadic/internal/domain"
)

type Config struct {
	DB *pgxpool.Pool
}

// Service folds graded attempts into the per-platform cumulative
// leaderboard table. Each quiz contributes exactly once per user (the
// attempt's score is set at most once), so additive application keeps the
// table equal to the sum of that user's graded quiz scores.
type Service struct {
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	return &Service{
		db: c.DB,
	}
}

// Apply adds delta to the user's cumulative score on the platform,
// initializing the row if absent, and returns the new total. It runs on
// the caller's transaction so the increment commits atomically with the
// attempt grading that produced it. The increment is a single atomic
// statement; concurrent submits for different quizzes never lose updates.
func (s *Service) Apply(ctx context.Context, tx pgx.Tx, platform, username string, delta int) (int, error) {
	const stmt = `
INSERT INTO platform_scores (platform_title, username, total_correct)
VALUES ($1, $2, $3)
ON CONFLICT (platform_title, username)
DO UPDATE SET total_correct = platform_scores.total_correct + EXCLUDED.total_correct
RETURNING total_correct;`

	var total int
	if err := tx.QueryRow(ctx, stmt, platform, username, delta).Scan(&total); err != nil {
		return 0, err
	}

	return total, nil
}

type ListRequest struct {
	Platform string
}

// List returns the platform's cumulative scores, highest first. This is
// the durable source of truth behind the Redis leaderboard projection.
func (s *Service) List(ctx context.Context, req ListRequest) ([]domain.ScoreEntry, error) {
	const stmt = `
SELECT username, total_correct
FROM platform_scores
WHERE platform_title = $1
ORDER BY total_correct DESC, username ASC;`

	rows, err := s.db.Query(ctx, stmt, req.Platform)
	if err != nil {
		return nil, err
	}

	entries, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.ScoreEntry, error) {
		var e domain.ScoreEntry
		if err := r.Scan(&e.Username, &e.TotalCorrect); err != nil {
			return domain.ScoreEntry{}, err
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// GetTotal returns the user's cumulative score on the platform, reporting
// whether the user has an entry at all.
func (s *Service) GetTotal(ctx context.Context, platform, username string) (int, bool, error) {
	const stmt = `SELECT total_correct FROM platform_scores WHERE platform_title = $1 AND username = $2;`

	var total int
	err := s.db.QueryRow(ctx, stmt, platform, username).Scan(&total)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	return total, true, nil
}
