package award

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sporadic-app/sporadic/internal/domain"
)

type Config struct {
	DB *pgxpool.Pool
}

// Service grants quiz badges. A badge is identified by
// (title, quiz, platform) per user and is never granted twice.
type Service struct {
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	return &Service{
		db: c.DB,
	}
}

// Evaluate grants the quiz's badge to the user if totalCorrect meets the
// quiz's requirement, and reports whether a new grant happened. It runs on
// the caller's transaction so the grant commits atomically with the
// grading that earned it. Duplicate grants are absorbed by the awards
// primary key.
func (s *Service) Evaluate(ctx context.Context, tx pgx.Tx, username string, quiz domain.Quiz, totalCorrect int) (bool, error) {
	if totalCorrect < quiz.AwardRequirement {
		return false, nil
	}

	const stmt = `
INSERT INTO user_awards (username, title, quiz_title, platform_title, displayed, grant_time)
VALUES ($1, $2, $3, $4, FALSE, now())
ON CONFLICT (username, title, quiz_title, platform_title) DO NOTHING;`

	tag, err := tx.Exec(ctx, stmt, username, quiz.AwardTitle, quiz.Title, quiz.Platform)
	if err != nil {
		return false, err
	}

	return tag.RowsAffected() > 0, nil
}

// ListByUser returns every award the user has earned, newest first.
func (s *Service) ListByUser(ctx context.Context, username string) ([]domain.Award, error) {
	const stmt = `
SELECT title, quiz_title, platform_title, displayed, grant_time
FROM user_awards
WHERE username = $1
ORDER BY grant_time DESC;`

	rows, err := s.db.Query(ctx, stmt, username)
	if err != nil {
		return nil, err
	}

	awards, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Award, error) {
		var a domain.Award
		if err := r.Scan(&a.Title, &a.Quiz, &a.Platform, &a.Displayed, &a.GrantTime); err != nil {
			return domain.Award{}, err
		}
		return a, nil
	})
	if err != nil {
		return nil, err
	}

	return awards, nil
}
