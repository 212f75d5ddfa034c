package user

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sporadic-app/sporadic/internal/domain"
	"github.com/sporadic-app/sporadic/internal/errors"
)

const codeUniqueViolation = "23505"

type Config struct {
	DB *pgxpool.Pool
}

type Service struct {
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	return &Service{
		db: c.DB,
	}
}

type RegisterRequest struct {
	Username string
}

// Register creates the account row. Credential handling happens upstream;
// this is the bookkeeping step after identity confirmation.
func (s *Service) Register(ctx context.Context, req RegisterRequest) error {
	const stmt = `
INSERT INTO users (username, is_global_admin, is_globally_banned, create_time)
VALUES ($1, FALSE, FALSE, now());`

	_, err := s.db.Exec(ctx, stmt, req.Username)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("user %q already exists", req.Username),
			errors.WithCause(err))
	}

	return err
}

// Get loads the user's account flags and follow set. Awards are served by
// the award service.
func (s *Service) Get(ctx context.Context, username string) (*domain.User, error) {
	const stmt = `SELECT username, is_global_admin, is_globally_banned, create_time FROM users WHERE username = $1;`

	u := &domain.User{}
	err := s.db.QueryRow(ctx, stmt, username).Scan(&u.Username, &u.IsGlobalAdmin, &u.IsGloballyBanned, &u.CreateTime)
	if err == pgx.ErrNoRows {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("user %q not found", username))
	}
	if err != nil {
		return nil, err
	}

	const followStmt = `SELECT target FROM user_follows WHERE username = $1 ORDER BY target;`

	rows, err := s.db.Query(ctx, followStmt, username)
	if err != nil {
		return nil, err
	}
	u.Follows, err = pgx.CollectRows(rows, func(r pgx.CollectableRow) (string, error) {
		var target string
		err := r.Scan(&target)
		return target, err
	})
	if err != nil {
		return nil, err
	}

	return u, nil
}

type UpdateRelationshipRequest struct {
	Username string
	Target   string
	Action   domain.UpdateAction
}

// UpdateRelationship follows or unfollows the target user.
func (s *Service) UpdateRelationship(ctx context.Context, req UpdateRelationshipRequest) error {
	if req.Username == req.Target {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("cannot follow yourself"))
	}

	if _, err := s.Get(ctx, req.Target); err != nil {
		return err
	}

	switch req.Action {
	case domain.ActionAdd:
		const stmt = `INSERT INTO user_follows (username, target) VALUES ($1, $2) ON CONFLICT DO NOTHING;`
		tag, err := s.db.Exec(ctx, stmt, req.Username, req.Target)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.New(errors.CodeAlreadyExists,
				errors.WithMessagef("%q already follows %q", req.Username, req.Target))
		}
	case domain.ActionRemove:
		const stmt = `DELETE FROM user_follows WHERE username = $1 AND target = $2;`
		tag, err := s.db.Exec(ctx, stmt, req.Username, req.Target)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("%q does not follow %q", req.Username, req.Target))
		}
	default:
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown action %q", req.Action))
	}

	return nil
}

type UpdateDisplayedAwardsRequest struct {
	Username   string
	AwardTitle string
	Quiz       string
	Platform   string
	Displayed  bool
}

// UpdateDisplayedAwards toggles whether an earned award shows on the
// user's profile. Only earned awards can be displayed.
func (s *Service) UpdateDisplayedAwards(ctx context.Context, req UpdateDisplayedAwardsRequest) error {
	const stmt = `
UPDATE user_awards SET displayed = $5
WHERE username = $1 AND title = $2 AND quiz_title = $3 AND platform_title = $4;`

	tag, err := s.db.Exec(ctx, stmt, req.Username, req.AwardTitle, req.Quiz, req.Platform, req.Displayed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("%q has not earned award %q", req.Username, req.AwardTitle))
	}

	return nil
}

type UpdateGlobalBanStatusRequest struct {
	Caller string
	Target string
	Banned bool
}

// UpdateGlobalBanStatus sets or clears a site-wide ban. Only global admins
// may call it.
func (s *Service) UpdateGlobalBanStatus(ctx context.Context, req UpdateGlobalBanStatusRequest) error {
	caller, err := s.Get(ctx, req.Caller)
	if err != nil {
		return err
	}
	if !caller.IsGlobalAdmin || caller.IsGloballyBanned {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("%q is not a global admin", req.Caller))
	}

	const stmt = `UPDATE users SET is_globally_banned = $2 WHERE username = $1;`

	tag, err := s.db.Exec(ctx, stmt, req.Target, req.Banned)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("user %q not found", req.Target))
	}

	return nil
}
