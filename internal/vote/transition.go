package vote

import (
	"github.com/sporadic-app/sporadic/internal/domain"
	"github.com/sporadic-app/sporadic/internal/errors"
)

// Delta is the change a vote transition applies to the quiz's aggregate
// counters.
type Delta struct {
	Upvotes   int
	Downvotes int
}

// Transition computes the counter deltas for moving a participant's vote
// from current to requested. Requests that would not change the state are
// rejected, so every accepted transition has a non-zero effect and the
// counters always equal the number of attempts holding each vote.
func Transition(current, requested domain.Vote) (Delta, error) {
	if current == requested {
		return Delta{}, errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("vote is already %q", requested))
	}

	var d Delta
	switch current {
	case domain.VoteUpvote:
		d.Upvotes--
	case domain.VoteDownvote:
		d.Downvotes--
	}
	switch requested {
	case domain.VoteUpvote:
		d.Upvotes++
	case domain.VoteDownvote:
		d.Downvotes++
	}

	return d, nil
}
