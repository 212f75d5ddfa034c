package domain

import (
	"time"
)

// User is a registered account. Identity verification happens upstream;
// the service only ever sees an authenticated username.
type User struct {
	Username         string
	IsGlobalAdmin    bool
	IsGloballyBanned bool
	Awards           []Award
	Follows          []string
	CreateTime       time.Time
}

// Award is a badge earned by meeting a quiz's correctness threshold.
// Once granted it is immutable; (Title, Quiz, Platform) identifies it.
type Award struct {
	Title     string
	Quiz      string
	Platform  string
	Displayed bool
	GrantTime time.Time
}

// Platform is a community hosting quizzes. Membership fields are sets
// keyed by username.
type Platform struct {
	Title       string
	Owner       string
	Description string
	Subscribers map[string]struct{}
	Moderators  map[string]struct{}
	BannedUsers map[string]struct{}
	CreateTime  time.Time
}

// Quiz content plus its aggregate vote counters. CorrectAnswers[i] is the
// index into Questions[i].AnswerChoices and is never exposed to takers.
type Quiz struct {
	Platform         string
	Title            string
	Description      string
	TimeLimitSeconds int
	Questions        []Question
	CorrectAnswers   []int
	AwardTitle       string
	AwardRequirement int
	Upvotes          int
	Downvotes        int
	CreateTime       time.Time
}

type Question struct {
	Body          string   `json:"body"`
	AnswerChoices []string `json:"answerChoices"`
}

// Attempt is one user's single try at one quiz. Score is nil while the
// attempt is in progress and is set exactly once on a successful submit.
type Attempt struct {
	Platform    string
	QuizTitle   string
	Username    string
	TimeStarted time.Time
	Score       *int
	Vote        Vote
}

// Graded reports whether the attempt has been submitted and scored.
func (a Attempt) Graded() bool { return a.Score != nil }

type Comment struct {
	User       string
	Text       string
	CreateTime time.Time
}

// Vote is a participant's tri-state vote on a quiz.
type Vote int

const (
	VoteNone Vote = iota
	VoteUpvote
	VoteDownvote
)

func (v Vote) String() string {
	switch v {
	case VoteUpvote:
		return "up"
	case VoteDownvote:
		return "down"
	default:
		return "none"
	}
}

// ParseVote maps the wire representation to a Vote.
func ParseVote(s string) (Vote, bool) {
	switch s {
	case "up":
		return VoteUpvote, true
	case "down":
		return VoteDownvote, true
	case "none":
		return VoteNone, true
	}
	return VoteNone, false
}

// UpdateAction selects add or remove for set-membership updates
// (moderators, banned users, pinned quizzes, follows).
type UpdateAction string

const (
	ActionAdd    UpdateAction = "add"
	ActionRemove UpdateAction = "remove"
)

// ScoreEntry is one row of a platform's cumulative leaderboard.
type ScoreEntry struct {
	Username     string
	TotalCorrect int
}

// Leaderboard is the ordered scoreboard of a platform, highest first.
type Leaderboard struct {
	Platform string
	Entries  []ScoreEntry
}
