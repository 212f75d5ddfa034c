package api

import (
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/sporadic-app/sporadic/internal/attempt"
	"github.com/sporadic-app/sporadic/internal/domain"
	"github.com/sporadic-app/sporadic/internal/errors"
	"github.com/sporadic-app/sporadic/internal/leaderboard"
	"github.com/sporadic-app/sporadic/internal/permission"
	"github.com/sporadic-app/sporadic/internal/platform"
	"github.com/sporadic-app/sporadic/internal/quiz"
	"github.com/sporadic-app/sporadic/internal/user"
	"github.com/sporadic-app/sporadic/internal/vote"
)

func invalid(err error) error {
	return errors.New(errors.CodeInvalidArgument, errors.WithCause(err), errors.WithMessagef("%v", err))
}

// requireTier resolves the caller's tier on the platform and rejects
// callers below min.
func (a *API) requireTier(c *gin.Context, platformTitle string, min permission.Tier) error {
	u, err := a.user.Get(c.Request.Context(), caller(c))
	if err != nil {
		return err
	}
	p, err := a.platform.Get(c.Request.Context(), platformTitle)
	if err != nil {
		return err
	}
	if tier := permission.Resolve(*u, *p); !tier.AtLeast(min) {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("%q requires at least %s on %q, has %s", u.Username, min, platformTitle, tier))
	}
	return nil
}

// --- Platforms ---

type createPlatformRequest struct {
	Title       string `json:"title" binding:"required,min=3,max=100"`
	Description string `json:"description" binding:"max=500"`
}

func (a *API) CreatePlatform(c *gin.Context) {
	var req createPlatformRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		render(c, "create_platform", invalid(err))
		return
	}

	err := a.platform.Create(c.Request.Context(), platform.CreateRequest{
		Title:       req.Title,
		Description: req.Description,
		Owner:       caller(c),
	})
	render(c, "create_platform", err)
}

type platformView struct {
	Title         string   `json:"title"`
	Owner         string   `json:"owner"`
	Description   string   `json:"description"`
	Subscribers   []string `json:"subscribers"`
	Moderators    []string `json:"moderators"`
	PinnedQuizzes []string `json:"pinnedQuizzes"`
}

func (a *API) GetPlatform(c *gin.Context) {
	title := c.Param("platform")

	if err := a.requireTier(c, title, permission.TierUser); err != nil {
		render(c, "get_platform", err)
		return
	}

	p, err := a.platform.Get(c.Request.Context(), title)
	if err != nil {
		render(c, "get_platform", err)
		return
	}

	pinned, err := a.platform.ListPinned(c.Request.Context(), title)
	if err != nil {
		render(c, "get_platform", err)
		return
	}
	if pinned == nil {
		pinned = make([]string, 0)
	}

	render(c, "get_platform", nil, platformView{
		Title:         p.Title,
		Owner:         p.Owner,
		Description:   p.Description,
		Subscribers:   setToSlice(p.Subscribers),
		Moderators:    setToSlice(p.Moderators),
		PinnedQuizzes: pinned,
	})
}

type leaderboardEntry struct {
	Username     string `json:"username"`
	TotalCorrect int    `json:"totalCorrect"`
}

type leaderboardView struct {
	Platform    string             `json:"platform"`
	Entries     []leaderboardEntry `json:"entries"`
	CurrentUser *currentUserRank   `json:"currentUser,omitempty"`
}

type currentUserRank struct {
	TotalCorrect int   `json:"totalCorrect"`
	Position     int64 `json:"position"`
}

func (a *API) GetLeaderboard(c *gin.Context) {
	title := c.Param("platform")

	if err := a.requireTier(c, title, permission.TierUser); err != nil {
		render(c, "get_leaderboard", err)
		return
	}

	l, err := a.leaderboard.Get(c.Request.Context(), leaderboard.GetRequest{Platform: title})
	if err != nil {
		render(c, "get_leaderboard", err)
		return
	}

	view := leaderboardView{
		Platform: l.Platform,
		Entries:  make([]leaderboardEntry, 0, len(l.Entries)),
	}
	for _, e := range l.Entries {
		view.Entries = append(view.Entries, leaderboardEntry{
			Username:     e.Username,
			TotalCorrect: e.TotalCorrect,
		})
	}

	rank, total, ok, err := a.leaderboard.Rank(c.Request.Context(), title, caller(c))
	if err != nil {
		render(c, "get_leaderboard", err)
		return
	}
	if ok {
		view.CurrentUser = &currentUserRank{TotalCorrect: total, Position: rank}
	}

	render(c, "get_leaderboard", nil, view)
}

func (a *API) Subscribe(c *gin.Context) {
	err := a.platform.Subscribe(c.Request.Context(), platform.SubscribeRequest{
		Platform: c.Param("platform"),
		Username: caller(c),
	})
	render(c, "subscribe", err)
}

func (a *API) Unsubscribe(c *gin.Context) {
	err := a.platform.Unsubscribe(c.Request.Context(), platform.SubscribeRequest{
		Platform: c.Param("platform"),
		Username: caller(c),
	})
	render(c, "unsubscribe", err)
}

type memberUpdateRequest struct {
	TargetUsername string `json:"targetUsername" binding:"required,min=1,max=40"`
	Action         string `json:"action" binding:"required,oneof=add remove"`
}

func (a *API) UpdateModerators(c *gin.Context) {
	var req memberUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		render(c, "update_moderators", invalid(err))
		return
	}

	err := a.platform.UpdateModerators(c.Request.Context(), platform.UpdateModeratorsRequest{
		Platform: c.Param("platform"),
		Caller:   caller(c),
		Target:   req.TargetUsername,
		Action:   domain.UpdateAction(req.Action),
	})
	render(c, "update_moderators", err)
}

func (a *API) UpdateBannedUsers(c *gin.Context) {
	var req memberUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		render(c, "update_banned_users", invalid(err))
		return
	}

	err := a.platform.UpdateBannedUsers(c.Request.Context(), platform.UpdateBannedUsersRequest{
		Platform: c.Param("platform"),
		Caller:   caller(c),
		Target:   req.TargetUsername,
		Action:   domain.UpdateAction(req.Action),
	})
	render(c, "update_banned_users", err)
}

type pinnedUpdateRequest struct {
	TargetQuiz string `json:"targetQuiz" binding:"required,min=1,max=100"`
	Action     string `json:"action" binding:"required,oneof=add remove"`
}

func (a *API) UpdatePinnedQuizzes(c *gin.Context) {
	var req pinnedUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		render(c, "update_pinned_quizzes", invalid(err))
		return
	}

	err := a.platform.UpdatePinnedQuizzes(c.Request.Context(), platform.UpdatePinnedQuizzesRequest{
		Platform: c.Param("platform"),
		Caller:   caller(c),
		Quiz:     req.TargetQuiz,
		Action:   domain.UpdateAction(req.Action),
	})
	render(c, "update_pinned_quizzes", err)
}

// --- Quizzes ---

type createQuizRequest struct {
	Title            string             `json:"title" binding:"required,min=1,max=75"`
	Description      string             `json:"description" binding:"required,min=1,max=500"`
	TimeLimitSeconds int                `json:"timeLimitSeconds" binding:"required,min=1"`
	Questions        []questionRequest  `json:"questions" binding:"required,min=1,dive"`
	CorrectAnswers   []int              `json:"correctAnswers" binding:"required"`
	AwardTitle       string             `json:"awardTitle" binding:"max=100"`
	AwardRequirement int                `json:"awardRequirement" binding:"min=0"`
}

type questionRequest struct {
	Body          string   `json:"body" binding:"required,min=1,max=500"`
	AnswerChoices []string `json:"answerChoices" binding:"required,min=2"`
}

func (a *API) CreateQuiz(c *gin.Context) {
	var req createQuizRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		render(c, "create_quiz", invalid(err))
		return
	}

	questions := make([]domain.Question, 0, len(req.Questions))
	for _, q := range req.Questions {
		questions = append(questions, domain.Question{
			Body:          q.Body,
			AnswerChoices: q.AnswerChoices,
		})
	}

	err := a.quiz.Create(c.Request.Context(), quiz.CreateRequest{
		Platform:         c.Param("platform"),
		Title:            req.Title,
		Caller:           caller(c),
		Description:      req.Description,
		TimeLimitSeconds: req.TimeLimitSeconds,
		Questions:        questions,
		CorrectAnswers:   req.CorrectAnswers,
		AwardTitle:       req.AwardTitle,
		AwardRequirement: req.AwardRequirement,
	})
	render(c, "create_quiz", err)
}

func (a *API) ListQuizzes(c *gin.Context) {
	title := c.Param("platform")

	if err := a.requireTier(c, title, permission.TierUser); err != nil {
		render(c, "list_quizzes", err)
		return
	}

	views, err := a.quiz.ListByPlatform(c.Request.Context(), title)
	if err != nil {
		render(c, "list_quizzes", err)
		return
	}

	render(c, "list_quizzes", nil, gin.H{"quizzes": views})
}

func (a *API) GetQuiz(c *gin.Context) {
	title := c.Param("platform")

	if err := a.requireTier(c, title, permission.TierUser); err != nil {
		render(c, "get_quiz", err)
		return
	}

	v, err := a.quiz.GetView(c.Request.Context(), title, c.Param("quiz"))
	if err != nil {
		render(c, "get_quiz", err)
		return
	}

	render(c, "get_quiz", nil, v)
}

func (a *API) DeleteQuiz(c *gin.Context) {
	err := a.quiz.Delete(c.Request.Context(), quiz.DeleteRequest{
		Platform: c.Param("platform"),
		Title:    c.Param("quiz"),
		Caller:   caller(c),
	})
	render(c, "delete_quiz", err)
}

// --- Attempts, votes, comments ---

func (a *API) StartAttempt(c *gin.Context) {
	view, err := a.attempt.Start(c.Request.Context(), attempt.StartRequest{
		Username:  caller(c),
		Platform:  c.Param("platform"),
		QuizTitle: c.Param("quiz"),
	})
	if err != nil {
		render(c, "start_attempt", err)
		return
	}

	render(c, "start_attempt", nil, view)
}

type submitAttemptRequest struct {
	Answers []int `json:"answers" binding:"required"`
}

func (a *API) SubmitAttempt(c *gin.Context) {
	var req submitAttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		render(c, "submit_attempt", invalid(err))
		return
	}

	resp, err := a.attempt.Submit(c.Request.Context(), attempt.SubmitRequest{
		Username:  caller(c),
		Platform:  c.Param("platform"),
		QuizTitle: c.Param("quiz"),
		Answers:   req.Answers,
	})
	if err != nil {
		render(c, "submit_attempt", err)
		return
	}

	render(c, "submit_attempt", nil, resp)
}

type castVoteRequest struct {
	Vote string `json:"vote" binding:"required"`
}

func (a *API) CastVote(c *gin.Context) {
	var req castVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		render(c, "cast_vote", invalid(err))
		return
	}

	v, ok := domain.ParseVote(req.Vote)
	if !ok {
		render(c, "cast_vote", errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown vote %q", req.Vote)))
		return
	}

	err := a.vote.Cast(c.Request.Context(), vote.CastRequest{
		Username:  caller(c),
		Platform:  c.Param("platform"),
		QuizTitle: c.Param("quiz"),
		Vote:      v,
	})
	render(c, "cast_vote", err)
}

type addCommentRequest struct {
	CommentText string `json:"commentText" binding:"required,min=1,max=500"`
}

func (a *API) AddComment(c *gin.Context) {
	var req addCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		render(c, "add_comment", invalid(err))
		return
	}

	err := a.quiz.AddComment(c.Request.Context(), quiz.AddCommentRequest{
		Platform:  c.Param("platform"),
		QuizTitle: c.Param("quiz"),
		Username:  caller(c),
		Text:      req.CommentText,
	})
	render(c, "add_comment", err)
}

// --- Users ---

func (a *API) RegisterUser(c *gin.Context) {
	err := a.user.Register(c.Request.Context(), user.RegisterRequest{
		Username: caller(c),
	})
	render(c, "register_user", err)
}

type userView struct {
	Username        string         `json:"username"`
	Follows         []string       `json:"follows"`
	Awards          []domain.Award `json:"awards"`
	DisplayedAwards []domain.Award `json:"displayedAwards"`
}

func (a *API) GetUser(c *gin.Context) {
	username := c.Param("username")

	u, err := a.user.Get(c.Request.Context(), username)
	if err != nil {
		render(c, "get_user", err)
		return
	}

	awards, err := a.award.ListByUser(c.Request.Context(), username)
	if err != nil {
		render(c, "get_user", err)
		return
	}

	view := userView{
		Username:        u.Username,
		Follows:         u.Follows,
		Awards:          awards,
		DisplayedAwards: make([]domain.Award, 0),
	}
	for _, aw := range awards {
		if aw.Displayed {
			view.DisplayedAwards = append(view.DisplayedAwards, aw)
		}
	}

	render(c, "get_user", nil, view)
}

type relationshipRequest struct {
	TargetUsername string `json:"targetUsername" binding:"required,min=1,max=40"`
	Action         string `json:"action" binding:"required,oneof=add remove"`
}

func (a *API) UpdateRelationship(c *gin.Context) {
	var req relationshipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		render(c, "update_relationship", invalid(err))
		return
	}

	err := a.user.UpdateRelationship(c.Request.Context(), user.UpdateRelationshipRequest{
		Username: caller(c),
		Target:   req.TargetUsername,
		Action:   domain.UpdateAction(req.Action),
	})
	render(c, "update_relationship", err)
}

type displayedAwardsRequest struct {
	Title     string `json:"title" binding:"required"`
	Quiz      string `json:"quiz" binding:"required"`
	Platform  string `json:"platform" binding:"required"`
	Displayed *bool  `json:"displayed" binding:"required"`
}

func (a *API) UpdateDisplayedAwards(c *gin.Context) {
	var req displayedAwardsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		render(c, "update_displayed_awards", invalid(err))
		return
	}

	err := a.user.UpdateDisplayedAwards(c.Request.Context(), user.UpdateDisplayedAwardsRequest{
		Username:   caller(c),
		AwardTitle: req.Title,
		Quiz:       req.Quiz,
		Platform:   req.Platform,
		Displayed:  *req.Displayed,
	})
	render(c, "update_displayed_awards", err)
}

type globalBanRequest struct {
	Banned *bool `json:"banned" binding:"required"`
}

func (a *API) UpdateGlobalBanStatus(c *gin.Context) {
	var req globalBanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		render(c, "update_global_ban", invalid(err))
		return
	}

	err := a.user.UpdateGlobalBanStatus(c.Request.Context(), user.UpdateGlobalBanStatusRequest{
		Caller: caller(c),
		Target: c.Param("username"),
		Banned: *req.Banned,
	})
	render(c, "update_global_ban", err)
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
