package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/codearena/internal/auth"
	"github.com/victornm/codearena/internal/domain"
	"github.com/victornm/codearena/internal/errors"
	"github.com/victornm/codearena/internal/event"
	"github.com/victornm/codearena/internal/leaderboard"
	"github.com/victornm/codearena/internal/ledger"
	"github.com/victornm/codearena/internal/match"
	"github.com/victornm/codearena/internal/practice"
	"github.com/victornm/codearena/internal/room"
)

type Config struct {
	Router       gin.IRouter
	EventBus     *event.Bus
	Auth         *auth.Service
	Rooms        *room.Service
	Matches      *match.Service
	Practice     *practice.Service
	Leaderboard  *leaderboard.Service
	Ledger       *ledger.Service
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	auth *auth.Service
	rs   *room.Service
	ms   *match.Service
	ps   *practice.Service
	ls   *leaderboard.Service
	rl   *ledger.Service

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		auth:   c.Auth,
		rs:     c.Rooms,
		ms:     c.Matches,
		ps:     c.Practice,
		ls:     c.Leaderboard,
		rl:     c.Ledger,
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
	}

	// HTTP APIs
	v1 := c.Router.Group("/api/v1", a.authenticate)

	v1.GET("/rooms", a.ListRooms)
	v1.POST("/rooms", a.CreateRoom)
	v1.POST("/rooms/join", a.JoinRoom)
	v1.GET("/rooms/:id", a.GetRoom)
	v1.DELETE("/rooms/:id", a.DeleteRoom)
	v1.POST("/rooms/:id/join", a.JoinRoom)
	v1.POST("/rooms/:id/ready", a.SetReady)
	v1.POST("/rooms/:id/leave", a.LeaveRoom)
	v1.POST("/rooms/:id/invite", a.InviteToRoom)
	v1.POST("/rooms/:id/start", a.StartMatch)

	v1.GET("/matches/:id", a.GetMatchStatus)
	v1.GET("/matches/:id/leaderboard", a.GetMatchLeaderboard)
	v1.POST("/matches/:id/submit", a.SubmitCode)
	v1.POST("/matches/:id/finish", a.FinishMatch)
	v1.POST("/matches/:id/forfeit", a.ForfeitMatch)

	v1.POST("/challenges/:id/submit", a.SubmitPractice)

	v1.GET("/leaderboard", a.GetLeaderboard)
	v1.GET("/users/me/stats", a.GetMyStats)
	v1.GET("/users/:id/stats", a.GetUserStats)

	// Register event handlers
	a.subscribe(c.EventBus)

	return a
}

func (a *API) authenticate(c *gin.Context) {
	token, _ := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")

	id, err := a.auth.Authenticate(c.Request.Context(), strings.TrimSpace(token))
	if err != nil {
		a.fail(c, err)
		return
	}

	c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), id))
	c.Next()
}

func caller(c *gin.Context) *auth.Identity {
	return auth.FromContext(c.Request.Context())
}

func (a *API) fail(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c.Request.Context(), "api: request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"error": e})
}

func bind(c *gin.Context, body any) error {
	if err := c.ShouldBindJSON(body); err != nil {
		return errors.Validation("invalid request body: %v", err)
	}
	return nil
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Validation("%s must be a number", key)
	}

	return n, nil
}

type createRoomBody struct {
	Name     string              `json:"name"`
	Settings domain.RoomSettings `json:"settings"`
}

func (a *API) CreateRoom(c *gin.Context) {
	var body createRoomBody
	if err := bind(c, &body); err != nil {
		a.fail(c, err)
		return
	}

	id := caller(c)
	r, err := a.rs.Create(c.Request.Context(), room.CreateRequest{
		HostID:   id.UserID,
		Username: id.Username,
		Name:     body.Name,
		Settings: body.Settings,
	})
	if err != nil {
		a.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"room": r})
}

func (a *API) ListRooms(c *gin.Context) {
	page, err := queryInt(c, "page")
	if err != nil {
		a.fail(c, err)
		return
	}

	limit, err := queryInt(c, "limit")
	if err != nil {
		a.fail(c, err)
		return
	}

	res, err := a.rs.List(c.Request.Context(), room.ListRequest{
		UserID: caller(c).UserID,
		Status: domain.RoomStatus(c.Query("status")),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		a.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (a *API) GetRoom(c *gin.Context) {
	r, err := a.rs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"room": r.ViewFor(caller(c).UserID)})
}

type joinRoomBody struct {
	Code string `json:"code"`
}

// JoinRoom serves both /rooms/join with a code and /rooms/:id/join.
func (a *API) JoinRoom(c *gin.Context) {
	var body joinRoomBody
	if c.Request.ContentLength > 0 {
		if err := bind(c, &body); err != nil {
			a.fail(c, err)
			return
		}
	}

	if c.Param("id") == "" && body.Code == "" {
		a.fail(c, errors.Validation("room code is required"))
		return
	}

	id := caller(c)
	r, err := a.rs.Join(c.Request.Context(), room.JoinRequest{
		UserID:   id.UserID,
		Username: id.Username,
		RoomID:   c.Param("id"),
		Code:     body.Code,
	})
	if err != nil {
		a.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"room": r})
}

type setReadyBody struct {
	IsReady bool `json:"is_ready"`
}

func (a *API) SetReady(c *gin.Context) {
	var body setReadyBody
	if err := bind(c, &body); err != nil {
		a.fail(c, err)
		return
	}

	r, err := a.rs.SetReady(c.Request.Context(), room.SetReadyRequest{
		UserID:  caller(c).UserID,
		RoomID:  c.Param("id"),
		IsReady: body.IsReady,
	})
	if err != nil {
		a.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"room": r})
}

func (a *API) LeaveRoom(c *gin.Context) {
	res, err := a.rs.Leave(c.Request.Context(), room.LeaveRequest{
		UserID: caller(c).UserID,
		RoomID: c.Param("id"),
	})
	if err != nil {
		a.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (a *API) DeleteRoom(c *gin.Context) {
	err := a.rs.Delete(c.Request.Context(), room.DeleteRequest{
		UserID: caller(c).UserID,
		RoomID: c.Param("id"),
	})
	if err != nil {
		a.fail(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type inviteBody struct {
	UserID string `json:"user_id" binding:"required"`
}

func (a *API) InviteToRoom(c *gin.Context) {
	var body inviteBody
	if err := bind(c, &body); err != nil {
		a.fail(c, err)
		return
	}

	id := caller(c)
	res, err := a.rs.Invite(c.Request.Context(), room.InviteRequest{
		FromUserID:   id.UserID,
		FromUsername: id.Username,
		RoomID:       c.Param("id"),
		ToUserID:     body.UserID,
	})
	if err != nil {
		a.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, res)
}

func (a *API) StartMatch(c *gin.Context) {
	res, err := a.ms.Start(c.Request.Context(), match.StartRequest{
		HostID: caller(c).UserID,
		RoomID: c.Param("id"),
	})
	if err != nil {
		a.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, res)
}

func (a *API) GetMatchStatus(c *gin.Context) {
	res, err := a.ms.Status(c.Request.Context(), match.StatusRequest{
		UserID:  caller(c).UserID,
		MatchID: c.Param("id"),
	})
	if err != nil {
		a.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (a *API) GetMatchLeaderboard(c *gin.Context) {
	if err := a.ms.Authorize(c.Request.Context(), c.Param("id"), caller(c).UserID); err != nil {
		a.fail(c, err)
		return
	}

	l, err := a.ls.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{
		MatchID: c.Param("id"),
	})
	if err != nil {
		a.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"leaderboard": l})
}

type submitBody struct {
	Code     string `json:"code" binding:"required"`
	Language string `json:"language" binding:"required"`
}

func (a *API) SubmitCode(c *gin.Context) {
	var body submitBody
	if err := bind(c, &body); err != nil {
		a.fail(c, err)
		return
	}

	res, err := a.ms.Submit(c.Request.Context(), match.SubmitRequest{
		UserID:   caller(c).UserID,
		MatchID:  c.Param("id"),
		Code:     body.Code,
		Language: body.Language,
	})
	if err != nil {
		a.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (a *API) FinishMatch(c *gin.Context) {
	m, err := a.ms.Finish(c.Request.Context(), match.FinishRequest{
		UserID:  caller(c).UserID,
		MatchID: c.Param("id"),
	})
	if err != nil {
		a.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"match": m})
}

func (a *API) ForfeitMatch(c *gin.Context) {
	m, err := a.ms.Forfeit(c.Request.Context(), match.ForfeitRequest{
		UserID:  caller(c).UserID,
		MatchID: c.Param("id"),
	})
	if err != nil {
		a.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"match": m})
}

func (a *API) SubmitPractice(c *gin.Context) {
	var body submitBody
	if err := bind(c, &body); err != nil {
		a.fail(c, err)
		return
	}

	id := caller(c)
	res, err := a.ps.Submit(c.Request.Context(), practice.SubmitRequest{
		UserID:      id.UserID,
		Username:    id.Username,
		ChallengeID: c.Param("id"),
		Code:        body.Code,
		Language:    body.Language,
	})
	if err != nil {
		a.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (a *API) GetLeaderboard(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		a.fail(c, err)
		return
	}

	offset, err := queryInt(c, "offset")
	if err != nil {
		a.fail(c, err)
		return
	}

	res, err := a.rl.Leaderboard(c.Request.Context(), ledger.LeaderboardRequest{Limit: limit, Offset: offset})
	if err != nil {
		a.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (a *API) GetMyStats(c *gin.Context) {
	a.stats(c, caller(c).UserID)
}

func (a *API) GetUserStats(c *gin.Context) {
	a.stats(c, c.Param("id"))
}

func (a *API) stats(c *gin.Context, userID string) {
	st, err := a.rl.Stats(c.Request.Context(), userID)
	if err != nil {
		a.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": st})
}
