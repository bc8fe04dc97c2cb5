package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/codearena/internal/api"
	"github.com/victornm/codearena/internal/auth"
	"github.com/victornm/codearena/internal/challenge"
	"github.com/victornm/codearena/internal/domain"
	"github.com/victornm/codearena/internal/event"
	"github.com/victornm/codearena/internal/judge"
	"github.com/victornm/codearena/internal/leaderboard"
	"github.com/victornm/codearena/internal/ledger"
	"github.com/victornm/codearena/internal/match"
	"github.com/victornm/codearena/internal/practice"
	"github.com/victornm/codearena/internal/room"
	"github.com/victornm/codearena/internal/score"
)

var echo = domain.Challenge{
	ID:         "echo",
	Title:      "Echo",
	Difficulty: domain.DifficultyEasy,
	IsActive:   true,
	TestCases: []domain.TestCase{
		{Input: "a", ExpectedOutput: "a"},
		{Input: "b", ExpectedOutput: "b", IsHidden: true},
	},
}

func TestAPI_MatchFlow(t *testing.T) {
	ts := makeServer(t)

	var created struct {
		Room domain.Room `json:"room"`
	}
	ts.do(t, "alice", http.MethodPost, "/api/v1/rooms", map[string]any{
		"name":     "duel",
		"settings": map[string]any{"time_limit_minutes": 10, "difficulty": "Easy"},
	}, http.StatusCreated, &created)
	require.Len(t, created.Room.Code, 6)

	ts.do(t, "bob", http.MethodPost, "/api/v1/rooms/join", map[string]any{"code": created.Room.Code}, http.StatusOK, nil)

	for _, u := range []string{"alice", "bob"} {
		ts.do(t, u, http.MethodPost, fmt.Sprintf("/api/v1/rooms/%s/ready", created.Room.ID), map[string]any{"is_ready": true}, http.StatusOK, nil)
	}

	ts.do(t, "bob", http.MethodPost, fmt.Sprintf("/api/v1/rooms/%s/start", created.Room.ID), nil, http.StatusForbidden, nil)

	var started match.StartResponse
	ts.do(t, "alice", http.MethodPost, fmt.Sprintf("/api/v1/rooms/%s/start", created.Room.ID), nil, http.StatusCreated, &started)
	require.NotNil(t, started.Match)
	assert.Len(t, started.Challenge.TestCases, 1, "hidden test cases are not sent")

	matchPath := fmt.Sprintf("/api/v1/matches/%s", started.Match.ID)

	var submitted match.SubmitResponse
	ts.do(t, "alice", http.MethodPost, matchPath+"/submit", map[string]any{"code": "pass", "language": judge.LanguagePython}, http.StatusOK, &submitted)
	assert.Equal(t, 100, submitted.Score)
	assert.Len(t, submitted.Results, 1)

	ts.do(t, "bob", http.MethodPost, matchPath+"/submit", map[string]any{"language": judge.LanguagePython}, http.StatusBadRequest, nil)
	ts.do(t, "carol", http.MethodGet, matchPath, nil, http.StatusForbidden, nil)
	ts.do(t, "carol", http.MethodGet, matchPath+"/leaderboard", nil, http.StatusForbidden, nil)

	var finished struct {
		Match domain.Match `json:"match"`
	}
	ts.do(t, "alice", http.MethodPost, matchPath+"/finish", nil, http.StatusOK, &finished)
	assert.Equal(t, "alice", finished.Match.WinnerID)

	ts.do(t, "alice", http.MethodPost, matchPath+"/finish", nil, http.StatusConflict, nil)

	var stats struct {
		Stats ledger.UserStats `json:"stats"`
	}
	ts.do(t, "alice", http.MethodGet, "/api/v1/users/me/stats", nil, http.StatusOK, &stats)
	assert.Equal(t, 20, stats.Stats.Experience)
	assert.Equal(t, 1, stats.Stats.Position)

	var board ledger.LeaderboardResponse
	ts.do(t, "bob", http.MethodGet, "/api/v1/leaderboard?limit=5", nil, http.StatusOK, &board)
	require.Len(t, board.Rows, 2)
	assert.Equal(t, "alice", board.Rows[0].UserID)
	assert.Equal(t, 100, board.Rows[0].WinRate)
}

func TestAPI_Errors(t *testing.T) {
	ts := makeServer(t)

	tests := map[string]struct {
		user   string
		method string
		path   string
		body   any
		status int
	}{
		"should require a token":                 {"", http.MethodGet, "/api/v1/rooms", nil, http.StatusUnauthorized},
		"should report an unknown room":          {"alice", http.MethodGet, "/api/v1/rooms/nope", nil, http.StatusNotFound},
		"should reject a bad page":               {"alice", http.MethodGet, "/api/v1/rooms?page=x", nil, http.StatusBadRequest},
		"should reject an unknown status filter": {"alice", http.MethodGet, "/api/v1/rooms?status=open", nil, http.StatusBadRequest},
		"should reject joining without a code":   {"alice", http.MethodPost, "/api/v1/rooms/join", map[string]any{}, http.StatusBadRequest},
		"should reject invalid settings": {"alice", http.MethodPost, "/api/v1/rooms", map[string]any{
			"settings": map[string]any{"time_limit_minutes": 90, "difficulty": "Easy"},
		}, http.StatusBadRequest},
		"should report an unknown practice challenge": {"alice", http.MethodPost, "/api/v1/challenges/nope/submit", map[string]any{
			"code": "pass", "language": judge.LanguagePython,
		}, http.StatusNotFound},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			ts.do(t, tt.user, tt.method, tt.path, tt.body, tt.status, nil)
		})
	}
}

func TestAPI_PracticeSubmit(t *testing.T) {
	ts := makeServer(t)

	var res practice.SubmitResponse
	ts.do(t, "alice", http.MethodPost, "/api/v1/challenges/echo/submit", map[string]any{"code": "pass", "language": judge.LanguagePython}, http.StatusOK, &res)

	assert.Equal(t, domain.VerdictAccepted, res.Verdict)
	assert.Equal(t, 100, res.ScorePercentage)
	assert.Equal(t, 1, res.TokensAwarded)
	assert.Len(t, res.Results, 1)
}

func TestAPI_PublishesRoomEvents(t *testing.T) {
	ts := makeServer(t)
	ctx := context.Background()

	sub := ts.redis.Subscribe(ctx, "test:lobby")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	ts.do(t, "alice", http.MethodPost, "/api/v1/rooms", map[string]any{
		"settings": map[string]any{"time_limit_minutes": 10, "difficulty": "Easy"},
	}, http.StatusCreated, nil)

	select {
	case msg := <-sub.Channel():
		var n api.Notification
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &n))
		assert.Equal(t, domain.EventNameRoomCreated, n.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("room.created was not published to the lobby")
	}
}

func TestAPI_HidesPrivateRoomCode(t *testing.T) {
	ts := makeServer(t)
	ctx := context.Background()

	sub := ts.redis.Subscribe(ctx, "test:lobby")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	var created struct {
		Room domain.Room `json:"room"`
	}
	ts.do(t, "alice", http.MethodPost, "/api/v1/rooms", map[string]any{
		"settings": map[string]any{"time_limit_minutes": 10, "difficulty": "Easy", "is_private": true},
	}, http.StatusCreated, &created)
	require.NotEmpty(t, created.Room.Code, "the host gets the code")

	var got struct {
		Room domain.Room `json:"room"`
	}
	path := fmt.Sprintf("/api/v1/rooms/%s", created.Room.ID)

	ts.do(t, "carol", http.MethodGet, path, nil, http.StatusOK, &got)
	assert.Empty(t, got.Room.Code)

	ts.do(t, "alice", http.MethodGet, path, nil, http.StatusOK, &got)
	assert.Equal(t, created.Room.Code, got.Room.Code)

	ts.do(t, "carol", http.MethodPost, path+"/join", nil, http.StatusForbidden, nil)

	select {
	case msg := <-sub.Channel():
		var n struct {
			Event string      `json:"event"`
			Data  domain.Room `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &n))
		assert.Equal(t, domain.EventNameRoomCreated, n.Event)
		assert.Equal(t, created.Room.ID, n.Data.ID)
		assert.Empty(t, n.Data.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("room.created was not published to the lobby")
	}
}

type server struct {
	http  *httptest.Server
	redis *redis.Client
	auth  *auth.Service
}

func makeServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	eb := event.NewBus()
	t.Cleanup(eb.Stop)

	challenges := challenge.NewMemorySource(echo)
	sc := score.NewService(score.Config{})
	rl := ledger.NewService(ledger.Config{EventBus: eb, Store: ledger.NewMemoryStore()})
	rooms := room.NewService(room.Config{EventBus: eb, Redis: rc, Prefix: "test", Users: rl})
	as := auth.NewService(auth.Config{Secret: "secret", Registrar: rl})
	lb := leaderboard.NewService(leaderboard.Config{EventBus: eb, Redis: rc, Prefix: "test"})
	t.Cleanup(lb.Stop)

	e := gin.New()
	api.New(api.Config{
		Router:   e,
		EventBus: eb,
		Auth:     as,
		Rooms:    rooms,
		Matches: match.NewService(match.Config{
			EventBus:   eb,
			Redis:      rc,
			Prefix:     "test",
			Rooms:      rooms,
			Challenges: challenges,
			Judge:      fakeJudge{},
			Score:      sc,
			Ledger:     rl,
		}),
		Practice: practice.NewService(practice.Config{
			Challenges: challenges,
			Judge:      fakeJudge{},
			Score:      sc,
			Ledger:     rl,
		}),
		Leaderboard:  lb,
		Ledger:       rl,
		Redis:        rc,
		PubsubPrefix: "test",
	})

	hs := httptest.NewServer(e)
	t.Cleanup(hs.Close)

	return &server{http: hs, redis: rc, auth: as}
}

// do sends the request as the user, who is also their own user id, and decodes the response into out.
func (s *server) do(t *testing.T, user, method, path string, body any, status int, out any) {
	t.Helper()

	var r bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&r).Encode(body))
	}

	req, err := http.NewRequest(method, s.http.URL+path, &r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	if user != "" {
		tok, err := s.auth.Issue(user, user, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	res, err := s.http.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, status, res.StatusCode, "%s %s", method, path)

	if out != nil {
		require.NoError(t, json.NewDecoder(res.Body).Decode(out))
	}
}

type fakeJudge struct{}

func (fakeJudge) Execute(_ context.Context, req judge.ExecuteRequest) (*judge.ExecuteResponse, error) {
	res := &judge.ExecuteResponse{}
	for i, tc := range req.TestCases {
		r := domain.TestCaseResult{
			TestCaseIndex:  i,
			Input:          tc.Input,
			ExpectedOutput: tc.ExpectedOutput,
			Points:         tc.PointValue(),
			Status:         domain.VerdictWrongAnswer,
		}
		if req.Code == "pass" {
			r.Passed, r.ActualOutput, r.Status = true, tc.ExpectedOutput, domain.VerdictAccepted
		}
		res.Results = append(res.Results, r)
	}
	return res, nil
}
