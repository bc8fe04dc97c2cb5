package score_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/victornm/codearena/internal/domain"
	"github.com/victornm/codearena/internal/score"
)

func TestService_PointsAndMatchScore(t *testing.T) {
	s := score.NewService(score.Config{})

	results := []domain.TestCaseResult{
		{Passed: true, Points: 10, Status: domain.VerdictAccepted},
		{Passed: false, Points: 20, Status: domain.VerdictWrongAnswer},
		{Passed: true, Points: 30, Status: domain.VerdictAccepted},
	}

	assert.Equal(t, 40, s.Points(results))
	assert.Equal(t, 67, s.MatchScore(results), "2/3 rounds to 67")
	assert.Equal(t, 0, s.MatchScore(nil))
}

func TestPercentage(t *testing.T) {
	tests := map[string]struct {
		part, whole int
		want        int
	}{
		"zero whole":       {part: 1, whole: 0, want: 0},
		"all":              {part: 4, whole: 4, want: 100},
		"half rounds up":   {part: 1, whole: 8, want: 13},
		"one third":        {part: 1, whole: 3, want: 33},
		"two thirds":       {part: 2, whole: 3, want: 67},
		"nothing":          {part: 0, whole: 5, want: 0},
		"exact percentage": {part: 3, whole: 4, want: 75},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, score.Percentage(tt.part, tt.whole))
		})
	}
}

func TestService_Classify(t *testing.T) {
	s := score.NewService(score.Config{})

	result := func(v domain.Verdict) domain.TestCaseResult {
		return domain.TestCaseResult{Status: v, Passed: v == domain.VerdictAccepted}
	}

	tests := map[string]struct {
		results []domain.TestCaseResult
		top     domain.Verdict
		want    domain.Verdict
	}{
		"all accepted": {
			results: []domain.TestCaseResult{result(domain.VerdictAccepted), result(domain.VerdictAccepted)},
			want:    domain.VerdictAccepted,
		},
		"one wrong answer": {
			results: []domain.TestCaseResult{result(domain.VerdictAccepted), result(domain.VerdictWrongAnswer)},
			want:    domain.VerdictWrongAnswer,
		},
		"runtime error beats wrong answer": {
			results: []domain.TestCaseResult{result(domain.VerdictWrongAnswer), result(domain.VerdictRuntimeError)},
			want:    domain.VerdictRuntimeError,
		},
		"memory beats runtime": {
			results: []domain.TestCaseResult{result(domain.VerdictRuntimeError), result(domain.VerdictMemoryLimit)},
			want:    domain.VerdictMemoryLimit,
		},
		"timeout beats memory": {
			results: []domain.TestCaseResult{result(domain.VerdictMemoryLimit), result(domain.VerdictTimeout)},
			want:    domain.VerdictTimeout,
		},
		"compile error beats everything the program can do": {
			results: []domain.TestCaseResult{result(domain.VerdictTimeout), result(domain.VerdictCompileError), result(domain.VerdictAccepted)},
			want:    domain.VerdictCompileError,
		},
		"top level verdict takes part": {
			results: []domain.TestCaseResult{result(domain.VerdictAccepted)},
			top:     domain.VerdictCompileError,
			want:    domain.VerdictCompileError,
		},
		"accepted status without a pass is a wrong answer": {
			results: []domain.TestCaseResult{{Status: domain.VerdictAccepted, Passed: false}},
			want:    domain.VerdictWrongAnswer,
		},
		"nothing judged is not accepted": {
			want: domain.VerdictWrongAnswer,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, s.Classify(tt.results, tt.top))
		})
	}
}

func TestService_Rollup(t *testing.T) {
	s := score.NewService(score.Config{})

	r := s.Rollup([]domain.TestCaseResult{
		{ExecutionTimeMs: 12.5, MemoryUsedKB: 3000},
		{ExecutionTimeMs: 7.5, MemoryUsedKB: 9000},
		{ExecutionTimeMs: 0, MemoryUsedKB: 100},
	})

	assert.Equal(t, score.Rollup{TotalTimeMs: 20, PeakMemoryKB: 9000}, r)
}

func TestService_DetermineWinners(t *testing.T) {
	submitted := time.Now()

	p := func(id string, sc, passed, total int, ms int64) domain.MatchParticipant {
		return domain.MatchParticipant{
			UserID:           id,
			Score:            sc,
			PassedTests:      passed,
			TotalTests:       total,
			CompletionTimeMs: ms,
			SubmittedAt:      &submitted,
		}
	}

	tests := map[string]struct {
		tieWindow    time.Duration
		participants []domain.MatchParticipant
		want         score.Outcome
	}{
		"faster full solution wins": {
			participants: []domain.MatchParticipant{
				p("b", 100, 4, 4, 6000),
				p("a", 100, 4, 4, 4000),
			},
			want: score.Outcome{WinnerID: "a", Winners: []string{"a"}},
		},
		"identical score and time is a draw": {
			participants: []domain.MatchParticipant{
				p("a", 100, 4, 4, 5000),
				p("b", 100, 4, 4, 5000),
			},
			want: score.Outcome{Winners: []string{"a", "b"}, Draw: true},
		},
		"one millisecond apart is not a draw without a window": {
			participants: []domain.MatchParticipant{
				p("a", 100, 4, 4, 5001),
				p("b", 100, 4, 4, 5000),
			},
			want: score.Outcome{WinnerID: "b", Winners: []string{"b"}},
		},
		"higher score beats faster time": {
			participants: []domain.MatchParticipant{
				p("a", 50, 2, 4, 1000),
				p("b", 75, 3, 4, 9000),
			},
			want: score.Outcome{WinnerID: "b", Winners: []string{"b"}},
		},
		"full pass beats partial": {
			participants: []domain.MatchParticipant{
				p("a", 75, 3, 4, 1000),
				p("b", 100, 4, 4, 9000),
			},
			want: score.Outcome{WinnerID: "b", Winners: []string{"b"}},
		},
		"three way tie set only includes tied leaders": {
			participants: []domain.MatchParticipant{
				p("a", 100, 4, 4, 3000),
				p("b", 100, 4, 4, 3000),
				p("c", 100, 4, 4, 3500),
			},
			want: score.Outcome{Winners: []string{"a", "b"}, Draw: true},
		},
		"forfeited participants never win": {
			participants: []domain.MatchParticipant{
				{UserID: "a", Score: 100, PassedTests: 4, TotalTests: 4, SubmittedAt: &submitted, Forfeited: true},
				p("b", 25, 1, 4, 9000),
			},
			want: score.Outcome{WinnerID: "b", Winners: []string{"b"}},
		},
		"participants without a submission never win": {
			participants: []domain.MatchParticipant{
				{UserID: "a"},
				p("b", 0, 0, 4, 9000),
			},
			want: score.Outcome{WinnerID: "b", Winners: []string{"b"}},
		},
		"nobody submitted is a draw without winners": {
			participants: []domain.MatchParticipant{
				{UserID: "a"},
				{UserID: "b"},
			},
			want: score.Outcome{Draw: true},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			s := score.NewService(score.Config{TieWindow: tt.tieWindow})
			assert.Equal(t, tt.want, s.DetermineWinners(tt.participants))
		})
	}
}

func TestService_DetermineWinnersTieWindow(t *testing.T) {
	submitted := time.Now()
	participants := []domain.MatchParticipant{
		{UserID: "a", Score: 100, PassedTests: 2, TotalTests: 2, CompletionTimeMs: 5000, SubmittedAt: &submitted},
		{UserID: "b", Score: 100, PassedTests: 2, TotalTests: 2, CompletionTimeMs: 5040, SubmittedAt: &submitted},
		{UserID: "c", Score: 100, PassedTests: 2, TotalTests: 2, CompletionTimeMs: 5200, SubmittedAt: &submitted},
	}

	exact := score.NewService(score.Config{})
	assert.Equal(t, "a", exact.DetermineWinners(participants).WinnerID)

	windowed := score.NewService(score.Config{TieWindow: 50 * time.Millisecond})
	out := windowed.DetermineWinners(participants)
	assert.True(t, out.Draw)
	assert.Empty(t, out.WinnerID)
	assert.Equal(t, []string{"a", "b"}, out.Winners)
}
