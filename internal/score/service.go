package score

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/codearena/internal/domain"
)

type Config struct {
	// TieWindow is the largest completion time difference still treated as a tie. Zero means exact equality.
	TieWindow time.Duration
}

// Service is the scoring engine. It is pure and safe for concurrent use.
type Service struct {
	tieWindow time.Duration
}

func NewService(c Config) *Service {
	return &Service{
		tieWindow: max(0, c.TieWindow),
	}
}

// Points sums the points of the passed test cases.
func (s *Service) Points(results []domain.TestCaseResult) int {
	var total int
	for _, r := range results {
		if r.Passed {
			total += r.Points
		}
	}
	return total
}

// MatchScore is the rounded percentage of passed test cases.
func (s *Service) MatchScore(results []domain.TestCaseResult) int {
	var passed int
	for _, r := range results {
		if r.Passed {
			passed++
		}
	}
	return Percentage(passed, len(results))
}

// Percentage returns part/whole*100 rounded half away from zero, or 0 when whole is 0.
func Percentage(part, whole int) int {
	if whole <= 0 {
		return 0
	}

	return int(decimal.NewFromInt(int64(part)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(whole))).
		Round(0).
		IntPart())
}

// precedence orders verdicts; the highest one present wins classification.
var precedence = map[domain.Verdict]int{
	domain.VerdictAccepted:     0,
	domain.VerdictQueued:       1,
	domain.VerdictProcessing:   1,
	domain.VerdictWrongAnswer:  2,
	domain.VerdictRuntimeError: 3,
	domain.VerdictMemoryLimit:  4,
	domain.VerdictTimeout:      5,
	domain.VerdictCompileError: 6,
	domain.VerdictSystemError:  7,
}

// Classify reduces per test case verdicts and an optional top level verdict to one overall verdict.
// A submission is only accepted when every test case passed.
func (s *Service) Classify(results []domain.TestCaseResult, top domain.Verdict) domain.Verdict {
	if len(results) == 0 && top == "" {
		return domain.VerdictWrongAnswer
	}

	overall := domain.VerdictAccepted
	consider := func(v domain.Verdict) {
		if precedence[v] > precedence[overall] {
			overall = v
		}
	}

	if top != "" {
		consider(top)
	}

	for _, r := range results {
		v := r.Status
		if !r.Passed && v == domain.VerdictAccepted {
			v = domain.VerdictWrongAnswer
		}
		consider(v)
	}

	return overall
}

type Rollup struct {
	TotalTimeMs  float64
	PeakMemoryKB int
}

// Rollup sums execution time and takes the peak memory across test cases.
func (s *Service) Rollup(results []domain.TestCaseResult) Rollup {
	var r Rollup
	for _, tc := range results {
		r.TotalTimeMs += tc.ExecutionTimeMs
		r.PeakMemoryKB = max(r.PeakMemoryKB, tc.MemoryUsedKB)
	}
	return r
}

type Outcome struct {
	// WinnerID is empty for a draw.
	WinnerID string
	// Winners holds every participant marked as winner, in ranking order.
	Winners []string
	Draw    bool
}

// DetermineWinners ranks participants by fully passed first, then score descending, then
// completion time ascending. Participants sharing the top score and a completion time within
// the tie window of the leader form the tie set; more than one member makes the match a draw.
// Forfeited participants and participants without a submission never win.
func (s *Service) DetermineWinners(participants []domain.MatchParticipant) Outcome {
	ranked := make([]domain.MatchParticipant, 0, len(participants))
	for _, p := range participants {
		if !p.Forfeited && p.SubmittedAt != nil {
			ranked = append(ranked, p)
		}
	}

	if len(ranked) == 0 {
		return Outcome{Draw: true}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.PassedAll() != b.PassedAll() {
			return a.PassedAll()
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.CompletionTimeMs < b.CompletionTimeMs
	})

	top := ranked[0]
	var ties []string
	for _, p := range ranked {
		if p.PassedAll() != top.PassedAll() || p.Score != top.Score {
			break
		}
		if time.Duration(p.CompletionTimeMs-top.CompletionTimeMs)*time.Millisecond > s.tieWindow {
			break
		}
		ties = append(ties, p.UserID)
	}

	if len(ties) > 1 {
		return Outcome{Winners: ties, Draw: true}
	}

	return Outcome{WinnerID: top.UserID, Winners: []string{top.UserID}}
}
