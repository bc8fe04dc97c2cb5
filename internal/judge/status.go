package judge

import (
	"strings"
	"time"

	"github.com/victornm/codearena/internal/domain"
)

// Status is the closed set of outcome categories a judge can report.
type Status int

const (
	StatusQueued Status = iota + 1
	StatusProcessing
	StatusAccepted
	StatusWrongAnswer
	StatusCompileError
	StatusTimeout
	StatusMemoryLimit
	StatusRuntimeError
	StatusInfraError
)

var statusVerdicts = map[Status]domain.Verdict{
	StatusQueued:       domain.VerdictQueued,
	StatusProcessing:   domain.VerdictProcessing,
	StatusAccepted:     domain.VerdictAccepted,
	StatusWrongAnswer:  domain.VerdictWrongAnswer,
	StatusCompileError: domain.VerdictCompileError,
	StatusTimeout:      domain.VerdictTimeout,
	StatusMemoryLimit:  domain.VerdictMemoryLimit,
	StatusRuntimeError: domain.VerdictRuntimeError,
	StatusInfraError:   domain.VerdictSystemError,
}

func (s Status) Verdict() domain.Verdict {
	if v, ok := statusVerdicts[s]; ok {
		return v
	}
	return domain.VerdictRuntimeError
}

func (s Status) String() string {
	return string(s.Verdict())
}

// Judge0 status ids, see https://ce.judge0.com/statuses.
const (
	judge0InQueue       = 1
	judge0Processing    = 2
	judge0Accepted      = 3
	judge0WrongAnswer   = 4
	judge0TimeLimit     = 5
	judge0CompileError  = 6
	judge0InternalError = 13
)

// statusFromJudge0 maps a Judge0 status onto the closed status set.
// Unknown ids are treated as runtime errors.
func statusFromJudge0(id int, description string) Status {
	switch id {
	case judge0InQueue:
		return StatusQueued
	case judge0Processing:
		return StatusProcessing
	case judge0Accepted:
		return StatusAccepted
	case judge0WrongAnswer:
		return StatusWrongAnswer
	case judge0TimeLimit:
		return StatusTimeout
	case judge0CompileError:
		return StatusCompileError
	case judge0InternalError:
		return StatusInfraError
	}

	if strings.Contains(strings.ToLower(description), "memory") {
		return StatusMemoryLimit
	}

	return StatusRuntimeError
}

// Outcome is the result of running a program once against one input.
// It is one of Success, ProgramError or InfraError.
type Outcome interface {
	outcome()
}

// Success means the program ran to completion. Whether its output is correct is decided by the caller.
type Success struct {
	Stdout   string
	Stderr   string
	Time     time.Duration
	MemoryKB int
}

// ProgramError is a failure attributable to the submitted code.
type ProgramError struct {
	Kind     Status
	Message  string
	Stdout   string
	Time     time.Duration
	MemoryKB int
}

// InfraError is a failure of the judging infrastructure. It carries no measurements.
type InfraError struct {
	Message string
}

func (Success) outcome()      {}
func (ProgramError) outcome() {}
func (InfraError) outcome()   {}

// NormalizeOutput trims surrounding whitespace and converts CRLF line endings.
func NormalizeOutput(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}

// Evaluate turns the outcome of one test case run into a result. It must not be called with an InfraError.
func Evaluate(index int, tc domain.TestCase, out Outcome) domain.TestCaseResult {
	r := domain.TestCaseResult{
		TestCaseIndex:  index,
		Input:          tc.Input,
		ExpectedOutput: tc.ExpectedOutput,
		Points:         tc.PointValue(),
	}

	switch o := out.(type) {
	case Success:
		actual := NormalizeOutput(o.Stdout)
		r.ActualOutput = actual
		r.ExecutionTimeMs = durationMs(o.Time)
		r.MemoryUsedKB = o.MemoryKB
		r.Passed = actual != "" && actual == NormalizeOutput(tc.ExpectedOutput)
		if r.Passed {
			r.Status = domain.VerdictAccepted
		} else {
			r.Status = domain.VerdictWrongAnswer
		}

	case ProgramError:
		r.Status = o.Kind.Verdict()
		r.ErrorMessage = strings.TrimSpace(o.Message)
		r.ActualOutput = NormalizeOutput(o.Stdout)
		if r.ActualOutput == "" {
			r.ActualOutput = r.ErrorMessage
		}
		r.ExecutionTimeMs = durationMs(o.Time)
		r.MemoryUsedKB = o.MemoryKB

	case InfraError:
		r.Status = domain.VerdictSystemError
		r.ErrorMessage = o.Message
	}

	return r
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
