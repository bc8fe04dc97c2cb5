package judge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/victornm/codearena/internal/domain"
	"github.com/victornm/codearena/internal/errors"
	"github.com/victornm/codearena/internal/telemetry"
)

const (
	defaultRequestTimeout = 15 * time.Second

	pathRemote   = "remote"
	pathFallback = "fallback"
)

// Runner runs a program once against one input.
type Runner interface {
	Run(ctx context.Context, req RunRequest) Outcome
}

// Remote is a shared judge service that can be health-checked before use.
type Remote interface {
	Runner
	Healthy(ctx context.Context) bool
	Supports(language string) bool
}

type Config struct {
	Remote Remote
	// Fallback runs programs locally when the remote judge has an infrastructure failure. Nil disables it.
	Fallback Runner
	// DispatchDelay paces consecutive remote dispatches of one submission. Zero disables pacing.
	DispatchDelay time.Duration
	// RequestTimeout is the hard ceiling on a single remote dispatch.
	RequestTimeout time.Duration
}

// Service is the code execution gateway.
type Service struct {
	remote         Remote
	fallback       Runner
	dispatchDelay  time.Duration
	requestTimeout time.Duration
}

func NewService(c Config) *Service {
	s := &Service{
		remote:         c.Remote,
		fallback:       c.Fallback,
		dispatchDelay:  c.DispatchDelay,
		requestTimeout: c.RequestTimeout,
	}

	if s.requestTimeout <= 0 {
		s.requestTimeout = defaultRequestTimeout
	}

	return s
}

// Supports reports whether submissions in the language can be judged.
func (s *Service) Supports(language string) bool {
	return s.remote.Supports(language)
}

// Healthy reports whether the remote judge is currently reachable.
func (s *Service) Healthy(ctx context.Context) bool {
	h := s.remote.Healthy(ctx)
	if h {
		telemetry.JudgeRemoteHealthy.Set(1)
	} else {
		telemetry.JudgeRemoteHealthy.Set(0)
	}
	return h
}

type ExecuteRequest struct {
	Code          string
	Language      string
	TestCases     []domain.TestCase
	TimeLimitSec  float64
	MemoryLimitMB int
}

type ExecuteResponse struct {
	Results []domain.TestCaseResult
	// Fallback is true when at least one test case was judged locally.
	Fallback bool
}

// Execute runs the code against every test case in order and returns one result per case.
// Failures caused by the code are reported in the results. An infrastructure failure
// that the fallback could not absorb aborts the whole execution with an execution system error.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	if !s.Supports(req.Language) {
		return nil, errors.Validation("language %s is not supported", req.Language)
	}

	if len(req.TestCases) == 0 {
		return nil, errors.Validation("challenge has no test cases")
	}

	remote := s.Healthy(ctx)
	if !remote {
		slog.WarnContext(ctx, "judge: remote judge unhealthy, skipping it for this submission")
	}

	limit := defaultCPUTimeLimit
	if req.TimeLimitSec > 0 {
		limit = time.Duration(req.TimeLimitSec * float64(time.Second))
	}

	res := &ExecuteResponse{
		Results: make([]domain.TestCaseResult, 0, len(req.TestCases)),
	}

	for i, tc := range req.TestCases {
		if remote && i > 0 {
			if err := sleep(ctx, s.dispatchDelay); err != nil {
				return nil, err
			}
		}

		rr := RunRequest{
			Language:       req.Language,
			Source:         Wrap(req.Code, req.Language, tc.Input),
			Stdin:          tc.Input,
			ExpectedOutput: tc.ExpectedOutput,
			TimeLimit:      limit,
			MemoryLimitMB:  req.MemoryLimitMB,
		}

		out, usedFallback := s.run(ctx, remote, rr)
		if infra, ok := out.(InfraError); ok {
			slog.ErrorContext(ctx, "judge: execution failed on every path",
				"test_case", i,
				"language", req.Language,
				"error", infra.Message,
			)
			return nil, errors.ExecutionSystem(fmt.Errorf("test case %d: %s", i, infra.Message))
		}

		res.Fallback = res.Fallback || usedFallback
		res.Results = append(res.Results, Evaluate(i, tc, out))
	}

	return res, nil
}

func (s *Service) run(ctx context.Context, remote bool, req RunRequest) (Outcome, bool) {
	if remote {
		out := s.observe(pathRemote, func() Outcome {
			ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
			defer cancel()
			return s.remote.Run(ctx, req)
		})

		infra, ok := out.(InfraError)
		if !ok {
			return out, false
		}

		slog.WarnContext(ctx, "judge: remote infrastructure failure, falling back", "error", infra.Message)
	}

	if s.fallback == nil {
		return InfraError{Message: "remote judge unavailable and local fallback disabled"}, false
	}

	return s.observe(pathFallback, func() Outcome {
		return s.fallback.Run(ctx, req)
	}), true
}

func (s *Service) observe(path string, run func() Outcome) Outcome {
	start := time.Now()
	out := run()
	telemetry.JudgeRunDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())

	label := "infra_error"
	switch o := out.(type) {
	case Success:
		label = "completed"
	case ProgramError:
		label = o.Kind.String()
	}
	telemetry.JudgeRuns.WithLabelValues(path, label).Inc()

	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
