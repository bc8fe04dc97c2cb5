package judge_test

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/codearena/internal/judge"
)

const languageShell = "Shell"

func TestFallbackRunner_Run(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	type inputs struct {
		interpreters map[string][]string
		req          judge.RunRequest
	}

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out judge.Outcome, elapsed time.Duration)
	}{
		"should run with the next interpreter when the first is missing": {
			arrange: func() inputs {
				return inputs{
					interpreters: map[string][]string{languageShell: {"arena-missing-interpreter", "sh"}},
					req: judge.RunRequest{
						Language:  languageShell,
						Source:    "read x\necho $((x * 2))\n",
						Stdin:     "21\n",
						TimeLimit: 2 * time.Second,
					},
				}
			},
			assert: func(t *testing.T, out judge.Outcome, _ time.Duration) {
				s, ok := out.(judge.Success)
				require.True(t, ok, "got %#v", out)
				assert.Equal(t, "42\n", s.Stdout)
				assert.Positive(t, s.Time)
			},
		},

		"should report stderr without output as a runtime error": {
			arrange: func() inputs {
				return inputs{
					interpreters: map[string][]string{languageShell: {"sh"}},
					req: judge.RunRequest{
						Language:  languageShell,
						Source:    "echo boom >&2\nexit 3\n",
						TimeLimit: 2 * time.Second,
					},
				}
			},
			assert: func(t *testing.T, out judge.Outcome, _ time.Duration) {
				pe, ok := out.(judge.ProgramError)
				require.True(t, ok, "got %#v", out)
				assert.Equal(t, judge.StatusRuntimeError, pe.Kind)
				assert.Equal(t, "boom", pe.Message)
			},
		},

		"should report a non-zero exit without output as a runtime error": {
			arrange: func() inputs {
				return inputs{
					interpreters: map[string][]string{languageShell: {"sh"}},
					req: judge.RunRequest{
						Language:  languageShell,
						Source:    "exit 2\n",
						TimeLimit: 2 * time.Second,
					},
				}
			},
			assert: func(t *testing.T, out judge.Outcome, _ time.Duration) {
				pe, ok := out.(judge.ProgramError)
				require.True(t, ok, "got %#v", out)
				assert.Equal(t, judge.StatusRuntimeError, pe.Kind)
			},
		},

		"should kill the process when the wall clock deadline passes": {
			arrange: func() inputs {
				return inputs{
					interpreters: map[string][]string{languageShell: {"sh"}},
					req: judge.RunRequest{
						Language:  languageShell,
						Source:    "sleep 10\necho late\n",
						TimeLimit: 100 * time.Millisecond,
					},
				}
			},
			assert: func(t *testing.T, out judge.Outcome, elapsed time.Duration) {
				pe, ok := out.(judge.ProgramError)
				require.True(t, ok, "got %#v", out)
				assert.Equal(t, judge.StatusTimeout, pe.Kind)
				assert.Less(t, elapsed, 5*time.Second)
			},
		},

		"should fail as infrastructure when no interpreter exists": {
			arrange: func() inputs {
				return inputs{
					interpreters: map[string][]string{languageShell: {"arena-missing-1", "arena-missing-2"}},
					req: judge.RunRequest{
						Language: languageShell,
						Source:   "echo hi\n",
					},
				}
			},
			assert: func(t *testing.T, out judge.Outcome, _ time.Duration) {
				require.IsType(t, judge.InfraError{}, out)
			},
		},

		"should fail as infrastructure for an unconfigured language": {
			arrange: func() inputs {
				return inputs{
					interpreters: map[string][]string{languageShell: {"sh"}},
					req: judge.RunRequest{
						Language: judge.LanguageJava,
						Source:   "class Main {}",
					},
				}
			},
			assert: func(t *testing.T, out judge.Outcome, _ time.Duration) {
				require.IsType(t, judge.InfraError{}, out)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			f := judge.NewFallbackRunner(judge.FallbackConfig{
				Interpreters: in.interpreters,
				Slack:        100 * time.Millisecond,
				TempDir:      t.TempDir(),
			})

			start := time.Now()
			out := f.Run(context.Background(), in.req)
			tt.assert(t, out, time.Since(start))
		})
	}
}
