package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultRapidAPIHost  = "judge0-ce.p.rapidapi.com"
	defaultCPUTimeLimit  = 2 * time.Second
	defaultManagedMemKB  = 128000
	defaultHealthTTL     = 30 * time.Second
	defaultHTTPTimeout   = 30 * time.Second
	maxErrorBodyReadSize = 1 << 10
)

// DefaultLanguages maps the supported languages to Judge0 CE language ids.
var DefaultLanguages = map[string]int{
	LanguagePython:     71,
	LanguageJavaScript: 63,
	LanguageJava:       62,
	LanguageCPP:        54,
	LanguageCSharp:     51,
	LanguageC:          50,
}

// RunRequest is one program execution against one input.
type RunRequest struct {
	Language       string
	Source         string
	Stdin          string
	ExpectedOutput string
	TimeLimit      time.Duration
	MemoryLimitMB  int
}

type Judge0Config struct {
	URL    string
	APIKey string
	// Host is sent as X-RapidAPI-Host when an API key is configured for a managed instance.
	Host string
	// SelfHosted forces self-hosted mode. URLs pointing at localhost are always self-hosted.
	SelfHosted bool
	Languages  map[string]int
	HealthTTL  time.Duration
	HTTPClient *http.Client
}

// Judge0Client talks to a Judge0 compatible remote judge.
type Judge0Client struct {
	url        string
	apiKey     string
	host       string
	selfHosted bool
	languages  map[string]int
	client     *http.Client

	healthTTL time.Duration
	sf        singleflight.Group
	mu        sync.Mutex
	healthy   bool
	checkedAt time.Time
}

func NewJudge0Client(c Judge0Config) *Judge0Client {
	j := &Judge0Client{
		url:        strings.TrimRight(c.URL, "/"),
		apiKey:     c.APIKey,
		host:       c.Host,
		selfHosted: c.SelfHosted || isLocalURL(c.URL),
		languages:  c.Languages,
		client:     c.HTTPClient,
		healthTTL:  c.HealthTTL,
	}

	if j.host == "" {
		j.host = defaultRapidAPIHost
	}
	if len(j.languages) == 0 {
		j.languages = DefaultLanguages
	}
	if j.client == nil {
		j.client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if j.healthTTL <= 0 {
		j.healthTTL = defaultHealthTTL
	}

	return j
}

func isLocalURL(u string) bool {
	return strings.Contains(u, "localhost") || strings.Contains(u, "127.0.0.1")
}

// Supports reports whether the language has a runtime id.
func (j *Judge0Client) Supports(language string) bool {
	_, ok := j.languages[language]
	return ok
}

type judge0Submission struct {
	SourceCode     string  `json:"source_code"`
	LanguageID     int     `json:"language_id"`
	Stdin          string  `json:"stdin"`
	ExpectedOutput string  `json:"expected_output,omitempty"`
	CPUTimeLimit   float64 `json:"cpu_time_limit"`
	MemoryLimit    int     `json:"memory_limit,omitempty"`
}

type judge0Result struct {
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	CompileOutput string `json:"compile_output"`
	Message       string `json:"message"`
	Status        struct {
		ID          int    `json:"id"`
		Description string `json:"description"`
	} `json:"status"`
	Time   string  `json:"time"`
	Memory float64 `json:"memory"`
}

// Run submits the program and waits for the verdict. Transport failures are reported as InfraError.
func (j *Judge0Client) Run(ctx context.Context, req RunRequest) Outcome {
	id, ok := j.languages[req.Language]
	if !ok {
		return InfraError{Message: fmt.Sprintf("language %s is not supported by the remote judge", req.Language)}
	}

	limit := req.TimeLimit
	if limit <= 0 {
		limit = defaultCPUTimeLimit
	}

	sub := judge0Submission{
		SourceCode:     req.Source,
		LanguageID:     id,
		Stdin:          req.Stdin,
		ExpectedOutput: req.ExpectedOutput,
		CPUTimeLimit:   limit.Seconds(),
	}

	// Self-hosted instances run without a memory ceiling, they may lack cgroup support.
	if !j.selfHosted {
		sub.MemoryLimit = defaultManagedMemKB
		if req.MemoryLimitMB > 0 {
			sub.MemoryLimit = req.MemoryLimitMB * 1024
		}
	}

	body, err := json.Marshal(sub)
	if err != nil {
		return InfraError{Message: fmt.Sprintf("judge0: marshal submission: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url+"/submissions?base64_encoded=false&wait=true", bytes.NewReader(body))
	if err != nil {
		return InfraError{Message: fmt.Sprintf("judge0: new request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	j.setAuth(httpReq)

	res, err := j.client.Do(httpReq)
	if err != nil {
		return InfraError{Message: fmt.Sprintf("judge0: dispatch: %v", err)}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodyReadSize))
		return InfraError{Message: fmt.Sprintf("judge0: status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))}
	}

	var r judge0Result
	if err := json.NewDecoder(res.Body).Decode(&r); err != nil {
		return InfraError{Message: fmt.Sprintf("judge0: decode response: %v", err)}
	}

	return r.outcome()
}

func (r judge0Result) outcome() Outcome {
	st := statusFromJudge0(r.Status.ID, r.Status.Description+" "+r.Message)

	switch st {
	case StatusInfraError:
		msg := r.Message
		if msg == "" {
			msg = r.Status.Description
		}
		return InfraError{Message: msg}

	case StatusQueued, StatusProcessing:
		return InfraError{Message: fmt.Sprintf("judge0: returned before completion: %s", r.Status.Description)}

	case StatusAccepted, StatusWrongAnswer:
		return Success{
			Stdout:   r.Stdout,
			Stderr:   r.Stderr,
			Time:     parseSeconds(r.Time),
			MemoryKB: int(r.Memory),
		}
	}

	msg := r.Stderr
	if st == StatusCompileError || msg == "" {
		msg = r.CompileOutput
	}
	if msg == "" {
		msg = r.Message
	}
	if msg == "" {
		msg = r.Status.Description
	}

	return ProgramError{
		Kind:     st,
		Message:  msg,
		Stdout:   r.Stdout,
		Time:     parseSeconds(r.Time),
		MemoryKB: int(r.Memory),
	}
}

func parseSeconds(s string) time.Duration {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f <= 0 {
		return 0
	}
	return time.Duration(math.Round(f*1e6)) * time.Microsecond
}

// Healthy reports whether the remote judge answered its languages listing recently.
// Concurrent checks are coalesced and the answer is cached for the health TTL.
func (j *Judge0Client) Healthy(ctx context.Context) bool {
	j.mu.Lock()
	if !j.checkedAt.IsZero() && time.Since(j.checkedAt) < j.healthTTL {
		h := j.healthy
		j.mu.Unlock()
		return h
	}
	j.mu.Unlock()

	v, _, _ := j.sf.Do("health", func() (any, error) {
		h := j.checkHealth(context.WithoutCancel(ctx))

		j.mu.Lock()
		j.healthy, j.checkedAt = h, time.Now()
		j.mu.Unlock()

		return h, nil
	})

	return v.(bool)
}

func (j *Judge0Client) checkHealth(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.url+"/languages", nil)
	if err != nil {
		return false
	}
	j.setAuth(req)

	res, err := j.client.Do(req)
	if err != nil {
		slog.WarnContext(ctx, "judge0: health check failed", "error", err)
		return false
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	return res.StatusCode >= 200 && res.StatusCode < 300
}

func (j *Judge0Client) setAuth(req *http.Request) {
	if j.selfHosted || j.apiKey == "" {
		return
	}
	req.Header.Set("X-RapidAPI-Key", j.apiKey)
	req.Header.Set("X-RapidAPI-Host", j.host)
}
