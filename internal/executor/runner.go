package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultRunTimeout = 30 * time.Second

var (
	// ErrMissingExecutorURL indicates an HTTPRunner without an endpoint.
	ErrMissingExecutorURL = errors.New("executor: url required")
	// ErrExecutionFailed wraps non-success responses from the execution service.
	ErrExecutionFailed = errors.New("executor: execution failed")
)

// HTTPRunnerConfig configures the client of the external code-execution
// service.
type HTTPRunnerConfig struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPRunner submits a session buffer to the execution service and returns
// the output text. Execution semantics are entirely the service's concern.
type HTTPRunner struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPRunner constructs an HTTPRunner.
func NewHTTPRunner(cfg HTTPRunnerConfig) (*HTTPRunner, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, ErrMissingExecutorURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPRunner{url: url, timeout: timeout, client: client, logger: logger}, nil
}

type runRequestPayload struct {
	CodingSessionID string `json:"codingSessionID"`
	Code            string `json:"code"`
	Username        string `json:"username"`
}

type runResponsePayload struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Run submits the buffer and waits for the output. Errors reported by the
// service inside a successful response are returned as output text verbatim;
// transport and protocol failures are returned as errors.
func (r *HTTPRunner) Run(ctx context.Context, sessionID, code, username string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	body, err := json.Marshal(runRequestPayload{
		CodingSessionID: sessionID,
		Code:            code,
		Username:        username,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}

	request, err := http.NewRequestWithContext(runCtx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := r.client.Do(request)
	if err != nil {
		r.logger.Warn("execution request failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		io.Copy(io.Discard, response.Body) //nolint:errcheck
		return "", fmt.Errorf("%w: unexpected status %d", ErrExecutionFailed, response.StatusCode)
	}

	var payload runResponsePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}
	if payload.Error != "" {
		return payload.Error, nil
	}
	return payload.Output, nil
}
