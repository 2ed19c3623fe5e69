package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrLoadFailed wraps failures of the latest-version fetch.
var ErrLoadFailed = errors.New("client: version load failed")

// HTTPLoader fetches the latest persisted version over the REST surface.
type HTTPLoader struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPLoader constructs a loader for the given API base URL and session
// token.
func NewHTTPLoader(baseURL, token string, httpClient *http.Client) *HTTPLoader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPLoader{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  httpClient,
	}
}

// LatestCode fetches the join-time buffer for a session.
func (l *HTTPLoader) LatestCode(ctx context.Context, sessionID string) (string, error) {
	url := fmt.Sprintf("%s/sessions/%s/latest", l.baseURL, sessionID)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	if l.token != "" {
		request.Header.Set("Authorization", "Bearer "+l.token)
	}

	response, err := l.client.Do(request)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected status %d", ErrLoadFailed, response.StatusCode)
	}

	var payload struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	return payload.Code, nil
}
