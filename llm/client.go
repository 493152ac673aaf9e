package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// AuthError indicates the credential exchange failed or the provider kept
// rejecting the bearer token after one refresh-and-retry.
type AuthError struct {
	Status int
	Msg    string
}

func (e *AuthError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("model auth failed: %s (status %d)", e.Msg, e.Status)
	}
	return "model auth failed: " + e.Msg
}

// TimeoutError indicates the generation call lost the race against the
// configured deadline. The in-flight request is cancelled, not abandoned.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("model call exceeded %s timeout", e.Timeout)
}

// Params holds generation parameters for a single call
type Params struct {
	MaxNewTokens int     `json:"max_new_tokens"`
	Temperature  float64 `json:"temperature"`
	TopP         float64 `json:"top_p"`
}

// GenerateResult holds the generated text and the provider's token counts
type GenerateResult struct {
	Text            string
	InputTokens     int
	GeneratedTokens int
}

const (
	// Refresh the cached bearer token one minute before it actually expires
	tokenRefreshMargin = time.Minute

	// DefaultTimeout bounds synchronous generation calls
	DefaultTimeout = 8 * time.Second
)

// Client issues text-generation requests to the hosted model endpoint.
// The cached bearer token is the only mutable state and is process-scoped;
// refreshes are deduplicated through a single-flight group so concurrent
// runs never race to overwrite a fresher token.
type Client struct {
	apiKey      string
	tokenURL    string
	generateURL string
	modelID     string
	timeout     time.Duration
	httpClient  *http.Client

	mu          sync.Mutex
	bearerToken string
	tokenExpiry time.Time
	refresh     singleflight.Group
}

// ClientOption is a functional option for Client
type ClientOption func(*Client)

// WithTimeout overrides the generation call timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient overrides the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a model client
func NewClient(apiKey, tokenURL, generateURL, modelID string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:      apiKey,
		tokenURL:    tokenURL,
		generateURL: generateURL,
		modelID:     modelID,
		timeout:     DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c
}

// NewClientFromEnv creates a model client from environment variables
func NewClientFromEnv(opts ...ClientOption) (*Client, error) {
	apiKey := os.Getenv("MODEL_API_KEY")
	if apiKey == "" {
		return nil, errors.New("MODEL_API_KEY environment variable is required")
	}

	tokenURL := os.Getenv("MODEL_TOKEN_URL")
	if tokenURL == "" {
		tokenURL = "https://iam.cloud.ibm.com/identity/token"
	}

	generateURL := os.Getenv("MODEL_GENERATE_URL")
	if generateURL == "" {
		return nil, errors.New("MODEL_GENERATE_URL environment variable is required")
	}

	modelID := os.Getenv("MODEL_ID")
	if modelID == "" {
		modelID = "ibm/granite-13b-chat-v2"
	}

	return NewClient(apiKey, tokenURL, generateURL, modelID, opts...), nil
}

// generateRequest is the wire format of a generation call
type generateRequest struct {
	ModelID    string `json:"model_id"`
	Input      string `json:"input"`
	Parameters Params `json:"parameters"`
}

// generateResponse is the wire format of a generation response
type generateResponse struct {
	Results []struct {
		GeneratedText string `json:"generated_text"`
	} `json:"results"`
	InputTokenCount     int `json:"input_token_count"`
	GeneratedTokenCount int `json:"generated_token_count"`
}

// tokenResponse is the wire format of the credential exchange
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Generate sends a text-generation request and returns the generated text
// with token counts. The call races against the configured timeout; on the
// deadline the request is cancelled and a *TimeoutError is returned. A 401
// invalidates the cached token and the exchange plus call are retried exactly
// once. Callers are responsible for any fallback on failure.
func (c *Client) Generate(ctx context.Context, prompt string, params Params) (*GenerateResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token, err := c.currentToken(ctx)
	if err != nil {
		return nil, err
	}

	result, status, err := c.doGenerate(ctx, token, prompt, params)
	if err == nil {
		return result, nil
	}
	if timeoutErr := c.asTimeout(ctx, err); timeoutErr != nil {
		return nil, timeoutErr
	}

	// One refresh-and-retry on a rejected token
	if status == http.StatusUnauthorized {
		c.invalidateToken()
		token, err = c.currentToken(ctx)
		if err != nil {
			return nil, err
		}
		result, status, err = c.doGenerate(ctx, token, prompt, params)
		if err == nil {
			return result, nil
		}
		if timeoutErr := c.asTimeout(ctx, err); timeoutErr != nil {
			return nil, timeoutErr
		}
		if status == http.StatusUnauthorized {
			return nil, &AuthError{Status: status, Msg: "token rejected after refresh"}
		}
	}

	return nil, err
}

// asTimeout maps a context-deadline failure to a *TimeoutError
func (c *Client) asTimeout(ctx context.Context, err error) *TimeoutError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Timeout: c.timeout}
	}
	return nil
}

// doGenerate performs one generation call with the given bearer token
func (c *Client) doGenerate(ctx context.Context, token, prompt string, params Params) (*GenerateResult, int, error) {
	reqBody := generateRequest{
		ModelID:    c.modelID,
		Input:      prompt,
		Parameters: params,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.generateURL, strings.NewReader(string(jsonData)))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, resp.StatusCode, fmt.Errorf("model API error: %d - %s", resp.StatusCode, string(bodyBytes))
	}

	var apiResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(apiResp.Results) == 0 {
		return nil, resp.StatusCode, errors.New("model API returned no results")
	}

	var text strings.Builder
	for _, r := range apiResp.Results {
		text.WriteString(r.GeneratedText)
	}
	if text.Len() == 0 {
		return nil, resp.StatusCode, errors.New("model API returned empty content")
	}

	return &GenerateResult{
		Text:            text.String(),
		InputTokens:     apiResp.InputTokenCount,
		GeneratedTokens: apiResp.GeneratedTokenCount,
	}, resp.StatusCode, nil
}

// currentToken returns a valid bearer token, exchanging credentials when the
// cached one is absent or within the refresh margin of expiry
func (c *Client) currentToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.bearerToken != "" && time.Now().Before(c.tokenExpiry.Add(-tokenRefreshMargin)) {
		token := c.bearerToken
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	v, err, _ := c.refresh.Do("token", func() (interface{}, error) {
		// Re-check under the group: another caller may have refreshed already
		c.mu.Lock()
		if c.bearerToken != "" && time.Now().Before(c.tokenExpiry.Add(-tokenRefreshMargin)) {
			token := c.bearerToken
			c.mu.Unlock()
			return token, nil
		}
		c.mu.Unlock()

		token, expiresIn, err := c.exchangeToken(ctx)
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		c.bearerToken = token
		c.tokenExpiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
		c.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// invalidateToken drops the cached bearer token
func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.bearerToken = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}

// exchangeToken performs the grant_type=apikey credential exchange
func (c *Client) exchangeToken(ctx context.Context) (string, int, error) {
	form := url.Values{}
	form.Set("grant_type", "urn:ibm:params:oauth:grant-type:apikey")
	form.Set("apikey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, "POST", c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, &AuthError{Msg: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// A slow token endpoint is a provider outage, not bad credentials
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", 0, &TimeoutError{Timeout: c.timeout}
		}
		return "", 0, &AuthError{Msg: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", 0, &AuthError{Status: resp.StatusCode, Msg: string(bodyBytes)}
	}

	var tokenResp tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", 0, &AuthError{Msg: "failed to decode token response: " + err.Error()}
	}
	if tokenResp.AccessToken == "" {
		return "", 0, &AuthError{Msg: "token response missing access_token"}
	}

	return tokenResp.AccessToken, tokenResp.ExpiresIn, nil
}
