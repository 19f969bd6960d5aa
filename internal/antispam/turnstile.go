package antispam

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultVerificationEndpoint is Cloudflare's Turnstile siteverify API.
const DefaultVerificationEndpoint = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

const (
	formKeySecret   = "secret"
	formKeyResponse = "response"
	formKeyRemoteIP = "remoteip"

	defaultRequestTimeout = 10 * time.Second
)

// Verifier reports whether an anti-spam challenge token is valid. A false
// result and an error are handled identically by callers: the submission is
// rejected without distinguishing a bad token from a service outage.
type Verifier interface {
	Verify(ctx context.Context, secret string, token string, remoteIP string) (bool, error)
}

// TurnstileVerifier performs a single verification call per token, with no
// retry.
type TurnstileVerifier struct {
	endpoint   string
	httpClient *http.Client
}

type verificationResult struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// NewTurnstileVerifier creates a verifier against the default endpoint.
func NewTurnstileVerifier() *TurnstileVerifier {
	return &TurnstileVerifier{
		endpoint:   DefaultVerificationEndpoint,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
}

// WithEndpoint overrides the verification endpoint.
func (verifier *TurnstileVerifier) WithEndpoint(endpoint string) *TurnstileVerifier {
	verifier.endpoint = endpoint
	return verifier
}

// WithHTTPClient overrides the HTTP client.
func (verifier *TurnstileVerifier) WithHTTPClient(httpClient *http.Client) *TurnstileVerifier {
	verifier.httpClient = httpClient
	return verifier
}

// Verify posts the secret and token to the challenge service and returns its
// success flag. A missing or malformed response counts as failure.
func (verifier *TurnstileVerifier) Verify(ctx context.Context, secret string, token string, remoteIP string) (bool, error) {
	form := url.Values{}
	form.Set(formKeySecret, secret)
	form.Set(formKeyResponse, token)
	if remoteIP != "" {
		form.Set(formKeyRemoteIP, remoteIP)
	}

	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, verifier.endpoint, strings.NewReader(form.Encode()))
	if requestErr != nil {
		return false, fmt.Errorf("build siteverify request: %w", requestErr)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, doErr := verifier.httpClient.Do(request)
	if doErr != nil {
		return false, fmt.Errorf("call siteverify: %w", doErr)
	}
	defer func() {
		_ = response.Body.Close()
	}()

	var result verificationResult
	if decodeErr := json.NewDecoder(response.Body).Decode(&result); decodeErr != nil {
		return false, fmt.Errorf("decode siteverify response: %w", decodeErr)
	}

	return result.Success, nil
}
