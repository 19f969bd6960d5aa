package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/contact_svc/internal/httpapi"
	"github.com/MarkoPoloResearchLab/contact_svc/internal/ratelimit"
)

var submissionReceivedAt = time.Date(2026, time.March, 14, 9, 26, 53, 0, time.UTC)

type fakeLimiter struct {
	calls   int
	limited bool
}

func (limiter *fakeLimiter) Limited(ctx context.Context, clientAddress string) bool {
	limiter.calls++
	return limiter.limited
}

type fakeVerifier struct {
	calls        int
	verified     bool
	verifyErr    error
	lastSecret   string
	lastToken    string
	lastRemoteIP string
}

func (verifier *fakeVerifier) Verify(ctx context.Context, secret string, token string, remoteIP string) (bool, error) {
	verifier.calls++
	verifier.lastSecret = secret
	verifier.lastToken = token
	verifier.lastRemoteIP = remoteIP
	return verifier.verified, verifier.verifyErr
}

type fakeGateway struct {
	calls    int
	sendErr  error
	lastFrom string
	lastTo   string
	lastRaw  string
}

func (gateway *fakeGateway) Send(ctx context.Context, from string, to string, rawMessage string) error {
	gateway.calls++
	gateway.lastFrom = from
	gateway.lastTo = to
	gateway.lastRaw = rawMessage
	return gateway.sendErr
}

type pipelineHarness struct {
	router   *gin.Engine
	limiter  *fakeLimiter
	verifier *fakeVerifier
	gateway  *fakeGateway
}

func richVariantConfig() httpapi.Config {
	return httpapi.Config{
		DestinationAddress: "business@lqve.solutions",
		FromAddress:        "no-reply@lqve.solutions",
		ReplyToAddress:     "business@lqve.solutions",
		TurnstileSecret:    "secret-1",
		CaptchaEnabled:     true,
		HoneypotEnabled:    true,
	}
}

func buildPipelineHarness(testingT *testing.T, configuration httpapi.Config) *pipelineHarness {
	testingT.Helper()
	gin.SetMode(gin.TestMode)

	limiter := &fakeLimiter{}
	verifier := &fakeVerifier{verified: true}
	gateway := &fakeGateway{}

	handlers := httpapi.NewContactHandlers(zap.NewNop(), configuration, limiter, verifier, gateway).
		WithClock(func() time.Time { return submissionReceivedAt })
	router := httpapi.NewRouter(zap.NewNop(), handlers)

	return &pipelineHarness{
		router:   router,
		limiter:  limiter,
		verifier: verifier,
		gateway:  gateway,
	}
}

func validSubmissionPayload() map[string]any {
	return map[string]any{
		"name":           "Ada Lovelace",
		"company":        "Analytical Engines Ltd",
		"contact":        "ada@example.com",
		"message":        "We would like a demo.",
		"turnstileToken": "tok-123",
	}
}

func performJSONRequest(testingT *testing.T, router *gin.Engine, method string, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	testingT.Helper()
	var requestBody io.Reader
	if body != nil {
		encoded, encodeErr := json.Marshal(body)
		require.NoError(testingT, encodeErr)
		requestBody = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, requestBody)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for name, value := range headers {
		request.Header.Set(name, value)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func performFormRequest(testingT *testing.T, router *gin.Engine, fields url.Values) *httptest.ResponseRecorder {
	testingT.Helper()
	request := httptest.NewRequest(http.MethodPost, httpapi.ContactRoute, strings.NewReader(fields.Encode()))
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func decodeResponseBody(testingT *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	testingT.Helper()
	var decoded map[string]any
	require.NoError(testingT, json.Unmarshal(recorder.Body.Bytes(), &decoded))
	return decoded
}

func TestValidSubmissionDispatchesOneEmail(t *testing.T) {
	harness := buildPipelineHarness(t, richVariantConfig())

	response := performJSONRequest(t, harness.router, http.MethodPost, httpapi.ContactRoute, validSubmissionPayload(), map[string]string{"CF-Connecting-IP": "203.0.113.7"})

	require.Equal(t, http.StatusOK, response.Code)
	require.Contains(t, response.Header().Get("Content-Type"), "application/json")
	require.Equal(t, map[string]any{"ok": true}, decodeResponseBody(t, response))

	require.Equal(t, 1, harness.gateway.calls)
	require.Equal(t, "business@lqve.solutions", harness.gateway.lastTo)
	require.Equal(t, "no-reply@lqve.solutions", harness.gateway.lastFrom)
	require.Contains(t, harness.gateway.lastRaw, "Subject: LQVE Contact | Ada Lovelace (Analytical Engines Ltd)")
	require.Contains(t, harness.gateway.lastRaw, "Email/Contact: ada@example.com")
	require.Contains(t, harness.gateway.lastRaw, "IP: 203.0.113.7")
	require.Contains(t, harness.gateway.lastRaw, "Received at: 2026-03-14T09:26:53Z")
	require.Contains(t, harness.gateway.lastRaw, "Source URL: n/a")

	require.Equal(t, 1, harness.verifier.calls)
	require.Equal(t, "secret-1", harness.verifier.lastSecret)
	require.Equal(t, "tok-123", harness.verifier.lastToken)
	require.Equal(t, "203.0.113.7", harness.verifier.lastRemoteIP)
}

func TestMissingRequiredFieldRejectedWithGenericError(t *testing.T) {
	harness := buildPipelineHarness(t, richVariantConfig())
	payload := validSubmissionPayload()
	delete(payload, "message")

	response := performJSONRequest(t, harness.router, http.MethodPost, httpapi.ContactRoute, payload, nil)

	require.Equal(t, http.StatusBadRequest, response.Code)
	require.Equal(t, map[string]any{"error": "All fields are required."}, decodeResponseBody(t, response))
	require.Zero(t, harness.limiter.calls)
	require.Zero(t, harness.verifier.calls)
	require.Zero(t, harness.gateway.calls)
}

func TestHoneypotSubmissionLooksLikeSuccessAndTouchesNothing(t *testing.T) {
	harness := buildPipelineHarness(t, richVariantConfig())
	payload := validSubmissionPayload()
	payload["website"] = "http://spam.example"

	response := performJSONRequest(t, harness.router, http.MethodPost, httpapi.ContactRoute, payload, nil)

	require.Equal(t, http.StatusOK, response.Code)
	require.Equal(t, map[string]any{"ok": true}, decodeResponseBody(t, response))
	require.Zero(t, harness.limiter.calls)
	require.Zero(t, harness.verifier.calls)
	require.Zero(t, harness.gateway.calls)
}

func TestRateLimitedSubmissionRejected(t *testing.T) {
	harness := buildPipelineHarness(t, richVariantConfig())
	harness.limiter.limited = true

	response := performJSONRequest(t, harness.router, http.MethodPost, httpapi.ContactRoute, validSubmissionPayload(), nil)

	require.Equal(t, http.StatusTooManyRequests, response.Code)
	require.Equal(t, map[string]any{"error": "Too many requests. Please try again shortly."}, decodeResponseBody(t, response))
	require.Zero(t, harness.verifier.calls)
	require.Zero(t, harness.gateway.calls)
}

type counterStoreEntry struct {
	value string
}

type memoryCounterStore struct {
	entries map[string]counterStoreEntry
}

func (store *memoryCounterStore) Get(ctx context.Context, key string) (string, error) {
	return store.entries[key].value, nil
}

func (store *memoryCounterStore) Put(ctx context.Context, key string, value string, timeToLive time.Duration) error {
	store.entries[key] = counterStoreEntry{value: value}
	return nil
}

func TestSixthRequestInWindowIsRejected(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := &memoryCounterStore{entries: map[string]counterStoreEntry{}}
	limiter := ratelimit.NewFixedWindowLimiter(store, 600*time.Second, 5, zap.NewNop()).
		WithClock(func() time.Time { return submissionReceivedAt })
	verifier := &fakeVerifier{verified: true}
	gateway := &fakeGateway{}
	handlers := httpapi.NewContactHandlers(zap.NewNop(), richVariantConfig(), limiter, verifier, gateway).
		WithClock(func() time.Time { return submissionReceivedAt })
	router := httpapi.NewRouter(zap.NewNop(), handlers)

	headers := map[string]string{"CF-Connecting-IP": "203.0.113.7"}
	for requestIndex := 0; requestIndex < 5; requestIndex++ {
		response := performJSONRequest(t, router, http.MethodPost, httpapi.ContactRoute, validSubmissionPayload(), headers)
		require.Equal(t, http.StatusOK, response.Code)
	}

	response := performJSONRequest(t, router, http.MethodPost, httpapi.ContactRoute, validSubmissionPayload(), headers)
	require.Equal(t, http.StatusTooManyRequests, response.Code)
	require.Equal(t, 5, gateway.calls)
}

func TestMissingTurnstileSecretIsConfigurationFault(t *testing.T) {
	configuration := richVariantConfig()
	configuration.TurnstileSecret = ""
	harness := buildPipelineHarness(t, configuration)

	response := performJSONRequest(t, harness.router, http.MethodPost, httpapi.ContactRoute, validSubmissionPayload(), nil)

	require.Equal(t, http.StatusInternalServerError, response.Code)
	require.Equal(t, map[string]any{"error": "Server configuration missing Turnstile secret."}, decodeResponseBody(t, response))
	require.Zero(t, harness.verifier.calls)
	require.Zero(t, harness.gateway.calls)
}

func TestRejectedTokenAndVerifierOutageAnswerIdentically(t *testing.T) {
	rejected := buildPipelineHarness(t, richVariantConfig())
	rejected.verifier.verified = false
	rejectedResponse := performJSONRequest(t, rejected.router, http.MethodPost, httpapi.ContactRoute, validSubmissionPayload(), nil)

	outage := buildPipelineHarness(t, richVariantConfig())
	outage.verifier.verifyErr = errors.New("siteverify unreachable")
	outageResponse := performJSONRequest(t, outage.router, http.MethodPost, httpapi.ContactRoute, validSubmissionPayload(), nil)

	require.Equal(t, http.StatusBadRequest, rejectedResponse.Code)
	require.Equal(t, http.StatusBadRequest, outageResponse.Code)
	require.Equal(t, rejectedResponse.Body.String(), outageResponse.Body.String())
	require.Equal(t, map[string]any{"error": "Anti-spam verification failed. Please try again."}, decodeResponseBody(t, rejectedResponse))
	require.Zero(t, rejected.gateway.calls)
	require.Zero(t, outage.gateway.calls)
}

func TestDeliveryFaultSurfacesDetails(t *testing.T) {
	harness := buildPipelineHarness(t, richVariantConfig())
	harness.gateway.sendErr = errors.New("quota exceeded")

	response := performJSONRequest(t, harness.router, http.MethodPost, httpapi.ContactRoute, validSubmissionPayload(), nil)

	require.Equal(t, http.StatusBadGateway, response.Code)
	require.Equal(t, map[string]any{
		"error":   "Email delivery failed.",
		"details": "quota exceeded",
	}, decodeResponseBody(t, response))
	require.Equal(t, 1, harness.gateway.calls)
}

func TestMalformedJSONBodyRejected(t *testing.T) {
	harness := buildPipelineHarness(t, richVariantConfig())

	request := httptest.NewRequest(http.MethodPost, httpapi.ContactRoute, strings.NewReader("{not json"))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Equal(t, map[string]any{"error": "Invalid request body."}, decodeResponseBody(t, recorder))
}

func TestFormEncodedSubmissionAcceptsTokenAlias(t *testing.T) {
	harness := buildPipelineHarness(t, richVariantConfig())

	fields := url.Values{}
	fields.Set("name", "Ada Lovelace")
	fields.Set("company", "Analytical Engines Ltd")
	fields.Set("contact", "ada@example.com")
	fields.Set("message", "We would like a demo.")
	fields.Set("cf-turnstile-response", "alias-token")

	response := performFormRequest(t, harness.router, fields)

	require.Equal(t, http.StatusOK, response.Code)
	require.Equal(t, 1, harness.verifier.calls)
	require.Equal(t, "alias-token", harness.verifier.lastToken)
	require.Equal(t, 1, harness.gateway.calls)
}

func TestSubjectInjectionNeutralizedEndToEnd(t *testing.T) {
	harness := buildPipelineHarness(t, richVariantConfig())
	payload := validSubmissionPayload()
	payload["name"] = "Ada\r\nBcc: evil@x"

	response := performJSONRequest(t, harness.router, http.MethodPost, httpapi.ContactRoute, payload, nil)

	require.Equal(t, http.StatusOK, response.Code)
	headerSection := strings.SplitN(harness.gateway.lastRaw, "\r\n\r\n", 2)[0]
	require.NotContains(t, headerSection, "Bcc: evil@x\r\n")
	require.Contains(t, headerSection, "Subject: LQVE Contact | Ada Bcc: evil@x")
}

func TestCaptchaDisabledVariantSkipsTokenAndVerifier(t *testing.T) {
	configuration := richVariantConfig()
	configuration.CaptchaEnabled = false
	configuration.TurnstileSecret = ""
	harness := buildPipelineHarness(t, configuration)

	payload := validSubmissionPayload()
	delete(payload, "turnstileToken")

	response := performJSONRequest(t, harness.router, http.MethodPost, httpapi.ContactRoute, payload, nil)

	require.Equal(t, http.StatusOK, response.Code)
	require.Zero(t, harness.verifier.calls)
	require.Equal(t, 1, harness.gateway.calls)
}

func TestPositionFieldVariant(t *testing.T) {
	configuration := richVariantConfig()
	configuration.ContactField = "position"
	harness := buildPipelineHarness(t, configuration)

	payload := validSubmissionPayload()
	delete(payload, "contact")
	payload["position"] = "CTO"

	response := performJSONRequest(t, harness.router, http.MethodPost, httpapi.ContactRoute, payload, nil)

	require.Equal(t, http.StatusOK, response.Code)
	require.Contains(t, harness.gateway.lastRaw, "Email/Contact: CTO")
}

func TestPreflightRequestAnswered(t *testing.T) {
	harness := buildPipelineHarness(t, richVariantConfig())

	request := httptest.NewRequest(http.MethodOptions, httpapi.ContactRoute, nil)
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusNoContent, recorder.Code)
	require.Equal(t, "POST, OPTIONS", recorder.Header().Get("Access-Control-Allow-Methods"))
	require.Equal(t, "Content-Type", recorder.Header().Get("Access-Control-Allow-Headers"))
}

func TestUnknownPathYieldsPlainTextNotFound(t *testing.T) {
	harness := buildPipelineHarness(t, richVariantConfig())

	response := performJSONRequest(t, harness.router, http.MethodPost, "/api/other", validSubmissionPayload(), nil)

	require.Equal(t, http.StatusNotFound, response.Code)
	require.Equal(t, "Not Found", response.Body.String())
}

func TestUnsupportedMethodYieldsMethodNotAllowed(t *testing.T) {
	harness := buildPipelineHarness(t, richVariantConfig())

	response := performJSONRequest(t, harness.router, http.MethodGet, httpapi.ContactRoute, nil, nil)

	require.Equal(t, http.StatusMethodNotAllowed, response.Code)
	require.Equal(t, map[string]any{"error": "Method not allowed."}, decodeResponseBody(t, response))
}
