package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/contact_svc/internal/antispam"
	"github.com/MarkoPoloResearchLab/contact_svc/internal/contact"
	"github.com/MarkoPoloResearchLab/contact_svc/internal/mailer"
)

// ContactRoute is the only path that accepts submissions.
const ContactRoute = "/api/contact"

const (
	clientAddressHeader     = "CF-Connecting-IP"
	unknownClientAddress    = "unknown"
	turnstileTokenFormAlias = "cf-turnstile-response"

	contentTypeJSON             = "application/json"
	maxMultipartFormMemoryBytes = 1 << 20

	errorMessageInvalidBody        = "Invalid request body."
	errorMessageMethodNotAllowed   = "Method not allowed."
	errorMessageRateLimited        = "Too many requests. Please try again shortly."
	errorMessageMissingSecret      = "Server configuration missing Turnstile secret."
	errorMessageVerificationFailed = "Anti-spam verification failed. Please try again."
	errorMessageDeliveryFailed     = "Email delivery failed."

	emailBodyBanner         = "New contact form submission"
	notAvailablePlaceholder = "n/a"

	// DefaultSubjectPrefix opens the subject line of every outbound message.
	DefaultSubjectPrefix = "LQVE Contact"
)

var knownFormFields = []string{
	contact.FieldName,
	contact.FieldCompany,
	contact.FieldContact,
	contact.FieldPosition,
	contact.FieldMessage,
	contact.FieldWebsite,
	contact.FieldSource,
	contact.FieldReferrer,
	contact.FieldTurnstileToken,
}

// Config carries the server-side settings the pipeline needs. It is injected
// at construction so tests can run the handlers with fakes.
type Config struct {
	DestinationAddress string
	FromAddress        string
	ReplyToAddress     string
	SubjectPrefix      string
	TurnstileSecret    string
	CaptchaEnabled     bool
	HoneypotEnabled    bool
	ContactField       string
}

// RateLimiter reports whether a client address has exhausted its window.
type RateLimiter interface {
	Limited(ctx context.Context, clientAddress string) bool
}

// ContactHandlers runs the submission pipeline: parse, validate, honeypot,
// rate limit, captcha, compose and send.
type ContactHandlers struct {
	logger        *zap.Logger
	configuration Config
	limiter       RateLimiter
	verifier      antispam.Verifier
	gateway       mailer.Gateway
	clock         func() time.Time
}

// NewContactHandlers wires the pipeline with its collaborators. A nil
// limiter never limits and a nil gateway silently accepts mail.
func NewContactHandlers(logger *zap.Logger, configuration Config, limiter RateLimiter, verifier antispam.Verifier, gateway mailer.Gateway) *ContactHandlers {
	if strings.TrimSpace(configuration.SubjectPrefix) == "" {
		configuration.SubjectPrefix = DefaultSubjectPrefix
	}
	return &ContactHandlers{
		logger:        logger,
		configuration: configuration,
		limiter:       limiter,
		verifier:      verifier,
		gateway:       mailer.ResolveGateway(gateway),
		clock:         time.Now,
	}
}

// WithClock overrides the time source.
func (handlers *ContactHandlers) WithClock(clock func() time.Time) *ContactHandlers {
	handlers.clock = clock
	return handlers
}

// SubmitContact handles one submission. Each step is attempted once; the
// first failing step terminates the request with its status code.
func (handlers *ContactHandlers) SubmitContact(ginContext *gin.Context) {
	clientAddress := resolveClientAddress(ginContext)

	raw, parseErr := parseSubmissionBody(ginContext)
	if parseErr != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{"error": errorMessageInvalidBody})
		return
	}

	submission, validationErr := contact.Validate(raw, contact.Options{
		RequireToken: handlers.configuration.CaptchaEnabled,
		ContactField: handlers.configuration.ContactField,
	})
	if validationErr != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Error()})
		return
	}

	// A filled honeypot is answered exactly like a success so automated
	// submitters learn nothing. No collaborator is invoked.
	if handlers.configuration.HoneypotEnabled && submission.Website != "" {
		ginContext.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	requestContext := ginContext.Request.Context()

	if handlers.limiter != nil && handlers.limiter.Limited(requestContext, clientAddress) {
		ginContext.JSON(http.StatusTooManyRequests, gin.H{"error": errorMessageRateLimited})
		return
	}

	if handlers.configuration.CaptchaEnabled {
		if handlers.configuration.TurnstileSecret == "" {
			ginContext.JSON(http.StatusInternalServerError, gin.H{"error": errorMessageMissingSecret})
			return
		}
		if !handlers.tokenVerified(requestContext, submission.TurnstileToken, clientAddress) {
			ginContext.JSON(http.StatusBadRequest, gin.H{"error": errorMessageVerificationFailed})
			return
		}
	}

	now := handlers.clock()
	rawMessage := mailer.BuildRawMessage(mailer.MessageInput{
		From:    handlers.configuration.FromAddress,
		To:      handlers.configuration.DestinationAddress,
		Subject: handlers.configuration.SubjectPrefix + " | " + submission.Name + " (" + submission.Company + ")",
		Body:    composeMessageBody(submission, clientAddress, now),
		ReplyTo: handlers.configuration.ReplyToAddress,
	}, now)

	if sendErr := handlers.gateway.Send(requestContext, handlers.configuration.FromAddress, handlers.configuration.DestinationAddress, rawMessage); sendErr != nil {
		handlers.logger.Warn("email_send_failed", zap.Error(sendErr), zap.String("ip", clientAddress))
		ginContext.JSON(http.StatusBadGateway, gin.H{"error": errorMessageDeliveryFailed, "details": sendErr.Error()})
		return
	}

	ginContext.JSON(http.StatusOK, gin.H{"ok": true})
}

// PreflightContact answers OPTIONS with the allowed methods and headers.
func (handlers *ContactHandlers) PreflightContact(ginContext *gin.Context) {
	ginContext.Header("Access-Control-Allow-Methods", "POST, OPTIONS")
	ginContext.Header("Access-Control-Allow-Headers", "Content-Type")
	ginContext.Status(http.StatusNoContent)
}

func (handlers *ContactHandlers) tokenVerified(ctx context.Context, token string, clientAddress string) bool {
	if handlers.verifier == nil {
		return false
	}
	verified, verifyErr := handlers.verifier.Verify(ctx, handlers.configuration.TurnstileSecret, token, clientAddress)
	if verifyErr != nil {
		// A verifier outage and an invalid token answer the same way.
		handlers.logger.Warn("turnstile_verification_failed", zap.Error(verifyErr), zap.String("ip", clientAddress))
		return false
	}
	return verified
}

func resolveClientAddress(ginContext *gin.Context) string {
	if headerValue := strings.TrimSpace(ginContext.GetHeader(clientAddressHeader)); headerValue != "" {
		return headerValue
	}
	if peerAddress := strings.TrimSpace(ginContext.ClientIP()); peerAddress != "" {
		return peerAddress
	}
	return unknownClientAddress
}

func parseSubmissionBody(ginContext *gin.Context) (contact.Raw, error) {
	if strings.Contains(ginContext.ContentType(), contentTypeJSON) {
		return parseJSONSubmissionBody(ginContext)
	}
	return parseFormSubmissionBody(ginContext)
}

func parseJSONSubmissionBody(ginContext *gin.Context) (contact.Raw, error) {
	var payload map[string]any
	if decodeErr := json.NewDecoder(ginContext.Request.Body).Decode(&payload); decodeErr != nil {
		return nil, decodeErr
	}
	raw := contact.Raw{}
	for fieldName, fieldValue := range payload {
		raw[fieldName] = coerceToText(fieldValue)
	}
	return raw, nil
}

func parseFormSubmissionBody(ginContext *gin.Context) (contact.Raw, error) {
	parseErr := ginContext.Request.ParseMultipartForm(maxMultipartFormMemoryBytes)
	if parseErr != nil && !errors.Is(parseErr, http.ErrNotMultipart) {
		return nil, parseErr
	}
	raw := contact.Raw{}
	for _, fieldName := range knownFormFields {
		raw[fieldName] = ginContext.Request.FormValue(fieldName)
	}
	if aliasValue := ginContext.Request.FormValue(turnstileTokenFormAlias); aliasValue != "" {
		raw[contact.FieldTurnstileToken] = aliasValue
	}
	return raw, nil
}

func coerceToText(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	default:
		return ""
	}
}

func composeMessageBody(submission contact.Submission, clientAddress string, receivedAt time.Time) string {
	lines := []string{
		emailBodyBanner,
		"",
		"Name: " + submission.Name,
		"Company: " + submission.Company,
		"Email/Contact: " + submission.Contact,
		"",
		"Message:",
		submission.Message,
		"",
		"Source URL: " + valueOrPlaceholder(submission.Source),
		"Referrer: " + valueOrPlaceholder(submission.Referrer),
		"IP: " + clientAddress,
		"Received at: " + receivedAt.UTC().Format(time.RFC3339),
	}
	return strings.Join(lines, "\n")
}

func valueOrPlaceholder(value string) string {
	if value == "" {
		return notAvailablePlaceholder
	}
	return value
}
