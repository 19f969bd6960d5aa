package contact

import (
	"errors"
	"strings"
)

// Field names recognized in an inbound payload, JSON and form alike.
const (
	FieldName           = "name"
	FieldCompany        = "company"
	FieldContact        = "contact"
	FieldPosition       = "position"
	FieldMessage        = "message"
	FieldWebsite        = "website"
	FieldSource         = "source"
	FieldReferrer       = "referrer"
	FieldTurnstileToken = "turnstileToken"
)

// Per-field maximum lengths, in runes. The caps bound the size of the
// outbound email rather than enforce business rules.
const (
	MaxNameLength     = 120
	MaxCompanyLength  = 120
	MaxContactLength  = 180
	MaxMessageLength  = 4000
	MaxWebsiteLength  = 200
	MaxSourceLength   = 400
	MaxReferrerLength = 400
	MaxTokenLength    = 4000
)

const (
	errorMessageAllFieldsRequired = "All fields are required."
	errorMessageTokenRequired     = "Please complete the anti-spam check."
)

// ErrAllFieldsRequired is returned when any required field is empty after
// sanitization. The message is deliberately generic: the caller is never
// told which field failed.
var ErrAllFieldsRequired = errors.New(errorMessageAllFieldsRequired)

// ErrTokenRequired is returned when the anti-spam token is empty and the
// captcha stage is enabled.
var ErrTokenRequired = errors.New(errorMessageTokenRequired)

// Raw is an unordered mapping of inbound field name to text, one value per
// field, as parsed from either a JSON or a form-encoded request body.
type Raw map[string]string

// Submission is the validated, length-capped projection of a raw payload.
type Submission struct {
	Name           string
	Company        string
	Contact        string
	Message        string
	Website        string
	Source         string
	Referrer       string
	TurnstileToken string
}

// Options select which validation rules apply for the configured pipeline.
type Options struct {
	// RequireToken demands a non-empty anti-spam token.
	RequireToken bool
	// ContactField names the inbound field holding the submitter's contact
	// or role. Empty means FieldContact.
	ContactField string
}

// Clean coerces an absent value to empty text, trims surrounding whitespace,
// and truncates to at most maxLength runes. It never fails.
func Clean(value string, maxLength int) string {
	trimmed := strings.TrimSpace(value)
	if maxLength <= 0 {
		return ""
	}
	runes := []rune(trimmed)
	if len(runes) <= maxLength {
		return trimmed
	}
	return string(runes[:maxLength])
}

// Validate sanitizes every recognized field and checks the presence rules.
// It is pure: no I/O, same input always yields the same result.
func Validate(raw Raw, options Options) (Submission, error) {
	contactField := strings.TrimSpace(options.ContactField)
	if contactField == "" {
		contactField = FieldContact
	}

	submission := Submission{
		Name:           Clean(raw[FieldName], MaxNameLength),
		Company:        Clean(raw[FieldCompany], MaxCompanyLength),
		Contact:        Clean(raw[contactField], MaxContactLength),
		Message:        Clean(raw[FieldMessage], MaxMessageLength),
		Website:        Clean(raw[FieldWebsite], MaxWebsiteLength),
		Source:         Clean(raw[FieldSource], MaxSourceLength),
		Referrer:       Clean(raw[FieldReferrer], MaxReferrerLength),
		TurnstileToken: Clean(raw[FieldTurnstileToken], MaxTokenLength),
	}

	if submission.Name == "" || submission.Company == "" || submission.Contact == "" || submission.Message == "" {
		return Submission{}, ErrAllFieldsRequired
	}

	if options.RequireToken && submission.TurnstileToken == "" {
		return Submission{}, ErrTokenRequired
	}

	return submission, nil
}
