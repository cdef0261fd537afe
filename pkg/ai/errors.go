package ai

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"google.golang.org/genai"
)

// Category is the user-facing class of a gateway failure.
type Category string

const (
	CategoryConfigMissing Category = "config_missing"
	CategoryRateLimited   Category = "rate_limited"
	CategoryEntitlement   Category = "entitlement"
	CategoryMalformed     Category = "malformed"
	CategoryGeneric       Category = "generic"
)

const (
	MessageConfigMissing = "API key is not configured. Set GEMINI_API_KEY and restart the service."
	MessageRateLimited   = "Rate limit reached. Please wait a moment and try again."
	MessageEntitlement   = "Your API key does not have access to this model. Please select a different key."
	MessageMalformed     = "The request was rejected. Check that the selected model supports the enabled features."
	messageGenericPrefix = "Something went wrong: "

	// SafetyNotice is appended to a streamed answer cut short by safety filters.
	SafetyNotice = "\n\n[Response blocked by safety filters]"

	maxErrorDetail = 200
)

// statusToken finds an HTTP status quoted in error text as a whole number,
// so ports and durations such as ":4290" or "4003ms" do not match.
var statusToken = regexp.MustCompile(`\b(400|401|403|429)\b`)

// Classify maps a gateway error to a category. Status codes from the SDK take
// precedence; otherwise the error text is matched.
func Classify(err error) Category {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrNotConfigured) {
		return CategoryConfigMissing
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return CategoryRateLimited
		case apiErr.Code == http.StatusUnauthorized, apiErr.Code == http.StatusForbidden:
			return CategoryEntitlement
		case apiErr.Code == http.StatusNotFound && strings.Contains(apiErr.Message, "Requested entity was not found"):
			return CategoryEntitlement
		case apiErr.Code == http.StatusBadRequest && !strings.Contains(strings.ToLower(apiErr.Message), "api key not valid"):
			return CategoryMalformed
		}
	}
	text := strings.ToLower(err.Error())
	status := statusToken.FindString(text)
	switch {
	case status == "429" || containsAny(text, "resource_exhausted", "quota", "rate limit"):
		return CategoryRateLimited
	case status == "401" || status == "403" || containsAny(text, "api key not valid", "permission_denied", "permission denied", "requested entity was not found"):
		return CategoryEntitlement
	case status == "400" || containsAny(text, "invalid_argument", "not supported", "unsupported"):
		return CategoryMalformed
	default:
		return CategoryGeneric
	}
}

// UserMessage renders the terminal chat text shown for a failed turn.
func UserMessage(err error) string {
	switch Classify(err) {
	case "":
		return ""
	case CategoryConfigMissing:
		return MessageConfigMissing
	case CategoryRateLimited:
		return MessageRateLimited
	case CategoryEntitlement:
		return MessageEntitlement
	case CategoryMalformed:
		return MessageMalformed
	default:
		detail := []rune(strings.TrimSpace(err.Error()))
		if len(detail) > maxErrorDetail {
			detail = detail[:maxErrorDetail]
		}
		return messageGenericPrefix + string(detail)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
