package shared

import (
	"net/url"
	"strings"
)

// ValidateURL accepts absolute http(s) URLs with a host.
func ValidateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return &ValidationError{Field: "url", Message: err.Error()}
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return &ValidationError{Field: "url", Message: "scheme must be http or https"}
	}

	if parsed.Host == "" {
		return &ValidationError{Field: "url", Message: "host is required"}
	}

	return nil
}

// SanitizeURL trims whitespace and defaults a bare host to https.
func SanitizeURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return rawURL
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}
	return rawURL
}

// NormalizeURL sanitizes rawURL and validates the result.
func NormalizeURL(rawURL string) (string, error) {
	clean := SanitizeURL(rawURL)
	if err := ValidateURL(clean); err != nil {
		return "", err
	}
	return clean, nil
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
