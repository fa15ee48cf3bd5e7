package validation

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// IdentifierRegex validates session and segment identifiers. They become
	// directory and file names on disk, so path separators and dots are rejected.
	IdentifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// ContentTypeRegex validates a media type such as video/webm;codecs=vp9
	ContentTypeRegex = regexp.MustCompile(`^[a-z]+/[a-zA-Z0-9.+-]+(\s*;\s*[a-zA-Z0-9_-]+=[^;]+)*$`)
)

const maxIdentifierLength = 128

func validateIdentifier(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if len(id) > maxIdentifierLength {
		return fmt.Errorf("%s is too long (max %d characters)", kind, maxIdentifierLength)
	}
	if !IdentifierRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format (only letters, numbers, _, - allowed)", kind)
	}
	return nil
}

// ValidateSessionID validates a recording session identifier
func ValidateSessionID(sessionID string) error {
	return validateIdentifier("session ID", sessionID)
}

// ValidateSegmentID validates a local segment identifier
func ValidateSegmentID(segmentID string) error {
	return validateIdentifier("segment ID", segmentID)
}

// ValidateContentType validates the media type a segment is uploaded with
func ValidateContentType(contentType string) error {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return fmt.Errorf("content type is required")
	}
	if !ContentTypeRegex.MatchString(contentType) {
		return fmt.Errorf("invalid content type %q", contentType)
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateUploadURL validates a presigned destination: only http(s) is accepted.
func ValidateUploadURL(urlStr string) error {
	if err := ValidateURL(urlStr); err != nil {
		return err
	}
	if !strings.HasPrefix(urlStr, "http://") && !strings.HasPrefix(urlStr, "https://") {
		return fmt.Errorf("upload URL must use http or https")
	}
	return nil
}

// ValidateCoordinate rejects NaN and infinite pointer coordinates
func ValidateCoordinate(v float64, fieldName string) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s must be a finite number", fieldName)
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
