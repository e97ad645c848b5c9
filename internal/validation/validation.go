package validation

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/agentplatform/stack-agent-manager/internal/errdefs"
)

const (
	// MaxDNSLabelLength is the Kubernetes limit for namespace and service names.
	MaxDNSLabelLength = 63
	// MaxDisplayNameLength bounds stack and agent display names.
	MaxDisplayNameLength = 255
	// MaxDescriptionLength bounds free text descriptions.
	MaxDescriptionLength = 2000
)

var (
	// dnsLabelRegex matches RFC 1123 labels as used for Kubernetes names
	dnsLabelRegex = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

	// ErrInvalidURL is returned when a URL is invalid
	ErrInvalidURL = fmt.Errorf("%w: invalid URL", errdefs.ErrValidation)

	// ErrInvalidName is returned when a name is invalid
	ErrInvalidName = fmt.Errorf("%w: invalid name", errdefs.ErrValidation)

	// ErrInvalidDescription is returned when a description is too long or not UTF-8
	ErrInvalidDescription = fmt.Errorf("%w: invalid description", errdefs.ErrValidation)

	// ErrNotZip is returned when an upload does not carry a .zip filename
	ErrNotZip = fmt.Errorf("%w: only .zip files are allowed", errdefs.ErrValidation)
)

// ValidateDNSLabel checks that name can be used as a Kubernetes namespace or
// service name: lowercase alphanumerics or '-', starting and ending with an
// alphanumeric, at most 63 characters.
func ValidateDNSLabel(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if len(name) > MaxDNSLabelLength {
		return fmt.Errorf("%w: %q must be no more than %d characters", ErrInvalidName, name, MaxDNSLabelLength)
	}
	if !dnsLabelRegex.MatchString(name) {
		return fmt.Errorf("%w: %q must consist of lowercase alphanumeric characters or '-', and must start and end with an alphanumeric character", ErrInvalidName, name)
	}
	return nil
}

// ValidateDisplayName checks a user supplied stack or agent name and returns
// it trimmed.
func ValidateDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if !utf8.ValidString(name) {
		return "", fmt.Errorf("%w: name must be valid UTF-8", ErrInvalidName)
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return "", fmt.Errorf("%w: name must be no more than %d characters", ErrInvalidName, MaxDisplayNameLength)
	}
	if strings.ContainsAny(name, "\x00\r\n") {
		return "", fmt.Errorf("%w: name must not contain control characters", ErrInvalidName)
	}
	return name, nil
}

// ValidateDescription checks an optional description. Nil is valid.
func ValidateDescription(desc *string) error {
	if desc == nil {
		return nil
	}
	if !utf8.ValidString(*desc) {
		return fmt.Errorf("%w: must be valid UTF-8", ErrInvalidDescription)
	}
	if utf8.RuneCountInString(*desc) > MaxDescriptionLength {
		return fmt.Errorf("%w: must be no more than %d characters", ErrInvalidDescription, MaxDescriptionLength)
	}
	return nil
}

// ValidateArchiveFilename checks that an uploaded file is named like a zip archive.
func ValidateArchiveFilename(filename string) error {
	if filename == "" {
		return fmt.Errorf("%w: file is required", errdefs.ErrValidation)
	}
	if !strings.EqualFold(filepath.Ext(filename), ".zip") {
		return ErrNotZip
	}
	return nil
}

// ValidateURL checks that urlStr is an absolute http or https URL.
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("%w: URL cannot be empty", ErrInvalidURL)
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %q has no host", ErrInvalidURL, urlStr)
	}

	return nil
}

// ValidateHost checks an ingress host name: dot separated DNS labels.
func ValidateHost(host string) error {
	if host == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidName)
	}
	if len(host) > 253 {
		return fmt.Errorf("%w: host must be no more than 253 characters", ErrInvalidName)
	}
	for _, label := range strings.Split(host, ".") {
		if err := ValidateDNSLabel(label); err != nil {
			return fmt.Errorf("%w: invalid host %q", ErrInvalidName, host)
		}
	}
	return nil
}

// SanitizeName converts a string to a valid Kubernetes label value.
func SanitizeName(name string) string {
	name = strings.ToLower(name)
	var b strings.Builder
	prevDash := false
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			prevDash = false
			continue
		}
		if !prevDash {
			b.WriteRune('-')
			prevDash = true
		}
	}
	result := strings.Trim(b.String(), "-")
	if len(result) > MaxDNSLabelLength {
		result = strings.TrimRight(result[:MaxDNSLabelLength], "-")
	}
	if result == "" {
		return "resource"
	}
	return result
}
