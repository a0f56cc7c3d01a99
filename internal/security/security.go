// Package security validates URLs and user-supplied identifiers before they
// reach the filesystem or a subprocess.
package security

import (
	"net"
	"net/url"
	"strings"
	"unicode"

	"aperio/internal/apperr"
)

// Validator enforces the URL allow-list and the filename-safety rules for
// job ids and templates.
type Validator struct {
	allowedDomains   []string
	maxURLLength     int
	maxFileSizeBytes int64
}

// NewValidator builds a validator from the configured limits. maxFileSizeMB
// is carried here so stages can ask for the byte limit alongside URL checks.
func NewValidator(allowedDomains []string, maxFileSizeMB int64, maxURLLength int) *Validator {
	return &Validator{
		allowedDomains:   allowedDomains,
		maxURLLength:     maxURLLength,
		maxFileSizeBytes: maxFileSizeMB * 1024 * 1024,
	}
}

// MaxFileSize returns the download size cap in bytes.
func (v *Validator) MaxFileSize() int64 {
	return v.maxFileSizeBytes
}

// ValidateURL runs the full security check battery and returns the parsed
// URL on success.
func (v *Validator) ValidateURL(rawURL string) (*url.URL, error) {
	if len(rawURL) > v.maxURLLength {
		return nil, apperr.New(apperr.Download, "URL too long: %d characters (max: %d)", len(rawURL), v.maxURLLength)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperr.New(apperr.Download, "Invalid URL format: %v", err)
	}

	if u.Scheme != "https" {
		return nil, apperr.New(apperr.Download, "Only HTTPS URLs are allowed for security reasons")
	}

	host := u.Hostname()
	if host == "" {
		return nil, apperr.New(apperr.Download, "URL must have a valid host")
	}

	if err := v.validateHost(host); err != nil {
		return nil, err
	}

	if !v.isDomainAllowed(host) {
		return nil, apperr.New(apperr.Download, "Domain '%s' is not in the allowed domains list: %s",
			host, strings.Join(v.allowedDomains, ", "))
	}

	if err := validateURLPatterns(u); err != nil {
		return nil, err
	}

	return u, nil
}

// ValidateInput rejects over-long values, NUL bytes and control characters.
// Values named "job_id" additionally go through ValidateJobID.
func (v *Validator) ValidateInput(input, fieldName string, maxLength int) error {
	if len(input) > maxLength {
		return apperr.New(apperr.BadRequest, "%s too long: %d characters (max: %d)", fieldName, len(input), maxLength)
	}
	if strings.ContainsRune(input, 0) {
		return apperr.New(apperr.BadRequest, "%s contains null bytes", fieldName)
	}
	for _, r := range input {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return apperr.New(apperr.BadRequest, "%s contains invalid control characters", fieldName)
		}
	}
	if fieldName == "job_id" {
		return ValidateJobID(input)
	}
	return nil
}

// ValidateJobID enforces [A-Za-z0-9_-]{1,100} so ids are safe in filenames.
func ValidateJobID(jobID string) error {
	if strings.Contains(jobID, "..") || strings.ContainsAny(jobID, "/\\") {
		return apperr.New(apperr.BadRequest, "Job ID contains invalid path characters")
	}
	for _, r := range jobID {
		if !isSafeIDRune(r) {
			return apperr.New(apperr.BadRequest, "Job ID contains invalid characters")
		}
	}
	if jobID == "" || len(jobID) > 100 {
		return apperr.New(apperr.BadRequest, "Job ID must be between 1 and 100 characters")
	}
	return nil
}

func isSafeIDRune(r rune) bool {
	return r == '-' || r == '_' ||
		(r >= '0' && r <= '9') ||
		(r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z')
}

func (v *Validator) validateHost(host string) error {
	if ip := net.ParseIP(host); ip != nil {
		return validateIP(ip)
	}

	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") || strings.HasSuffix(lower, ".local") {
		return apperr.New(apperr.Download, "Access to localhost/local domains is not allowed")
	}
	if strings.HasSuffix(lower, ".internal") || strings.HasSuffix(lower, ".intranet") || strings.Contains(lower, "internal.") {
		return apperr.New(apperr.Download, "Access to internal domains is not allowed")
	}
	return nil
}

var (
	cgnRange = mustCIDR("100.64.0.0/10")
	ulaRange = mustCIDR("fc00::/7")
)

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

func validateIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return apperr.New(apperr.Download, "Access to loopback addresses is not allowed")
	case ip.IsUnspecified():
		return apperr.New(apperr.Download, "Access to unspecified addresses is not allowed")
	case ip.IsMulticast():
		return apperr.New(apperr.Download, "Access to multicast addresses is not allowed")
	case ip.IsLinkLocalUnicast():
		return apperr.New(apperr.Download, "Access to link-local addresses is not allowed")
	case ip.IsPrivate():
		if ip.To4() != nil {
			return apperr.New(apperr.Download, "Access to private IP addresses is not allowed")
		}
		return apperr.New(apperr.Download, "Access to unique local addresses is not allowed")
	case cgnRange.Contains(ip):
		return apperr.New(apperr.Download, "Access to CGN addresses is not allowed")
	case ulaRange.Contains(ip):
		return apperr.New(apperr.Download, "Access to unique local addresses is not allowed")
	}
	return nil
}

func (v *Validator) isDomainAllowed(host string) bool {
	for _, domain := range v.allowedDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func validateURLPatterns(u *url.URL) error {
	raw := u.String()

	// '@' in a URL usually means a credential-style redirect trick; the
	// youtube.com exception covers channel handle URLs.
	if strings.Contains(raw, "@") && !strings.Contains(raw, "youtube.com") {
		return apperr.New(apperr.Download, "URLs with @ symbols are not allowed (potential redirect attack)")
	}

	if strings.Contains(raw, "%2F") || strings.Contains(raw, "%5C") {
		return apperr.New(apperr.Download, "URLs with encoded slashes are not allowed")
	}

	for _, segment := range strings.Split(u.Path, "/") {
		if strings.Contains(segment, "..") {
			return apperr.New(apperr.Download, "URLs with path traversal patterns are not allowed")
		}
	}

	return nil
}
