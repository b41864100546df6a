package tls

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// TLSErrorType represents different categories of TLS errors
type TLSErrorType string

const (
	// Admission errors
	ErrorTypeMalformedCertificate TLSErrorType = "malformed_certificate"
	ErrorTypeUntrustedCertificate TLSErrorType = "untrusted_certificate"

	// Trust anchor and key material errors
	ErrorTypeTrustAnchor     TLSErrorType = "trust_anchor"
	ErrorTypeCertificateLoad TLSErrorType = "certificate_load"
	ErrorTypeFileNotFound    TLSErrorType = "file_not_found"

	// Configuration errors
	ErrorTypeConfigValidation TLSErrorType = "config_validation"
)

var (
	// ErrMalformedCertificate matches errors for candidates that are not a
	// parseable PEM X.509 certificate.
	ErrMalformedCertificate = errors.New("malformed certificate")

	// ErrUntrustedCertificate matches errors for certificates that parse but
	// do not chain to the trust anchor under the allowed algorithms.
	ErrUntrustedCertificate = errors.New("untrusted certificate")

	// ErrTrustAnchor matches errors loading or parsing the CA certificate.
	ErrTrustAnchor = errors.New("invalid trust anchor")
)

// TLSError represents a structured TLS error with context
type TLSError struct {
	Type        TLSErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Suggestions []string
}

// Error implements the error interface
func (e *TLSError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", string(e.Type)), e.Message}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for key := range e.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, key := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", key, e.Context[key]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

// Unwrap returns the underlying error for error unwrapping
func (e *TLSError) Unwrap() error {
	return e.Cause
}

// Is maps error types onto the package sentinels.
func (e *TLSError) Is(target error) bool {
	switch target {
	case ErrMalformedCertificate:
		return e.Type == ErrorTypeMalformedCertificate
	case ErrUntrustedCertificate:
		return e.Type == ErrorTypeUntrustedCertificate
	case ErrTrustAnchor:
		return e.Type == ErrorTypeTrustAnchor
	}
	return false
}

// WithContext adds context information to the error
func (e *TLSError) WithContext(key string, value interface{}) *TLSError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for resolving the error
func (e *TLSError) WithSuggestion(suggestion string) *TLSError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// Reason returns the short reason recorded for admission errors, or the
// message when none was recorded.
func (e *TLSError) Reason() string {
	if reason, ok := e.Context["reason"].(string); ok {
		return reason
	}
	return e.Message
}

// GetDetailedMessage returns a detailed error message with suggestions
func (e *TLSError) GetDetailedMessage() string {
	message := e.Error()

	if len(e.Suggestions) > 0 {
		message += "\n\nSuggestions:"
		for i, suggestion := range e.Suggestions {
			message += fmt.Sprintf("\n  %d. %s", i+1, suggestion)
		}
	}

	return message
}

// NewTLSError creates a new TLS error with the specified type and message
func NewTLSError(errorType TLSErrorType, message string) *TLSError {
	return &TLSError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewTLSErrorWithCause creates a new TLS error with an underlying cause
func NewTLSErrorWithCause(errorType TLSErrorType, message string, cause error) *TLSError {
	return &TLSError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewMalformedCertificateError reports a candidate that could not be parsed.
func NewMalformedCertificateError(reason string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeMalformedCertificate, "agent certificate could not be parsed", cause).
		WithContext("reason", reason).
		WithSuggestion("Send the PEM-encoded client certificate text in the Register id field")
}

// NewUntrustedCertificateError reports a certificate rejected by chain or
// algorithm checks.
func NewUntrustedCertificateError(reason string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeUntrustedCertificate, "agent certificate is not trusted", cause).
		WithContext("reason", reason).
		WithSuggestion("Issue the agent certificate from the broker's CA").
		WithSuggestion("Check the certificate validity period and the system clock")
}

// NewTrustAnchorError reports an unusable CA certificate.
func NewTrustAnchorError(path string, reason string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeTrustAnchor, fmt.Sprintf("trust anchor unusable: %s", reason), cause).
		WithContext("ca_file", path).
		WithSuggestion("Point ca_file at a PEM-encoded CA certificate")
}

// NewFileNotFoundError reports a missing key material file.
func NewFileNotFoundError(filePath string) *TLSError {
	return NewTLSError(ErrorTypeFileNotFound, fmt.Sprintf("file not found: %s", filePath)).
		WithContext("file_path", filePath).
		WithSuggestion("Verify the file path is correct")
}

// NewCertificateLoadError reports a certificate/key pair that failed to load.
func NewCertificateLoadError(certFile, keyFile string, cause error) *TLSError {
	return NewTLSErrorWithCause(ErrorTypeCertificateLoad, "failed to load certificate", cause).
		WithContext("cert_file", certFile).
		WithContext("key_file", keyFile).
		WithSuggestion("Ensure the certificate and private key match")
}

// NewConfigValidationError reports an invalid TLS setting.
func NewConfigValidationError(field string, value interface{}, reason string) *TLSError {
	return NewTLSError(ErrorTypeConfigValidation, fmt.Sprintf("invalid configuration field '%s'", field)).
		WithContext("field", field).
		WithContext("value", value).
		WithContext("reason", reason)
}
