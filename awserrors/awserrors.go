// Package awserrors classifies AWS SDK errors into a small closed set of
// variants so the rest of the module never has to inspect error strings.
package awserrors

import (
	"errors"
	"net"
	"strings"

	"github.com/aws/smithy-go"
)

// Kind identifies the category of an AWS SDK error.
type Kind int

const (
	// KindUnknown covers anything the classifier cannot place.
	KindUnknown Kind = iota

	// KindThrottling indicates the request was rate limited.
	KindThrottling

	// KindNetwork indicates a transport-level failure (connection
	// refused/reset, DNS, socket hang-up).
	KindNetwork

	// KindTimeout indicates a request or context deadline was exceeded.
	KindTimeout

	// KindCredential indicates an authentication or permission failure.
	KindCredential

	// KindService indicates a service-level error (validation, internal
	// failure, service unavailable).
	KindService
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindThrottling:
		return "throttling"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindCredential:
		return "credential"
	case KindService:
		return "service"
	default:
		return "unknown"
	}
}

var throttlingCodes = map[string]bool{
	"Throttling":               true,
	"ThrottlingException":      true,
	"RequestLimitExceeded":     true,
	"TooManyRequestsException": true,
}

var credentialCodes = map[string]bool{
	"AccessDenied":                true,
	"AccessDeniedException":       true,
	"UnauthorizedAccess":          true,
	"UnauthorizedOperation":       true,
	"ExpiredToken":                true,
	"ExpiredTokenException":       true,
	"InvalidClientTokenId":        true,
	"SignatureDoesNotMatch":       true,
	"UnrecognizedClientException": true,
}

var timeoutCodes = map[string]bool{
	"RequestTimeout":          true,
	"RequestTimeoutException": true,
}

var serviceCodes = map[string]bool{
	"ValidationError":             true,
	"ValidationException":         true,
	"ServiceUnavailable":          true,
	"ServiceUnavailableException": true,
	"InternalError":               true,
	"InternalFailure":             true,
}

var throttlingPatterns = []string{
	"rate exceeded",
	"throttl",
	"too many requests",
}

var networkPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"socket hang up",
	"network is unreachable",
	"broken pipe",
	"econnrefused",
	"econnreset",
}

var timeoutPatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
}

var credentialPatterns = []string{
	"access denied",
	"forbidden",
	"expired token",
	"signature",
	"no credentials",
	"credentials not found",
	"unable to locate credentials",
	"failed to retrieve credentials",
}

// Classify maps an opaque SDK error onto a Kind. Typed inspection via
// smithy.APIError and net.Error comes first; message patterns are the
// fallback for errors the SDK surfaces as plain strings.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case throttlingCodes[code]:
			return KindThrottling
		case credentialCodes[code]:
			return KindCredential
		case timeoutCodes[code]:
			return KindTimeout
		case serviceCodes[code]:
			return KindService
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, throttlingPatterns):
		return KindThrottling
	case containsAny(msg, timeoutPatterns):
		return KindTimeout
	case containsAny(msg, networkPatterns):
		return KindNetwork
	case containsAny(msg, credentialPatterns):
		return KindCredential
	}

	return KindUnknown
}

// IsStackNotFound reports whether err is CloudFormation's signal that a
// stack does not exist: a ValidationError whose message says so. Any other
// error shape is not a not-found signal and must propagate unchanged.
func IsStackNotFound(err error) bool {
	if err == nil {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ValidationError" &&
			strings.Contains(apiErr.ErrorMessage(), "does not exist")
	}

	// Some SDK paths flatten the API error into the message.
	msg := err.Error()
	return strings.Contains(msg, "ValidationError") && strings.Contains(msg, "does not exist")
}

// IsThrottling reports whether err is a rate-limit signal.
func IsThrottling(err error) bool {
	return Classify(err) == KindThrottling
}

func containsAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// AWSError carries a classified SDK error with a user-facing message and
// an actionable suggestion, for top-level reporting.
type AWSError struct {
	OriginalError error
	Kind          Kind
	Code          string
	Message       string
	Suggestion    string
}

// Error implements the error interface.
func (e *AWSError) Error() string {
	if e.Suggestion != "" {
		return e.Message + "\nSuggestion: " + e.Suggestion
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AWSError) Unwrap() error {
	return e.OriginalError
}

// Parse wraps an SDK error with its classification and a suggestion for
// the operator. Used at the CLI boundary; the core operates on Kind alone.
func Parse(err error) *AWSError {
	if err == nil {
		return nil
	}

	awsErr := &AWSError{
		OriginalError: err,
		Kind:          Classify(err),
		Message:       err.Error(),
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		awsErr.Code = apiErr.ErrorCode()
	}

	switch awsErr.Kind {
	case KindCredential:
		awsErr.Suggestion = "Verify the AWS credentials configured for this workflow (aws-actions/configure-aws-credentials) and the IAM permissions of the assumed role."
	case KindThrottling:
		awsErr.Suggestion = "The request was rate limited. Retry the workflow, or reduce concurrent deployments against this account."
	case KindNetwork:
		awsErr.Suggestion = "Check network connectivity from the runner to AWS endpoints."
	case KindService:
		awsErr.Suggestion = "Check the input parameters; if the error is AWS-internal, retry after a short wait."
	}

	return awsErr
}
