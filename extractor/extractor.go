// Package extractor detects error-bearing stack events and renders them
// as structured error messages for the deployment log.
package extractor

import (
	"fmt"
	"strings"
	"time"

	"cfn-deploy/colorizer"
	"cfn-deploy/logging"

	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
)

// errorStatusMarkers are the substrings of a resource status that denote
// a failure or rollback.
var errorStatusMarkers = []string{
	"FAILED",
	"ROLLBACK",
}

// truncationMarkers flag reasons that CloudFormation has already cut off.
// The full message is not retrievable from the event stream; detection is
// logged so operators know the reason is incomplete.
var truncationMarkers = []string{
	"...",
	"(truncated)",
	"[truncated]",
}

// ExtractedError is the structured form of an error-bearing stack event.
type ExtractedError struct {
	Message      string
	ResourceID   string
	ResourceType string
	Timestamp    time.Time
}

// Extractor classifies stack events and formats their errors.
type Extractor struct {
	colors *colorizer.Colorizer
	log    *logging.Logger
}

// New returns an Extractor rendering with the given colorizer.
func New(colors *colorizer.Colorizer, log *logging.Logger) *Extractor {
	return &Extractor{colors: colors, log: log}
}

// IsErrorEvent reports whether the event's status denotes a failure or
// rollback. Events without a status are never errors.
func (e *Extractor) IsErrorEvent(event types.StackEvent) bool {
	status := strings.ToUpper(string(event.ResourceStatus))
	if status == "" {
		return false
	}
	for _, marker := range errorStatusMarkers {
		if strings.Contains(status, marker) {
			return true
		}
	}
	return false
}

// ExtractError builds an ExtractedError from an error event, substituting
// safe defaults for missing fields. Returns nil for non-error events.
func (e *Extractor) ExtractError(event types.StackEvent) *ExtractedError {
	if !e.IsErrorEvent(event) {
		return nil
	}

	extracted := &ExtractedError{
		Message:      "Unknown error occurred",
		ResourceID:   "Unknown resource",
		ResourceType: "Unknown type",
		Timestamp:    time.Now(),
	}

	if reason := safeString(event.ResourceStatusReason); reason != "" {
		extracted.Message = reason
	}
	if id := safeString(event.LogicalResourceId); id != "" {
		extracted.ResourceID = id
	}
	if rt := safeString(event.ResourceType); rt != "" {
		extracted.ResourceType = rt
	}
	if event.Timestamp != nil {
		extracted.Timestamp = *event.Timestamp
	}

	return extracted
}

// FormatErrorMessage renders one extracted error as a single display line.
func (e *Extractor) FormatErrorMessage(extracted ExtractedError) string {
	ts := extracted.Timestamp
	if ts.IsZero() {
		e.log.Debug("error event for %s carries an invalid timestamp, substituting current time", extracted.ResourceID)
		ts = time.Now()
	}

	if e.looksTruncated(extracted.Message) {
		e.log.Debug("error message for %s appears truncated; full reason is not available from the event stream", extracted.ResourceID)
	}

	return fmt.Sprintf("[%s] %s ERROR: %s",
		e.colors.Timestamp(ts.Format(time.RFC3339)),
		e.colors.Resource(extracted.ResourceType, extracted.ResourceID),
		e.colors.Error(extracted.Message))
}

// FormatMultipleErrors renders a list of errors. A single error renders
// exactly like FormatErrorMessage; multiple errors get 1-based "[n]"
// prefixes, one per line.
func (e *Extractor) FormatMultipleErrors(errs []ExtractedError) string {
	switch len(errs) {
	case 0:
		return ""
	case 1:
		return e.FormatErrorMessage(errs[0])
	}

	lines := make([]string, 0, len(errs))
	for i, err := range errs {
		lines = append(lines, fmt.Sprintf("[%d] %s", i+1, e.FormatErrorMessage(err)))
	}
	return strings.Join(lines, "\n")
}

// ExtractAllErrors filters events to error events and extracts each,
// preserving input order.
func (e *Extractor) ExtractAllErrors(events []types.StackEvent) []ExtractedError {
	var errs []ExtractedError
	for _, event := range events {
		if extracted := e.ExtractError(event); extracted != nil {
			errs = append(errs, *extracted)
		}
	}
	return errs
}

func (e *Extractor) looksTruncated(msg string) bool {
	trimmed := strings.TrimSpace(msg)
	for _, marker := range truncationMarkers {
		if strings.HasSuffix(trimmed, marker) {
			return true
		}
	}
	return false
}

// safeString safely dereferences a string pointer, returning empty string if nil.
func safeString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
