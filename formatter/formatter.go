// Package formatter renders stack events as human-readable deployment log
// lines and composes the end-of-deployment summary.
package formatter

import (
	"fmt"
	"math"
	"strings"
	"time"

	"cfn-deploy/colorizer"
	"cfn-deploy/extractor"
	"cfn-deploy/logging"

	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
)

const (
	separator      = "="
	separatorWidth = 60
	indentWidth    = 2
)

// typicallyNestedTypes are resource types that usually sit below another
// resource; they get one extra indent level. This is a display heuristic
// over naming conventions, not a real hierarchy model.
var typicallyNestedTypes = map[string]bool{
	"AWS::CloudFormation::Stack": true,
	"AWS::Lambda::Function":      true,
	"AWS::IAM::Role":             true,
	"AWS::IAM::Policy":           true,
}

// Config controls event rendering.
type Config struct {
	// ShowTimestamp prefixes each line with the event timestamp.
	ShowTimestamp bool

	// ShowPhysicalID appends the physical resource id to the resource info.
	ShowPhysicalID bool

	// MaxResourceIDLength truncates logical/physical ids longer than this.
	MaxResourceIDLength int

	// BaseIndent is added to every computed indent level.
	BaseIndent int
}

// ConfigUpdate carries partial configuration changes; nil fields are left
// unchanged.
type ConfigUpdate struct {
	ShowTimestamp       *bool
	ShowPhysicalID      *bool
	MaxResourceIDLength *int
	BaseIndent          *int
}

// DefaultConfig returns the rendering defaults.
func DefaultConfig() Config {
	return Config{
		ShowTimestamp:       true,
		MaxResourceIDLength: 40,
	}
}

// FormattedEvent is the display-ready projection of a stack event.
type FormattedEvent struct {
	Timestamp    string
	ResourceInfo string
	Status       string
	Message      string
	IsError      bool
}

// Formatter renders stack events.
type Formatter struct {
	cfg       Config
	colors    *colorizer.Colorizer
	extractor *extractor.Extractor
	log       *logging.Logger
}

// New returns a Formatter with the given configuration.
func New(cfg Config, colors *colorizer.Colorizer, ext *extractor.Extractor, log *logging.Logger) *Formatter {
	return &Formatter{cfg: cfg, colors: colors, extractor: ext, log: log}
}

// Config returns a copy of the current configuration.
func (f *Formatter) Config() Config {
	return f.cfg
}

// UpdateConfig applies the non-nil fields of upd to the configuration.
func (f *Formatter) UpdateConfig(upd ConfigUpdate) {
	if upd.ShowTimestamp != nil {
		f.cfg.ShowTimestamp = *upd.ShowTimestamp
	}
	if upd.ShowPhysicalID != nil {
		f.cfg.ShowPhysicalID = *upd.ShowPhysicalID
	}
	if upd.MaxResourceIDLength != nil {
		f.cfg.MaxResourceIDLength = *upd.MaxResourceIDLength
	}
	if upd.BaseIndent != nil {
		f.cfg.BaseIndent = *upd.BaseIndent
	}
}

// FormatEvent projects one stack event into its display form.
func (f *Formatter) FormatEvent(event types.StackEvent) FormattedEvent {
	formatted := FormattedEvent{
		Timestamp: f.formatTimestamp(event),
		Status:    f.colors.Status(string(event.ResourceStatus)),
	}

	logicalID := truncateID(safeString(event.LogicalResourceId), f.cfg.MaxResourceIDLength)
	resourceType := safeString(event.ResourceType)
	formatted.ResourceInfo = resourceType + "/" + logicalID
	if f.cfg.ShowPhysicalID {
		if physical := safeString(event.PhysicalResourceId); physical != "" {
			formatted.ResourceInfo += " (" + truncateID(physical, f.cfg.MaxResourceIDLength) + ")"
		}
	}

	if extracted := f.extractor.ExtractError(event); extracted != nil {
		formatted.IsError = true
		formatted.Message = extracted.Message
	} else if reason := safeString(event.ResourceStatusReason); reason != "" {
		formatted.Message = reason
	}

	return formatted
}

// FormatEvents renders a batch of events, one line per event. An empty
// batch renders as the empty string.
func (f *Formatter) FormatEvents(events []types.StackEvent) string {
	if len(events) == 0 {
		return ""
	}

	lines := make([]string, 0, len(events))
	for _, event := range events {
		formatted := f.FormatEvent(event)

		var sb strings.Builder
		sb.WriteString(f.indentFor(event))
		if f.cfg.ShowTimestamp {
			sb.WriteString("[" + formatted.Timestamp + "] ")
		}
		sb.WriteString(formatted.ResourceInfo)
		sb.WriteString(" ")
		sb.WriteString(formatted.Status)
		switch {
		case formatted.IsError:
			sb.WriteString(" ERROR: " + f.colors.Error(formatted.Message))
		case formatted.Message != "":
			sb.WriteString(" - " + formatted.Message)
		}
		lines = append(lines, sb.String())
	}

	return strings.Join(lines, "\n")
}

// FormatDeploymentSummary composes the end-of-deployment block. The block
// starts and ends with a blank line; callers splice it into the log as-is.
// Pass a nil duration to omit the duration line.
func (f *Formatter) FormatDeploymentSummary(stackName, finalStatus string, totalEvents, errorCount int, duration *time.Duration) string {
	rule := strings.Repeat(separator, separatorWidth)

	var sb strings.Builder
	sb.WriteString("\n")
	sb.WriteString(rule + "\n")
	sb.WriteString("Deployment Summary: " + stackName + "\n")
	sb.WriteString(rule + "\n")
	sb.WriteString("Final Status: " + f.colors.Status(finalStatus) + "\n")
	sb.WriteString(fmt.Sprintf("Total Events: %d\n", totalEvents))
	if errorCount > 0 {
		sb.WriteString("Errors: " + f.colors.Error(fmt.Sprintf("%d error(s)", errorCount)) + "\n")
	} else {
		sb.WriteString("Errors: " + f.colors.Success("No errors") + "\n")
	}
	if duration != nil {
		seconds := int(math.Round(float64(duration.Milliseconds()) / 1000.0))
		sb.WriteString(fmt.Sprintf("Duration: %ds\n", seconds))
	}
	sb.WriteString(rule + "\n")
	sb.WriteString("\n")

	return sb.String()
}

// formatTimestamp renders the event time as ISO-8601. A missing timestamp
// renders as "Unknown time"; a zero value as "Invalid time" with a
// diagnostic.
func (f *Formatter) formatTimestamp(event types.StackEvent) string {
	if event.Timestamp == nil {
		return "Unknown time"
	}
	if event.Timestamp.IsZero() {
		f.log.Debug("event for %s carries an unparsable timestamp", safeString(event.LogicalResourceId))
		return "Invalid time"
	}
	return f.colors.Timestamp(event.Timestamp.Format(time.RFC3339))
}

// indentFor computes the heuristic indent for an event: dots in the
// logical id suggest nesting, as do typically-nested resource types and
// "Nested"/"Child" naming.
func (f *Formatter) indentFor(event types.StackEvent) string {
	logicalID := safeString(event.LogicalResourceId)

	level := f.cfg.BaseIndent
	level += strings.Count(logicalID, ".")
	if typicallyNestedTypes[safeString(event.ResourceType)] {
		level++
	}
	if strings.Contains(logicalID, "Nested") || strings.Contains(logicalID, "Child") {
		level++
	}
	if level < 0 {
		level = 0
	}

	return strings.Repeat(" ", level*indentWidth)
}

// truncateID cuts ids longer than maxLen and appends "...". A maxLen of 3
// or less degrades to just "..." rather than a negative-length substring.
func truncateID(id string, maxLen int) string {
	if maxLen <= 0 || len(id) <= maxLen {
		return id
	}
	if maxLen <= 3 {
		return "..."
	}
	return id[:maxLen-3] + "..."
}

// safeString safely dereferences a string pointer, returning empty string if nil.
func safeString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
