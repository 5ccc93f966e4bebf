// Package colorizer maps CloudFormation statuses to terminal colors for
// the event stream. Colorization is toggleable at runtime; when disabled
// every method returns its input unchanged.
package colorizer

import (
	"strings"

	"github.com/fatih/color"
)

var (
	successColor = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed)
	pendingColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	boldError    = color.New(color.FgRed, color.Bold)
)

func init() {
	// Runner logs are not a TTY; colors are gated by our own flag, not
	// by terminal detection.
	for _, c := range []*color.Color{successColor, errorColor, pendingColor, infoColor, boldError} {
		c.EnableColor()
	}
}

// statusColors maps resource/stack statuses to their display color.
// Unknown statuses fall back to the info color.
var statusColors = map[string]*color.Color{
	"CREATE_COMPLETE":                     successColor,
	"UPDATE_COMPLETE":                     successColor,
	"DELETE_COMPLETE":                     successColor,
	"IMPORT_COMPLETE":                     successColor,
	"CREATE_IN_PROGRESS":                  pendingColor,
	"UPDATE_IN_PROGRESS":                  pendingColor,
	"DELETE_IN_PROGRESS":                  pendingColor,
	"REVIEW_IN_PROGRESS":                  pendingColor,
	"IMPORT_IN_PROGRESS":                  pendingColor,
	"UPDATE_COMPLETE_CLEANUP_IN_PROGRESS": pendingColor,
	"CREATE_FAILED":                       errorColor,
	"UPDATE_FAILED":                       errorColor,
	"DELETE_FAILED":                       errorColor,
	"IMPORT_FAILED":                       errorColor,
	"ROLLBACK_IN_PROGRESS":                errorColor,
	"ROLLBACK_FAILED":                     errorColor,
	"ROLLBACK_COMPLETE":                   errorColor,
	"UPDATE_ROLLBACK_IN_PROGRESS":         errorColor,
	"UPDATE_ROLLBACK_FAILED":              errorColor,
	"UPDATE_ROLLBACK_COMPLETE":            errorColor,
	"IMPORT_ROLLBACK_IN_PROGRESS":         errorColor,
	"IMPORT_ROLLBACK_FAILED":              errorColor,
	"IMPORT_ROLLBACK_COMPLETE":            errorColor,
}

// Colorizer renders status-dependent colored text.
type Colorizer struct {
	enabled bool
}

// New returns a Colorizer with colors on or off.
func New(enabled bool) *Colorizer {
	return &Colorizer{enabled: enabled}
}

// SetEnabled toggles colorization at runtime.
func (c *Colorizer) SetEnabled(enabled bool) {
	c.enabled = enabled
}

// Enabled reports whether colorization is active.
func (c *Colorizer) Enabled() bool {
	return c.enabled
}

// Status colorizes a status string according to the status table.
func (c *Colorizer) Status(status string) string {
	if !c.enabled {
		return status
	}
	if col, ok := statusColors[strings.ToUpper(status)]; ok {
		return col.Sprint(status)
	}
	return infoColor.Sprint(status)
}

// Timestamp colorizes a timestamp string.
func (c *Colorizer) Timestamp(ts string) string {
	if !c.enabled {
		return ts
	}
	return infoColor.Sprint(ts)
}

// Resource joins a resource type and logical id as "type/id" and
// colorizes the pair.
func (c *Colorizer) Resource(resourceType, logicalID string) string {
	joined := resourceType + "/" + logicalID
	if !c.enabled {
		return joined
	}
	return infoColor.Sprint(joined)
}

// Success colorizes text in the success color.
func (c *Colorizer) Success(msg string) string {
	if !c.enabled {
		return msg
	}
	return successColor.Sprint(msg)
}

// Error colorizes an error message in bold.
func (c *Colorizer) Error(msg string) string {
	if !c.enabled {
		return msg
	}
	return boldError.Sprint(msg)
}
