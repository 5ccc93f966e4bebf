// Package cloudtrail looks up CloudTrail records to enrich opaque
// CloudFormation resource failures with the underlying API error message.
// CloudFormation sometimes reports only a generic service exception; the
// real reason lives in the CloudTrail record of the failed API call.
package cloudtrail

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"cfn-deploy/logging"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
)

// searchWindow is how far around the failure timestamp to look for the
// matching API call.
const searchWindow = 10 * time.Minute

// opaqueReasonPatterns mark failure reasons where CloudFormation withheld
// the real error and CloudTrail is worth consulting.
var opaqueReasonPatterns = []string{
	"generalserviceexception",
	"general service exception",
	"internal failure",
	"internalfailure",
	"service returned error",
}

// CloudTrailAPI defines the CloudTrail operations the enricher uses.
type CloudTrailAPI interface {
	LookupEvents(ctx context.Context, params *cloudtrail.LookupEventsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error)
}

// Enricher resolves opaque resource-failure reasons via CloudTrail.
type Enricher struct {
	api CloudTrailAPI
	log *logging.Logger
}

// NewEnricher builds an Enricher from a prepared AWS config.
func NewEnricher(cfg aws.Config, log *logging.Logger) *Enricher {
	return &Enricher{api: cloudtrail.NewFromConfig(cfg), log: log}
}

// NewEnricherWithAPI builds an Enricher around an existing client, for tests.
func NewEnricherWithAPI(api CloudTrailAPI, log *logging.Logger) *Enricher {
	return &Enricher{api: api, log: log}
}

// Detail returns a more specific error message for the given resource
// failure when one can be found. ok is false when the reason is already
// specific, no matching CloudTrail record exists, or the lookup fails —
// lookup failures are logged as diagnostics, never propagated.
func (e *Enricher) Detail(ctx context.Context, resourceType, logicalID, reason string, at time.Time) (string, bool) {
	if !isOpaqueReason(reason) {
		return "", false
	}

	events, err := e.lookupAround(ctx, at)
	if err != nil {
		e.log.Debug("CloudTrail lookup for %s failed: %v", logicalID, err)
		return "", false
	}

	service := serviceNameFor(resourceType)
	best := bestMatch(events, service, logicalID)
	if best == nil {
		e.log.Debug("no CloudTrail record matched failure of %s", logicalID)
		return "", false
	}

	if msg := best.detailedMessage(); msg != "" {
		return msg, true
	}
	return "", false
}

// trailRecord is the subset of a CloudTrail event the enricher inspects.
type trailRecord struct {
	eventTime        time.Time
	eventName        string
	eventSource      string
	errorCode        string
	errorMessage     string
	responseElements map[string]any
}

// lookupAround fetches CloudTrail events attributed to CloudFormation in
// a window around the failure time. CloudFormation makes the underlying
// API calls on the stack's behalf, so its username narrows the search.
func (e *Enricher) lookupAround(ctx context.Context, at time.Time) ([]trailRecord, error) {
	var records []trailRecord
	var nextToken *string

	for {
		output, err := e.api.LookupEvents(ctx, &cloudtrail.LookupEventsInput{
			StartTime:  aws.Time(at.Add(-searchWindow)),
			EndTime:    aws.Time(at.Add(searchWindow)),
			MaxResults: aws.Int32(50),
			NextToken:  nextToken,
			LookupAttributes: []types.LookupAttribute{
				{
					AttributeKey:   types.LookupAttributeKeyUsername,
					AttributeValue: aws.String("AWSCloudFormation"),
				},
			},
		})
		if err != nil {
			return nil, err
		}

		for _, event := range output.Events {
			records = append(records, parseRecord(event))
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return records, nil
}

// bestMatch scores records against the failed resource: carrying error
// information is required, matching the resource's service and id raise
// the score.
func bestMatch(records []trailRecord, service, logicalID string) *trailRecord {
	var best *trailRecord
	bestScore := 0

	for i := range records {
		record := &records[i]
		if !record.hasErrorInfo() {
			continue
		}

		score := 1
		if service != "" && strings.Contains(strings.ToLower(record.eventSource), service) {
			score += 2
		}
		if logicalID != "" && record.mentions(strings.ToLower(logicalID)) {
			score += 3
		}

		if score > bestScore {
			best = record
			bestScore = score
		}
	}

	return best
}

func (r *trailRecord) hasErrorInfo() bool {
	return r.errorCode != "" || r.errorMessage != "" || messageFromResponseElements(r.responseElements) != ""
}

func (r *trailRecord) mentions(id string) bool {
	if strings.Contains(strings.ToLower(r.eventName), id) {
		return true
	}
	if strings.Contains(strings.ToLower(r.errorMessage), id) {
		return true
	}
	for _, value := range r.responseElements {
		if s, ok := value.(string); ok && strings.Contains(strings.ToLower(s), id) {
			return true
		}
	}
	return false
}

// detailedMessage picks the most specific message the record carries.
func (r *trailRecord) detailedMessage() string {
	if r.errorMessage != "" {
		return r.errorMessage
	}
	if msg := messageFromResponseElements(r.responseElements); msg != "" {
		return msg
	}
	if r.errorCode != "" {
		return "Error code: " + r.errorCode
	}
	return ""
}

// parseRecord converts an SDK event, digging error details out of the raw
// CloudTrailEvent JSON payload.
func parseRecord(event types.Event) trailRecord {
	record := trailRecord{
		eventTime:   safeTime(event.EventTime),
		eventName:   safeString(event.EventName),
		eventSource: safeString(event.EventSource),
	}

	if event.CloudTrailEvent != nil {
		var payload map[string]any
		if err := json.Unmarshal([]byte(*event.CloudTrailEvent), &payload); err == nil {
			if code, ok := payload["errorCode"].(string); ok {
				record.errorCode = code
			}
			if msg, ok := payload["errorMessage"].(string); ok {
				record.errorMessage = msg
			}
			if elements, ok := payload["responseElements"].(map[string]any); ok {
				record.responseElements = elements
			}
		}
	}

	return record
}

// messageFromResponseElements extracts a message from responseElements,
// tolerating the casing and nesting variations CloudTrail produces.
func messageFromResponseElements(elements map[string]any) string {
	if elements == nil {
		return ""
	}

	for _, key := range []string{"message", "Message"} {
		if msg, ok := elements[key].(string); ok && msg != "" {
			return msg
		}
	}

	for _, key := range []string{"error", "Error"} {
		if errObj, ok := elements[key].(map[string]any); ok {
			for _, mk := range []string{"message", "Message"} {
				if msg, ok := errObj[mk].(string); ok && msg != "" {
					return msg
				}
			}
		}
	}

	return ""
}

func isOpaqueReason(reason string) bool {
	if reason == "" {
		return false
	}
	lower := strings.ToLower(reason)
	for _, pattern := range opaqueReasonPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// serviceNameFor extracts the CloudTrail service name from a resource
// type, e.g. "AWS::Lambda::Function" -> "lambda". Wisdom is recorded as
// qconnect in CloudTrail.
func serviceNameFor(resourceType string) string {
	parts := strings.Split(resourceType, "::")
	if len(parts) < 2 {
		return ""
	}
	service := strings.ToLower(parts[1])
	if service == "wisdom" {
		return "qconnect"
	}
	return service
}

// safeString safely dereferences a string pointer, returning empty string if nil.
func safeString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// safeTime safely dereferences a time pointer, returning zero time if nil.
func safeTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
