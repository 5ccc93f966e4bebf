package cloudtrail

import (
	"context"
	"errors"
	"testing"
	"time"

	"cfn-deploy/logging"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCloudTrailAPI struct {
	lookupEvents func(ctx context.Context, params *cloudtrail.LookupEventsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error)
}

func (m *mockCloudTrailAPI) LookupEvents(ctx context.Context, params *cloudtrail.LookupEventsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error) {
	return m.lookupEvents(ctx, params, optFns...)
}

func trailEvent(name, source, payload string) types.Event {
	now := time.Now()
	return types.Event{
		EventName:       aws.String(name),
		EventSource:     aws.String(source),
		EventTime:       &now,
		CloudTrailEvent: aws.String(payload),
	}
}

func TestDetailSkipsSpecificReasons(t *testing.T) {
	called := false
	api := &mockCloudTrailAPI{
		lookupEvents: func(ctx context.Context, params *cloudtrail.LookupEventsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error) {
			called = true
			return &cloudtrail.LookupEventsOutput{}, nil
		},
	}
	e := NewEnricherWithAPI(api, logging.NewNop())

	_, ok := e.Detail(context.Background(), "AWS::S3::Bucket", "MyBucket", "Access Denied for bucket policy", time.Now())
	assert.False(t, ok)
	assert.False(t, called, "specific reasons never trigger a lookup")

	_, ok = e.Detail(context.Background(), "AWS::S3::Bucket", "MyBucket", "", time.Now())
	assert.False(t, ok)
	assert.False(t, called)
}

func TestDetailFindsUnderlyingError(t *testing.T) {
	api := &mockCloudTrailAPI{
		lookupEvents: func(ctx context.Context, params *cloudtrail.LookupEventsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error) {
			require.Len(t, params.LookupAttributes, 1)
			assert.Equal(t, "AWSCloudFormation", *params.LookupAttributes[0].AttributeValue)
			return &cloudtrail.LookupEventsOutput{
				Events: []types.Event{
					trailEvent("CreateAssistant", "wisdom.amazonaws.com", `{"errorCode":"AccessDeniedException","errorMessage":"KMS key is disabled for Assistant"}`),
					trailEvent("CreateBucket", "s3.amazonaws.com", `{}`),
				},
			}, nil
		},
	}
	e := NewEnricherWithAPI(api, logging.NewNop())

	detail, ok := e.Detail(context.Background(), "AWS::Wisdom::Assistant", "Assistant", "GeneralServiceException occurred", time.Now())
	require.True(t, ok)
	assert.Equal(t, "KMS key is disabled for Assistant", detail)
}

func TestDetailPrefersRecordsMentioningResource(t *testing.T) {
	api := &mockCloudTrailAPI{
		lookupEvents: func(ctx context.Context, params *cloudtrail.LookupEventsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error) {
			return &cloudtrail.LookupEventsOutput{
				Events: []types.Event{
					trailEvent("DeleteQueue", "sqs.amazonaws.com", `{"errorMessage":"unrelated failure"}`),
					trailEvent("CreateRole", "iam.amazonaws.com", `{"errorMessage":"role AppRole already exists"}`),
				},
			}, nil
		},
	}
	e := NewEnricherWithAPI(api, logging.NewNop())

	detail, ok := e.Detail(context.Background(), "AWS::IAM::Role", "AppRole", "Internal Failure", time.Now())
	require.True(t, ok)
	assert.Equal(t, "role AppRole already exists", detail)
}

func TestDetailResponseElementsMessage(t *testing.T) {
	api := &mockCloudTrailAPI{
		lookupEvents: func(ctx context.Context, params *cloudtrail.LookupEventsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error) {
			return &cloudtrail.LookupEventsOutput{
				Events: []types.Event{
					trailEvent("CreateFunction", "lambda.amazonaws.com", `{"responseElements":{"error":{"message":"code storage limit exceeded"}}}`),
				},
			}, nil
		},
	}
	e := NewEnricherWithAPI(api, logging.NewNop())

	detail, ok := e.Detail(context.Background(), "AWS::Lambda::Function", "Handler", "Internal Failure", time.Now())
	require.True(t, ok)
	assert.Equal(t, "code storage limit exceeded", detail)
}

func TestDetailNoMatchingRecord(t *testing.T) {
	api := &mockCloudTrailAPI{
		lookupEvents: func(ctx context.Context, params *cloudtrail.LookupEventsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error) {
			return &cloudtrail.LookupEventsOutput{
				Events: []types.Event{
					trailEvent("CreateBucket", "s3.amazonaws.com", `{}`),
				},
			}, nil
		},
	}
	e := NewEnricherWithAPI(api, logging.NewNop())

	_, ok := e.Detail(context.Background(), "AWS::S3::Bucket", "MyBucket", "Internal Failure", time.Now())
	assert.False(t, ok)
}

func TestDetailLookupFailureIsSwallowed(t *testing.T) {
	api := &mockCloudTrailAPI{
		lookupEvents: func(ctx context.Context, params *cloudtrail.LookupEventsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error) {
			return nil, errors.New("cloudtrail unavailable")
		},
	}
	e := NewEnricherWithAPI(api, logging.NewNop())

	_, ok := e.Detail(context.Background(), "AWS::S3::Bucket", "MyBucket", "Internal Failure", time.Now())
	assert.False(t, ok)
}

func TestDetailPaginates(t *testing.T) {
	calls := 0
	api := &mockCloudTrailAPI{
		lookupEvents: func(ctx context.Context, params *cloudtrail.LookupEventsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.LookupEventsOutput, error) {
			calls++
			if params.NextToken == nil {
				return &cloudtrail.LookupEventsOutput{NextToken: aws.String("more")}, nil
			}
			return &cloudtrail.LookupEventsOutput{
				Events: []types.Event{
					trailEvent("CreateTopic", "sns.amazonaws.com", `{"errorMessage":"topic limit reached"}`),
				},
			}, nil
		},
	}
	e := NewEnricherWithAPI(api, logging.NewNop())

	detail, ok := e.Detail(context.Background(), "AWS::SNS::Topic", "Alerts", "Internal Failure", time.Now())
	require.True(t, ok)
	assert.Equal(t, "topic limit reached", detail)
	assert.Equal(t, 2, calls)
}

func TestIsOpaqueReason(t *testing.T) {
	assert.True(t, isOpaqueReason("Resource handler returned message: GeneralServiceException"))
	assert.True(t, isOpaqueReason("Internal Failure"))
	assert.True(t, isOpaqueReason("general service exception occurred"))

	assert.False(t, isOpaqueReason(""))
	assert.False(t, isOpaqueReason("Access Denied"))
	assert.False(t, isOpaqueReason("Bucket name already exists"))
}

func TestServiceNameFor(t *testing.T) {
	assert.Equal(t, "lambda", serviceNameFor("AWS::Lambda::Function"))
	assert.Equal(t, "s3", serviceNameFor("AWS::S3::Bucket"))
	assert.Equal(t, "qconnect", serviceNameFor("AWS::Wisdom::Assistant"))
	assert.Empty(t, serviceNameFor("NotAResourceType"))
	assert.Empty(t, serviceNameFor(""))
}
