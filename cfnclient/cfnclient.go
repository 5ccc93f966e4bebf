// Package cfnclient provides CloudFormation client initialization and the
// stack/change-set operations used by the deployer and the event poller.
package cfnclient

import (
	"context"
	"fmt"

	"cfn-deploy/awserrors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
)

// Client wraps the AWS CloudFormation client.
type Client struct {
	cfn *cloudformation.Client
}

// CloudFormationAPI defines the CloudFormation operations cfn-deploy uses.
// Consumers declare the subset they need; this is the union, satisfied by
// both *Client and test doubles.
type CloudFormationAPI interface {
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	GetStackEvents(ctx context.Context, stackName string) ([]types.StackEvent, error)
	CreateStack(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	CreateChangeSet(ctx context.Context, params *cloudformation.CreateChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateChangeSetOutput, error)
	DescribeChangeSet(ctx context.Context, params *cloudformation.DescribeChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeChangeSetOutput, error)
	ExecuteChangeSet(ctx context.Context, params *cloudformation.ExecuteChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ExecuteChangeSetOutput, error)
	DeleteChangeSet(ctx context.Context, params *cloudformation.DeleteChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteChangeSetOutput, error)
}

// NewClient creates a CloudFormation client using standard AWS credential
// resolution (environment variables, profiles, OIDC/IAM roles).
func NewClient(ctx context.Context) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, awserrors.Parse(err)
	}

	return &Client{
		cfn: cloudformation.NewFromConfig(cfg),
	}, nil
}

// NewClientWithConfig creates a CloudFormation client from a prepared AWS config.
func NewClientWithConfig(cfg aws.Config) *Client {
	return &Client{
		cfn: cloudformation.NewFromConfig(cfg),
	}
}

// GetStackEvents retrieves all events for the named stack, handling
// pagination. Events come back in the API's reverse-chronological order.
func (c *Client) GetStackEvents(ctx context.Context, stackName string) ([]types.StackEvent, error) {
	var allEvents []types.StackEvent
	var nextToken *string

	for {
		input := &cloudformation.DescribeStackEventsInput{
			StackName: aws.String(stackName),
			NextToken: nextToken,
		}

		output, err := c.cfn.DescribeStackEvents(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to describe stack events for '%s': %w", stackName, err)
		}

		allEvents = append(allEvents, output.StackEvents...)

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return allEvents, nil
}

// DescribeStacks retrieves stack information for the specified stack name.
func (c *Client) DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	return c.cfn.DescribeStacks(ctx, params, optFns...)
}

// CreateStack issues stack creation.
func (c *Client) CreateStack(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error) {
	return c.cfn.CreateStack(ctx, params, optFns...)
}

// CreateChangeSet creates a change set against an existing stack.
func (c *Client) CreateChangeSet(ctx context.Context, params *cloudformation.CreateChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateChangeSetOutput, error) {
	return c.cfn.CreateChangeSet(ctx, params, optFns...)
}

// DescribeChangeSet fetches change set status and contents.
func (c *Client) DescribeChangeSet(ctx context.Context, params *cloudformation.DescribeChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeChangeSetOutput, error) {
	return c.cfn.DescribeChangeSet(ctx, params, optFns...)
}

// ExecuteChangeSet applies a change set to its stack.
func (c *Client) ExecuteChangeSet(ctx context.Context, params *cloudformation.ExecuteChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ExecuteChangeSetOutput, error) {
	return c.cfn.ExecuteChangeSet(ctx, params, optFns...)
}

// DeleteChangeSet removes a change set.
func (c *Client) DeleteChangeSet(ctx context.Context, params *cloudformation.DeleteChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteChangeSetOutput, error) {
	return c.cfn.DeleteChangeSet(ctx, params, optFns...)
}
