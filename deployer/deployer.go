// Package deployer drives CloudFormation stack deployments: it decides
// between create and update, manages the change-set lifecycle, waits for
// the operation to finish, and streams events through the monitor as a
// best-effort side channel.
package deployer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"cfn-deploy/awserrors"
	"cfn-deploy/logging"
	"cfn-deploy/monitor"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
)

var (
	// ErrEmptyStackName indicates an empty stack name was provided.
	ErrEmptyStackName = errors.New("stack name cannot be empty")

	// ErrInvalidStackNameFormat indicates the stack name format is invalid.
	ErrInvalidStackNameFormat = errors.New("invalid stack name format: must start with a letter, contain only alphanumeric characters and hyphens, and be 1-128 characters long")

	// ErrStackNotFound indicates the stack disappeared between operations.
	ErrStackNotFound = errors.New("stack not found")
)

// stackNameRegex validates CloudFormation stack name format.
var stackNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9-]*$`)

// failureStatuses are terminal stack statuses that constitute operation
// failure. They end the wait with an error and are never retried.
var failureStatuses = map[string]bool{
	"CREATE_FAILED":            true,
	"ROLLBACK_FAILED":          true,
	"ROLLBACK_COMPLETE":        true,
	"UPDATE_FAILED":            true,
	"UPDATE_ROLLBACK_COMPLETE": true,
	"UPDATE_ROLLBACK_FAILED":   true,
	"DELETE_FAILED":            true,
	"IMPORT_ROLLBACK_COMPLETE": true,
	"IMPORT_ROLLBACK_FAILED":   true,
}

// successStatuses are terminal stack statuses that complete the wait.
var successStatuses = map[string]bool{
	"CREATE_COMPLETE": true,
	"UPDATE_COMPLETE": true,
	"IMPORT_COMPLETE": true,
}

// noChangeReasons are change-set failure reasons equivalent to "nothing to
// do"; with NoFailOnEmptyChangeSet they downgrade to success.
var noChangeReasons = []string{
	"No updates are to be performed",
	"didn't contain changes",
}

// API is the slice of the CloudFormation API the deployer needs.
// *cfnclient.Client satisfies it.
type API interface {
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	GetStackEvents(ctx context.Context, stackName string) ([]types.StackEvent, error)
	CreateStack(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	CreateChangeSet(ctx context.Context, params *cloudformation.CreateChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateChangeSetOutput, error)
	DescribeChangeSet(ctx context.Context, params *cloudformation.DescribeChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeChangeSetOutput, error)
	ExecuteChangeSet(ctx context.Context, params *cloudformation.ExecuteChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ExecuteChangeSetOutput, error)
	DeleteChangeSet(ctx context.Context, params *cloudformation.DeleteChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteChangeSetOutput, error)
}

// Enricher supplies a more detailed message for an opaque resource
// failure. Implementations are best-effort; ok=false means no detail.
type Enricher interface {
	Detail(ctx context.Context, resourceType, logicalID, reason string, at time.Time) (detail string, ok bool)
}

// Options configures one deployment.
type Options struct {
	StackName    string
	TemplateBody string
	TemplateURL  string

	Parameters       []types.Parameter
	Tags             []types.Tag
	Capabilities     []types.Capability
	RoleARN          string
	NotificationARNs []string

	DisableRollback             bool
	EnableTerminationProtection bool

	ChangeSetName        string
	ChangeSetDescription string

	// Feature flags, mirroring the action inputs.
	EnableEventStreaming    bool
	NoFailOnEmptyChangeSet  bool
	NoExecuteChangeSet      bool
	NoDeleteFailedChangeSet bool

	EnableColors bool

	// MaxWaitTime bounds each blocking wait; PollDelay is the minimum
	// delay between status polls. Zero values use the defaults.
	MaxWaitTime time.Duration
	PollDelay   time.Duration

	// PollInterval/MaxPollInterval tune the event stream cadence.
	PollInterval    time.Duration
	MaxPollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxWaitTime <= 0 {
		o.MaxWaitTime = 30 * time.Minute
	}
	if o.PollDelay <= 0 {
		o.PollDelay = 5 * time.Second
	}
	if o.ChangeSetName == "" {
		o.ChangeSetName = fmt.Sprintf("cfn-deploy-%d", time.Now().Unix())
	}
	return o
}

// Result is what a successful deployment hands back to the action layer.
type Result struct {
	StackID string
	Outputs map[string]string
}

// Deployer runs the deploy state machine against one CloudFormation client.
type Deployer struct {
	api API
	log *logging.Logger

	// Enricher, when set, is consulted for opaque resource failures.
	Enricher Enricher
}

// New returns a Deployer using the given client handle. The handle is
// shared read-only with the event monitor.
func New(api API, log *logging.Logger) *Deployer {
	return &Deployer{api: api, log: log}
}

// Deploy creates or updates the stack described by opts and returns its
// id and outputs. Event streaming runs concurrently when enabled and can
// never change the deployment's outcome.
func (d *Deployer) Deploy(ctx context.Context, opts Options) (*Result, error) {
	if err := validateStackName(opts.StackName); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	start := time.Now()

	var mon *monitor.Monitor
	if opts.EnableEventStreaming {
		mon = d.startMonitor(ctx, opts, start)
	}
	defer d.stopMonitor(mon)

	stack, err := d.resolveStack(ctx, opts.StackName)
	if err != nil {
		return nil, err
	}
	if stack == nil {
		return d.createStack(ctx, opts, start)
	}
	return d.updateStack(ctx, opts, stack, start)
}

// resolveStack looks up the stack by name. A nil stack with nil error
// means the stack does not exist (create path). An empty result list
// without an API error is an unexpected-state fatal error, kept loudly
// distinct from the API's own not-found signal.
func (d *Deployer) resolveStack(ctx context.Context, stackName string) (*types.Stack, error) {
	output, err := d.api.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		if awserrors.IsStackNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	if len(output.Stacks) == 0 {
		return nil, fmt.Errorf("unexpected CloudFormation response: no error raised but stack '%s' missing from DescribeStacks result", stackName)
	}

	return &output.Stacks[0], nil
}

func (d *Deployer) createStack(ctx context.Context, opts Options, start time.Time) (*Result, error) {
	d.log.Info("stack %s does not exist, creating", opts.StackName)

	input := &cloudformation.CreateStackInput{
		StackName:    aws.String(opts.StackName),
		Parameters:   opts.Parameters,
		Tags:         opts.Tags,
		Capabilities: opts.Capabilities,
	}
	if opts.TemplateBody != "" {
		input.TemplateBody = aws.String(opts.TemplateBody)
	}
	if opts.TemplateURL != "" {
		input.TemplateURL = aws.String(opts.TemplateURL)
	}
	if opts.RoleARN != "" {
		input.RoleARN = aws.String(opts.RoleARN)
	}
	if len(opts.NotificationARNs) > 0 {
		input.NotificationARNs = opts.NotificationARNs
	}
	if opts.DisableRollback {
		input.DisableRollback = aws.Bool(true)
	}
	if opts.EnableTerminationProtection {
		input.EnableTerminationProtection = aws.Bool(true)
	}

	output, err := d.api.CreateStack(ctx, input)
	if err != nil {
		return nil, err
	}

	stack, err := d.waitForStackOperation(ctx, opts, start)
	if err != nil {
		return nil, err
	}

	return &Result{StackID: safeString(output.StackId), Outputs: stackOutputs(stack)}, nil
}

func (d *Deployer) updateStack(ctx context.Context, opts Options, existing *types.Stack, start time.Time) (*Result, error) {
	stackID := safeString(existing.StackId)
	d.log.Info("stack %s exists, creating change set %s", opts.StackName, opts.ChangeSetName)

	input := &cloudformation.CreateChangeSetInput{
		StackName:     aws.String(opts.StackName),
		ChangeSetName: aws.String(opts.ChangeSetName),
		ChangeSetType: types.ChangeSetTypeUpdate,
		Parameters:    opts.Parameters,
		Tags:          opts.Tags,
		Capabilities:  opts.Capabilities,
	}
	if opts.TemplateBody != "" {
		input.TemplateBody = aws.String(opts.TemplateBody)
	}
	if opts.TemplateURL != "" {
		input.TemplateURL = aws.String(opts.TemplateURL)
	}
	if opts.RoleARN != "" {
		input.RoleARN = aws.String(opts.RoleARN)
	}
	if len(opts.NotificationARNs) > 0 {
		input.NotificationARNs = opts.NotificationARNs
	}
	if opts.ChangeSetDescription != "" {
		input.Description = aws.String(opts.ChangeSetDescription)
	}

	if _, err := d.api.CreateChangeSet(ctx, input); err != nil {
		return nil, err
	}

	status, reason, waitErr := d.waitForChangeSet(ctx, opts)
	if waitErr != nil && status != types.ChangeSetStatusFailed {
		// The wait gave up; fetch the status once more so a FAILED change
		// set still goes through the failure handling below.
		if out, err := d.api.DescribeChangeSet(ctx, &cloudformation.DescribeChangeSetInput{
			StackName:     aws.String(opts.StackName),
			ChangeSetName: aws.String(opts.ChangeSetName),
		}); err == nil {
			status = out.Status
			reason = safeString(out.StatusReason)
		}
	}
	if status == types.ChangeSetStatusFailed {
		return d.handleFailedChangeSet(ctx, opts, stackID, existing, reason)
	}
	if waitErr != nil {
		return nil, waitErr
	}

	if opts.NoExecuteChangeSet {
		d.log.Info("change set %s created, execution suppressed", opts.ChangeSetName)
		return &Result{StackID: stackID, Outputs: stackOutputs(existing)}, nil
	}

	if _, err := d.api.ExecuteChangeSet(ctx, &cloudformation.ExecuteChangeSetInput{
		StackName:     aws.String(opts.StackName),
		ChangeSetName: aws.String(opts.ChangeSetName),
	}); err != nil {
		return nil, err
	}

	stack, err := d.waitForStackOperation(ctx, opts, start)
	if err != nil {
		return nil, err
	}

	return &Result{StackID: stackID, Outputs: stackOutputs(stack)}, nil
}

// waitForChangeSet polls the change set until it is ready or failed, or
// the wait budget runs out. On timeout the last observed status and
// reason are returned alongside the timeout error.
func (d *Deployer) waitForChangeSet(ctx context.Context, opts Options) (types.ChangeSetStatus, string, error) {
	deadline := time.Now().Add(opts.MaxWaitTime)
	waitStart := time.Now()

	for {
		output, err := d.api.DescribeChangeSet(ctx, &cloudformation.DescribeChangeSetInput{
			StackName:     aws.String(opts.StackName),
			ChangeSetName: aws.String(opts.ChangeSetName),
		})
		if err != nil {
			return "", "", err
		}

		status := output.Status
		reason := safeString(output.StatusReason)

		switch status {
		case types.ChangeSetStatusCreateComplete, types.ChangeSetStatusFailed:
			return status, reason, nil
		}

		if time.Now().After(deadline) {
			elapsed := int(time.Since(waitStart).Seconds())
			return status, reason, fmt.Errorf("timeout after %d seconds waiting for change set %s", elapsed, opts.ChangeSetName)
		}

		if err := sleepCtx(ctx, opts.PollDelay); err != nil {
			return status, reason, err
		}
	}
}

// handleFailedChangeSet deletes the failed change set (unless suppressed)
// and either tolerates a known no-change reason or fails the deployment.
func (d *Deployer) handleFailedChangeSet(ctx context.Context, opts Options, stackID string, existing *types.Stack, reason string) (*Result, error) {
	if !opts.NoDeleteFailedChangeSet {
		if _, err := d.api.DeleteChangeSet(ctx, &cloudformation.DeleteChangeSetInput{
			StackName:     aws.String(opts.StackName),
			ChangeSetName: aws.String(opts.ChangeSetName),
		}); err != nil {
			d.log.Warn("failed to delete change set %s: %v", opts.ChangeSetName, err)
		}
	}

	if opts.NoFailOnEmptyChangeSet && isNoChangeReason(reason) {
		d.log.Info("change set for stack %s contains no changes, keeping existing stack", opts.StackName)
		return &Result{StackID: stackID, Outputs: stackOutputs(existing)}, nil
	}

	return nil, fmt.Errorf("failed to create change set: %s", reason)
}

// waitForStackOperation polls the stack status until a terminal state or
// the wait budget is exceeded.
func (d *Deployer) waitForStackOperation(ctx context.Context, opts Options, deployStart time.Time) (*types.Stack, error) {
	deadline := time.Now().Add(opts.MaxWaitTime)
	waitStart := time.Now()

	for {
		output, err := d.api.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
			StackName: aws.String(opts.StackName),
		})
		if err != nil {
			if awserrors.IsStackNotFound(err) {
				return nil, fmt.Errorf("%w: stack '%s' does not exist", ErrStackNotFound, opts.StackName)
			}
			return nil, err
		}
		if len(output.Stacks) == 0 {
			return nil, fmt.Errorf("%w: stack '%s' not found in DescribeStacks response", ErrStackNotFound, opts.StackName)
		}

		stack := output.Stacks[0]
		status := string(stack.StackStatus)

		if successStatuses[status] {
			return &stack, nil
		}
		if failureStatuses[status] {
			d.reportFailureDetail(ctx, opts, deployStart)
			return nil, fmt.Errorf("stack operation failed with status: %s", status)
		}

		if time.Now().After(deadline) {
			elapsed := int(time.Since(waitStart).Seconds())
			return nil, fmt.Errorf("timeout after %d seconds waiting for stack %s", elapsed, opts.StackName)
		}

		if err := sleepCtx(ctx, opts.PollDelay); err != nil {
			return nil, err
		}
	}
}

// reportFailureDetail fetches per-resource failure events and logs them.
// Strictly best-effort: its own failures are logged as diagnostics and
// must never mask the primary deployment error.
func (d *Deployer) reportFailureDetail(ctx context.Context, opts Options, deployStart time.Time) {
	events, err := d.api.GetStackEvents(ctx, opts.StackName)
	if err != nil {
		d.log.Debug("could not fetch failure details for stack %s: %v", opts.StackName, err)
		return
	}

	var details []string
	for _, event := range events {
		status := string(event.ResourceStatus)
		if !strings.Contains(status, "FAILED") {
			continue
		}
		if event.Timestamp != nil && !deployStart.IsZero() && event.Timestamp.Before(deployStart) {
			continue
		}

		resourceType := safeString(event.ResourceType)
		logicalID := safeString(event.LogicalResourceId)
		reason := safeString(event.ResourceStatusReason)

		if d.Enricher != nil && event.Timestamp != nil {
			if detail, ok := d.Enricher.Detail(ctx, resourceType, logicalID, reason, *event.Timestamp); ok {
				reason = detail
			}
		}

		details = append(details, fmt.Sprintf("%s (%s): %s", logicalID, status, reason))
	}

	if len(details) > 0 {
		d.log.Warn("validation errors: %s", strings.Join(details, "; "))
	}
}

// startMonitor spins up the event stream. Any failure here is downgraded
// to a warning; the deployment proceeds without streaming.
func (d *Deployer) startMonitor(ctx context.Context, opts Options, start time.Time) (mon *monitor.Monitor) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Warn("event streaming failed to start, continuing without it: %v", r)
			mon = nil
		}
	}()

	mon = monitor.New(monitor.Config{
		StackName:       opts.StackName,
		API:             d.api,
		EnableColors:    opts.EnableColors,
		PollInterval:    opts.PollInterval,
		MaxPollInterval: opts.MaxPollInterval,
		DeploymentStart: start,
	}, d.log)
	mon.StartMonitoring(ctx)
	return mon
}

// stopMonitor shuts the event stream down. Runs in the deploy cleanup
// path regardless of outcome; its failures never replace the deployment's
// own error.
func (d *Deployer) stopMonitor(mon *monitor.Monitor) {
	if mon == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Warn("failed to stop event streaming: %v", r)
		}
	}()
	mon.StopMonitoring()
}

// validateStackName validates the CloudFormation stack name format before
// any API call is made.
func validateStackName(name string) error {
	if name == "" {
		return ErrEmptyStackName
	}
	if len(name) > 128 {
		return ErrInvalidStackNameFormat
	}
	if !stackNameRegex.MatchString(name) {
		return ErrInvalidStackNameFormat
	}
	return nil
}

func isNoChangeReason(reason string) bool {
	for _, marker := range noChangeReasons {
		if strings.Contains(reason, marker) {
			return true
		}
	}
	return false
}

func stackOutputs(stack *types.Stack) map[string]string {
	outputs := make(map[string]string, len(stack.Outputs))
	for _, out := range stack.Outputs {
		outputs[safeString(out.OutputKey)] = safeString(out.OutputValue)
	}
	return outputs
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// safeString safely dereferences a string pointer, returning empty string if nil.
func safeString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
