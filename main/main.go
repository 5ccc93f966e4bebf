package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"cfn-deploy/awserrors"
	"cfn-deploy/cfnclient"
	"cfn-deploy/cloudtrail"
	"cfn-deploy/deployer"
	"cfn-deploy/logging"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/spf13/cobra"
)

type inputs struct {
	stackName     string
	templateFile  string
	templateURL   string
	parameters    []string
	tags          []string
	capabilities  []string
	roleARN       string
	changeSetName string
	description   string

	noExecuteChangeSet      bool
	noFailOnEmptyChangeSet  bool
	noDeleteFailedChangeSet bool
	disableRollback         bool
	terminationProtection   bool
	disableEventStreaming   bool
	noColor                 bool

	maxWaitMinutes int
	logLevel       string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	in := &inputs{}

	cmd := &cobra.Command{
		Use:          "cfn-deploy",
		Short:        "Deploy an AWS CloudFormation stack from a GitHub Actions workflow",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			in.applyActionEnv()
			return run(cmd.Context(), in)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&in.stackName, "stack-name", "", "name of the CloudFormation stack")
	flags.StringVar(&in.templateFile, "template-file", "", "path to the template file")
	flags.StringVar(&in.templateURL, "template-url", "", "S3 URL of the template")
	flags.StringSliceVar(&in.parameters, "parameter", nil, "stack parameter as Key=Value (repeatable)")
	flags.StringSliceVar(&in.tags, "tag", nil, "stack tag as Key=Value (repeatable)")
	flags.StringSliceVar(&in.capabilities, "capability", nil, "IAM capability, e.g. CAPABILITY_IAM (repeatable)")
	flags.StringVar(&in.roleARN, "role-arn", "", "CloudFormation service role ARN")
	flags.StringVar(&in.changeSetName, "change-set-name", "", "name for the change set")
	flags.StringVar(&in.description, "change-set-description", "", "description for the change set")
	flags.BoolVar(&in.noExecuteChangeSet, "no-execute-changeset", false, "create the change set but do not execute it")
	flags.BoolVar(&in.noFailOnEmptyChangeSet, "no-fail-on-empty-changeset", false, "treat an empty change set as success")
	flags.BoolVar(&in.noDeleteFailedChangeSet, "no-delete-failed-changeset", false, "keep a failed change set for inspection")
	flags.BoolVar(&in.disableRollback, "disable-rollback", false, "disable rollback on create failure")
	flags.BoolVar(&in.terminationProtection, "termination-protection", false, "enable termination protection on create")
	flags.BoolVar(&in.disableEventStreaming, "disable-event-streaming", false, "do not stream stack events to the log")
	flags.BoolVar(&in.noColor, "no-color", false, "disable colored output")
	flags.IntVar(&in.maxWaitMinutes, "max-wait-minutes", 30, "maximum minutes to wait for stack operations")
	flags.StringVar(&in.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	return cmd
}

func run(ctx context.Context, in *inputs) error {
	if ctx == nil {
		ctx = context.Background()
	}

	log, err := logging.New(in.logLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	var templateBody string
	if in.templateFile != "" {
		body, err := os.ReadFile(in.templateFile)
		if err != nil {
			return fmt.Errorf("failed to read template file: %w", err)
		}
		templateBody = string(body)
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return awserrors.Parse(err)
	}

	client := cfnclient.NewClientWithConfig(cfg)
	d := deployer.New(client, log)
	d.Enricher = cloudtrail.NewEnricher(cfg, log)

	parameters, err := parseKeyValues(in.parameters)
	if err != nil {
		return fmt.Errorf("invalid parameter: %w", err)
	}
	tags, err := parseKeyValues(in.tags)
	if err != nil {
		return fmt.Errorf("invalid tag: %w", err)
	}

	result, err := d.Deploy(ctx, deployer.Options{
		StackName:                   in.stackName,
		TemplateBody:                templateBody,
		TemplateURL:                 in.templateURL,
		Parameters:                  toParameters(parameters),
		Tags:                        toTags(tags),
		Capabilities:                toCapabilities(in.capabilities),
		RoleARN:                     in.roleARN,
		DisableRollback:             in.disableRollback,
		EnableTerminationProtection: in.terminationProtection,
		ChangeSetName:               in.changeSetName,
		ChangeSetDescription:        in.description,
		EnableEventStreaming:        !in.disableEventStreaming,
		NoFailOnEmptyChangeSet:      in.noFailOnEmptyChangeSet,
		NoExecuteChangeSet:          in.noExecuteChangeSet,
		NoDeleteFailedChangeSet:     in.noDeleteFailedChangeSet,
		EnableColors:                !in.noColor,
		MaxWaitTime:                 time.Duration(in.maxWaitMinutes) * time.Minute,
	})
	if err != nil {
		return err
	}

	log.Info("deployment complete: %s", result.StackID)
	return writeOutputs(result.StackID, result.Outputs)
}

// applyActionEnv fills unset inputs from GitHub Actions INPUT_* variables,
// so the binary works both as a CLI and as an action entrypoint.
func (in *inputs) applyActionEnv() {
	setString := func(dst *string, name string) {
		if *dst == "" {
			*dst = actionInput(name)
		}
	}
	setBool := func(dst *bool, name string) {
		if !*dst {
			v := strings.ToLower(actionInput(name))
			*dst = v == "true" || v == "1"
		}
	}
	setList := func(dst *[]string, name string) {
		if len(*dst) == 0 {
			if v := actionInput(name); v != "" {
				*dst = splitList(v)
			}
		}
	}

	setString(&in.stackName, "stack-name")
	setString(&in.templateFile, "template-file")
	setString(&in.templateURL, "template-url")
	setList(&in.parameters, "parameters")
	setList(&in.tags, "tags")
	setList(&in.capabilities, "capabilities")
	setString(&in.roleARN, "role-arn")
	setString(&in.changeSetName, "change-set-name")
	setString(&in.description, "change-set-description")
	setBool(&in.noExecuteChangeSet, "no-execute-changeset")
	setBool(&in.noFailOnEmptyChangeSet, "no-fail-on-empty-changeset")
	setBool(&in.noDeleteFailedChangeSet, "no-delete-failed-changeset")
	setBool(&in.disableRollback, "disable-rollback")
	setBool(&in.terminationProtection, "termination-protection")
	setBool(&in.disableEventStreaming, "disable-event-streaming")
}

// actionInput reads a GitHub Actions input: "stack-name" -> INPUT_STACK_NAME.
func actionInput(name string) string {
	key := "INPUT_" + strings.ReplaceAll(strings.ToUpper(name), "-", "_")
	return strings.TrimSpace(os.Getenv(key))
}

// splitList splits a comma- or newline-separated action input.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == '\n' }) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseKeyValues(pairs []string) (map[string]string, error) {
	result := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("expected Key=Value, got %q", pair)
		}
		result[key] = value
	}
	return result, nil
}

func toParameters(kv map[string]string) []types.Parameter {
	params := make([]types.Parameter, 0, len(kv))
	for key, value := range kv {
		params = append(params, types.Parameter{
			ParameterKey:   strPtr(key),
			ParameterValue: strPtr(value),
		})
	}
	return params
}

func toTags(kv map[string]string) []types.Tag {
	tags := make([]types.Tag, 0, len(kv))
	for key, value := range kv {
		tags = append(tags, types.Tag{
			Key:   strPtr(key),
			Value: strPtr(value),
		})
	}
	return tags
}

func toCapabilities(names []string) []types.Capability {
	caps := make([]types.Capability, 0, len(names))
	for _, name := range names {
		caps = append(caps, types.Capability(name))
	}
	return caps
}

// writeOutputs reports the stack id and outputs. Inside a workflow they go
// to GITHUB_OUTPUT; otherwise to stdout.
func writeOutputs(stackID string, outputs map[string]string) error {
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("failed to encode stack outputs: %w", err)
	}

	if path := os.Getenv("GITHUB_OUTPUT"); path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open GITHUB_OUTPUT: %w", err)
		}
		defer f.Close()

		if _, err := fmt.Fprintf(f, "stack-id=%s\noutputs=%s\n", stackID, outputsJSON); err != nil {
			return fmt.Errorf("failed to write GITHUB_OUTPUT: %w", err)
		}
		return nil
	}

	fmt.Printf("stack-id=%s\noutputs=%s\n", stackID, outputsJSON)
	return nil
}

func strPtr(s string) *string {
	return &s
}
