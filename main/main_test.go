package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionInput(t *testing.T) {
	t.Setenv("INPUT_STACK_NAME", "  demo  ")
	assert.Equal(t, "demo", actionInput("stack-name"))
	assert.Empty(t, actionInput("template-url"))
}

func TestApplyActionEnvFlagsWin(t *testing.T) {
	t.Setenv("INPUT_STACK_NAME", "from-env")
	t.Setenv("INPUT_NO_EXECUTE_CHANGESET", "true")

	in := &inputs{stackName: "from-flag"}
	in.applyActionEnv()

	assert.Equal(t, "from-flag", in.stackName)
	assert.True(t, in.noExecuteChangeSet)
}

func TestApplyActionEnvFillsUnset(t *testing.T) {
	t.Setenv("INPUT_STACK_NAME", "demo")
	t.Setenv("INPUT_PARAMETERS", "KeyA=1,KeyB=2\nKeyC=3")
	t.Setenv("INPUT_CAPABILITIES", "CAPABILITY_IAM")
	t.Setenv("INPUT_NO_FAIL_ON_EMPTY_CHANGESET", "1")
	t.Setenv("INPUT_DISABLE_ROLLBACK", "false")

	in := &inputs{}
	in.applyActionEnv()

	assert.Equal(t, "demo", in.stackName)
	assert.Equal(t, []string{"KeyA=1", "KeyB=2", "KeyC=3"}, in.parameters)
	assert.Equal(t, []string{"CAPABILITY_IAM"}, in.capabilities)
	assert.True(t, in.noFailOnEmptyChangeSet)
	assert.False(t, in.disableRollback)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitList("a, b ,\nc"))
	assert.Equal(t, []string{"one"}, splitList("one"))
	assert.Nil(t, splitList(" , \n "))
}

func TestParseKeyValues(t *testing.T) {
	got, err := parseKeyValues([]string{"Env=prod", "Version=1.2=3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Env": "prod", "Version": "1.2=3"}, got)

	_, err = parseKeyValues([]string{"missing-separator"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing-separator")

	_, err = parseKeyValues([]string{"=value"})
	require.Error(t, err)
}

func TestWriteOutputsToGithubOutputFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "github_output")
	t.Setenv("GITHUB_OUTPUT", path)

	err := writeOutputs("arn:stack/demo", map[string]string{"BucketName": "demo-bucket"})
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "stack-id=arn:stack/demo\n")
	assert.Contains(t, string(content), `outputs={"BucketName":"demo-bucket"}`)
}

func TestWriteOutputsAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "github_output")
	require.NoError(t, os.WriteFile(path, []byte("existing=1\n"), 0644))
	t.Setenv("GITHUB_OUTPUT", path)

	require.NoError(t, writeOutputs("arn:stack/demo", nil))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "existing=1\n")
	assert.Contains(t, string(content), "stack-id=arn:stack/demo\n")
}

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{
		"stack-name", "template-file", "template-url", "parameter", "tag",
		"capability", "role-arn", "change-set-name", "no-execute-changeset",
		"no-fail-on-empty-changeset", "no-delete-failed-changeset",
		"disable-rollback", "termination-protection",
		"disable-event-streaming", "no-color", "max-wait-minutes", "log-level",
	} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "flag %s", name)
	}
}
