package colorizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisabledIsIdentity(t *testing.T) {
	c := New(false)

	assert.Equal(t, "CREATE_COMPLETE", c.Status("CREATE_COMPLETE"))
	assert.Equal(t, "2024-01-01T00:00:00Z", c.Timestamp("2024-01-01T00:00:00Z"))
	assert.Equal(t, "AWS::S3::Bucket/MyBucket", c.Resource("AWS::S3::Bucket", "MyBucket"))
	assert.Equal(t, "done", c.Success("done"))
	assert.Equal(t, "boom", c.Error("boom"))
}

func TestEnabledEmitsAnsiCodes(t *testing.T) {
	c := New(true)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"success status", c.Status("CREATE_COMPLETE"), "\x1b[32m"},
		{"error status", c.Status("CREATE_FAILED"), "\x1b[31m"},
		{"rollback status", c.Status("UPDATE_ROLLBACK_IN_PROGRESS"), "\x1b[31m"},
		{"pending status", c.Status("CREATE_IN_PROGRESS"), "\x1b[33m"},
		{"unknown status falls back to info", c.Status("SOMETHING_NEW"), "\x1b[36m"},
		{"timestamp", c.Timestamp("now"), "\x1b[36m"},
		{"error message", c.Error("boom"), "\x1b[31m"},
		{"success message", c.Success("done"), "\x1b[32m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, tt.got, tt.want)
		})
	}
}

func TestStatusIsCaseInsensitive(t *testing.T) {
	c := New(true)
	assert.Equal(t, c.Status("create_complete"), "\x1b[32mcreate_complete\x1b[0m")
}

func TestResourceJoinsTypeAndID(t *testing.T) {
	c := New(true)
	got := c.Resource("AWS::Lambda::Function", "Handler")
	assert.Contains(t, got, "AWS::Lambda::Function/Handler")
}

func TestSetEnabled(t *testing.T) {
	c := New(false)
	assert.False(t, c.Enabled())

	c.SetEnabled(true)
	assert.True(t, c.Enabled())
	assert.NotEqual(t, "CREATE_FAILED", c.Status("CREATE_FAILED"))

	c.SetEnabled(false)
	assert.Equal(t, "CREATE_FAILED", c.Status("CREATE_FAILED"))
}
