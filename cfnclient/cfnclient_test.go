package cfnclient

import (
	"testing"

	"cfn-deploy/deployer"
	"cfn-deploy/poller"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
)

// The wrapper must satisfy every consumer-side interface in the module.
var (
	_ CloudFormationAPI = (*Client)(nil)
	_ deployer.API      = (*Client)(nil)
	_ poller.EventsAPI  = (*Client)(nil)
)

func TestNewClientWithConfig(t *testing.T) {
	client := NewClientWithConfig(aws.Config{Region: "eu-west-1"})
	assert.NotNil(t, client)
}
