package driver_test

import (
	"testing"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Endpoint selection for username logins goes through opcua.SelectEndpoint;
// this pins the (endpoint, error) form the UA driver relies on.
func TestSelectEndpointForLogin(t *testing.T) {
	eps := []*ua.EndpointDescription{
		{
			EndpointURL:       "opc.tcp://plant:4840",
			SecurityPolicyURI: ua.SecurityPolicyURINone,
			SecurityMode:      ua.MessageSecurityModeNone,
		},
		{
			EndpointURL:       "opc.tcp://plant:4840",
			SecurityPolicyURI: ua.SecurityPolicyURIBasic256Sha256,
			SecurityMode:      ua.MessageSecurityModeSignAndEncrypt,
			SecurityLevel:     3,
		},
	}

	ep, err := opcua.SelectEndpoint(eps, ua.SecurityPolicyURIBasic256Sha256, ua.MessageSecurityModeSignAndEncrypt)
	require.NoError(t, err)
	assert.Equal(t, ua.MessageSecurityModeSignAndEncrypt, ep.SecurityMode)

	ep, err = opcua.SelectEndpoint(eps, ua.SecurityPolicyURINone, ua.MessageSecurityModeNone)
	require.NoError(t, err)
	assert.Equal(t, ua.SecurityPolicyURINone, ep.SecurityPolicyURI)

	_, err = opcua.SelectEndpoint(nil, ua.SecurityPolicyURINone, ua.MessageSecurityModeNone)
	assert.Error(t, err)
}
