package googlecloudcode_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"agentrt/provider/googlecloudcode"
)

func TestNewDefaultsLimiterWhenNil(t *testing.T) {
	client := googlecloudcode.New(nil, nil)
	require.NotNil(t, client)
}

func TestNewAcceptsCustomLimiter(t *testing.T) {
	client := googlecloudcode.New(nil, rate.NewLimiter(rate.Limit(5), 5))
	require.NotNil(t, client)
}
