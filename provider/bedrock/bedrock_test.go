package bedrock_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"agentrt/message"
	"agentrt/provider"
	"agentrt/provider/bedrock"
)

// TestStreamRejectsNonUserFirstMessage is scenario S2: Bedrock's Converse
// API requires the turn sequence to start with a user message.
func TestStreamRejectsNonUserFirstMessage(t *testing.T) {
	client := bedrock.New(nil)
	ctxMsgs := message.Context{Messages: []message.Message{
		{Role: message.RoleAssistant, StopReason: message.StopReasonStop},
	}}
	_, err := client.Stream(context.Background(), message.Model{ID: "m"}, ctxMsgs, provider.Options{Region: "us-east-1"})
	require.Error(t, err)
}

func TestStreamRejectsEmptyConversation(t *testing.T) {
	client := bedrock.New(nil)
	_, err := client.Stream(context.Background(), message.Model{ID: "m"}, message.Context{}, provider.Options{Region: "us-east-1"})
	require.Error(t, err)
}
