package googlevertex_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentrt/message"
	"agentrt/provider"
	"agentrt/provider/googlevertex"
)

func TestStreamRequiresProject(t *testing.T) {
	client := googlevertex.New(nil)
	ctxMsgs := message.Context{Messages: []message.Message{message.NewUserText("hi", time.Now())}}
	_, err := client.Stream(context.Background(), message.Model{ID: "gemini-pro"}, ctxMsgs, provider.Options{})
	require.Error(t, err)
}
