// Package googlevertex implements the Google Vertex AI provider adapter
// (spec §4.6.5): project/location-scoped routing over the same Gemini wire
// format as googlegenai, with bearer-token acquisition via
// golang.org/x/oauth2/google, falling back to invoking `gcloud auth
// print-access-token` when no ambient credential is available.
package googlevertex

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"golang.org/x/oauth2/google"

	"agentrt/message"
	"agentrt/provider"
	"agentrt/provider/googlegenai"
)

// Client implements provider.Adapter against the Vertex AI
// generateContent endpoint.
type Client struct {
	inner *googlegenai.Client
}

// New builds a Client. doer is the HTTP transport seam.
func New(doer googlegenai.HTTPDoer) *Client {
	return &Client{inner: googlegenai.New(doer)}
}

func (c *Client) StreamSimple(ctx context.Context, model message.Model, ctxMsgs message.Context, opts provider.SimpleOptions) (provider.Stream, error) {
	full := provider.Options{BaseURL: opts.BaseURL, Headers: opts.Headers}
	if opts.Reasoning != "" && opts.Reasoning != provider.ReasoningMinimal {
		full.Thinking = &provider.ThinkingOptions{Enable: true}
	}
	return c.Stream(ctx, model, ctxMsgs, full)
}

// Stream resolves opts.Project/opts.Location into the Vertex URL shape and
// a bearer token (opts.BearerToken, then ambient application-default
// credentials, then `gcloud auth print-access-token`) before delegating to
// the shared Gemini wire format.
func (c *Client) Stream(ctx context.Context, model message.Model, ctxMsgs message.Context, opts provider.Options) (provider.Stream, error) {
	if opts.Project == "" {
		return nil, fmt.Errorf("googlevertex: project is required")
	}
	location := opts.Location
	if location == "" {
		location = "us-central1"
	}

	token := opts.BearerToken
	if token == "" {
		resolved, err := resolveAccessToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("googlevertex: resolving access token: %w", err)
		}
		token = resolved
	}

	opts.BearerToken = token
	opts.BaseURL = fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google",
		location, opts.Project, location,
	)
	return c.inner.Stream(ctx, model, ctxMsgs, opts)
}

// resolveAccessToken tries google.DefaultTokenSource first (covers
// GOOGLE_APPLICATION_CREDENTIALS, GCE/GKE metadata, gcloud ADC file), and
// falls back to shelling out to the gcloud CLI — no library substitutes
// for invoking an external binary (see DESIGN.md).
func resolveAccessToken(ctx context.Context) (string, error) {
	ts, err := google.DefaultTokenSource(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err == nil {
		tok, terr := ts.Token()
		if terr == nil && tok.AccessToken != "" {
			return tok.AccessToken, nil
		}
	}
	return gcloudAccessToken(ctx)
}

func gcloudAccessToken(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "gcloud", "auth", "print-access-token")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("gcloud auth print-access-token: %w", err)
	}
	return strings.TrimSpace(out.String()), nil
}
