package streaminghttp_test

import (
	"testing"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// TestSDKClient_E2E drives the bridge with the reference MCP client and
// verifies it can list and call tools served by the upstream.
func TestSDKClient_E2E(t *testing.T) {
	ctx := t.Context()
	h := newHarness(t)

	client := sdk.NewClient(&sdk.Implementation{Name: "e2e", Version: "0.0.0"}, &sdk.ClientOptions{})
	transport := &sdk.StreamableClientTransport{
		Endpoint:   h.srv.URL + "/mcp",
		HTTPClient: h.srv.Client(),
	}
	cs, err := client.Connect(ctx, transport, &sdk.ClientSessionOptions{})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	lt, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(lt.Tools) != 1 || lt.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", lt.Tools)
	}

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"message": "hello"},
	})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if len(res.Content) == 0 {
		t.Fatalf("unexpected empty call result: %+v", res)
	}

	if want, got := 1, h.handler.Sessions(); want != got {
		t.Fatalf("expected %d bridged session, got %d", want, got)
	}
	if err := cs.Close(); err != nil {
		t.Logf("close: %v", err)
	}
}
