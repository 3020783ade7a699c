package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// discoveredTool is one tool as reported by a server's list-tools call.
type discoveredTool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// protocolClient is the black-box RPC session to one tool server.
// Abstracted so client tests can run without a live server.
type protocolClient interface {
	ListTools(ctx context.Context) ([]discoveredTool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Close() error
}

// Dialer opens a protocol session against a server endpoint.
type Dialer func(ctx context.Context, endpoint string) (protocolClient, error)

// DialMCP connects an MCP client over streamable HTTP.
func DialMCP(ctx context.Context, endpoint string) (protocolClient, error) {
	client := mcp.NewClient(&mcp.Implementation{
		Name:    "archestra-sandbox",
		Version: "0.1.0",
	}, nil)

	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: endpoint}, nil)
	if err != nil {
		return nil, fmt.Errorf("DialMCP %s: %w", endpoint, err)
	}
	return &mcpSession{session: session}, nil
}

type mcpSession struct {
	session *mcp.ClientSession
}

func (s *mcpSession) ListTools(ctx context.Context) ([]discoveredTool, error) {
	res, err := s.session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("ListTools: %w", err)
	}

	out := make([]discoveredTool, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("ListTools: encode schema for %s: %w", t.Name, err)
		}
		out = append(out, discoveredTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out, nil
}

func (s *mcpSession) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	res, err := s.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("CallTool %s: %w", name, err)
	}

	text := flattenContent(res.Content)
	if res.IsError {
		return "", fmt.Errorf("CallTool %s: server reported error: %s", name, text)
	}
	return text, nil
}

func (s *mcpSession) Close() error {
	return s.session.Close()
}

func flattenContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
