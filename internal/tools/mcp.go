package tools

import (
	"context"
	"io"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"
)

// ServerName is announced to MCP clients.
const ServerName = "sshbroker"

func (p Param) toolOption() mcp.ToolOption {
	props := []mcp.PropertyOption{mcp.Description(p.Description)}
	if p.Required {
		props = append(props, mcp.Required())
	}
	switch p.Kind {
	case KindNumber:
		if d, ok := p.Default.(float64); ok {
			props = append(props, mcp.DefaultNumber(d))
		}
		return mcp.WithNumber(p.Name, props...)
	case KindBoolean:
		if d, ok := p.Default.(bool); ok {
			props = append(props, mcp.DefaultBool(d))
		}
		return mcp.WithBoolean(p.Name, props...)
	default:
		if d, ok := p.Default.(string); ok {
			props = append(props, mcp.DefaultString(d))
		}
		return mcp.WithString(p.Name, props...)
	}
}

// mcpTool builds the MCP definition of t.
func mcpTool(t *Tool) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(t.Description)}
	for _, p := range t.Params {
		opts = append(opts, p.toolOption())
	}
	return mcp.NewTool(t.Name, opts...)
}

// mcpHandler adapts a registry tool to the MCP handler signature.
func (r *Registry) mcpHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp := r.Dispatch(ctx, name, req.GetArguments())
		if resp.IsError {
			return mcp.NewToolResultError(resp.Text), nil
		}
		return mcp.NewToolResultText(resp.Text), nil
	}
}

// MCPServer returns an MCP server exposing every registered tool.
func (r *Registry) MCPServer(version string) *server.MCPServer {
	s := server.NewMCPServer(ServerName, version, server.WithToolCapabilities(false))
	for _, t := range r.Tools() {
		s.AddTool(mcpTool(t), r.mcpHandler(t.Name))
	}
	logger.Infof("registered %d MCP tools", len(r.order))
	return s
}

// ServeStdio speaks MCP over in/out until ctx is cancelled or in is closed.
// Transport errors are logged through logrus; out must not be shared with
// log output.
func ServeStdio(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer) error {
	errLog := logger.WriterLevel(logrus.ErrorLevel)
	defer errLog.Close()

	stdio := server.NewStdioServer(s)
	stdio.SetErrorLogger(log.New(errLog, "", 0))
	return stdio.Listen(ctx, in, out)
}
