// Package mcpserver exposes the assistant's tool set over the Model Context
// Protocol so that external agents can drive the studio with the same tools
// the voice model uses.
//
// Every MCP call is routed through [tools.Dispatcher.Dispatch], so failures
// are contained exactly as in a live session: the caller receives the
// failure text and the result is flagged as an error.
package mcpserver

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kineo-ai/kineo/internal/tools"
	"github.com/kineo-ai/kineo/pkg/provider/live"
)

// Implementation identifies the server to MCP clients.
var Implementation = &mcp.Implementation{Name: "kineo", Version: "1.0.0"}

// Option configures [New].
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the server logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New builds an MCP server with one tool per declaration of d. Tools
// registered on d later are not picked up.
func New(d *tools.Dispatcher, opts ...Option) *mcp.Server {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	srv := mcp.NewServer(Implementation, nil)
	for _, decl := range d.Declarations() {
		srv.AddTool(&mcp.Tool{
			Name:        decl.Name,
			Description: decl.Description,
			InputSchema: decl.Parameters,
		}, toolHandler(d, decl.Name))
		o.logger.Debug("mcp: registered tool", "tool", decl.Name)
	}
	return srv
}

// Handler serves srv over streamable HTTP.
func Handler(srv *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil)
}

func toolHandler(d *tools.Dispatcher, name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res := d.Dispatch(ctx, live.FunctionCall{
			ID:   "mcp-" + uuid.NewString(),
			Name: name,
			Args: req.Params.Arguments,
		})
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: res.Result}},
			IsError: res.Result == tools.FailureText,
		}, nil
	}
}
