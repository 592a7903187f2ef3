// Package mcp exposes the archiver tools to an agent over the Model Context
// Protocol.
package mcp

import (
	"context"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/gftdcojp/epics-archiver-mcp/internal/config"
	"github.com/gftdcojp/epics-archiver-mcp/internal/tools"
)

const surface = "mcp"

// Server is an MCP server offering get_pv_data, get_pv_statistics and
// decode_pv_stream.
type Server struct {
	server *sdk.Server
	logger *zap.Logger
}

// NewServer registers the tools backed by svc.
func NewServer(cfg config.MCPConfig, version string, svc *tools.Service, logger *zap.Logger) *Server {
	server := sdk.NewServer(&sdk.Implementation{Name: cfg.ServerName, Version: version}, nil)

	sdk.AddTool(server, &sdk.Tool{
		Name: tools.ToolGetPVData,
		Description: "Retrieve time-series data for an EPICS Process Variable (PV) from the Archiver Appliance. " +
			"Returns timestamps, values, severity and status for each sample, or summary statistics " +
			"with format=summary. Use it to analyze historical PV trends, detect anomalies or extract features.",
		Annotations: &sdk.ToolAnnotations{ReadOnlyHint: true},
	}, handler(logger, svc.GetPVData))

	sdk.AddTool(server, &sdk.Tool{
		Name: tools.ToolGetPVStatistics,
		Description: "Calculate a statistical summary for a PV over a time range: count, mean, median, " +
			"standard deviation, min, max, first and last value, plus data quality metrics " +
			"(severity distribution, skipped and out-of-order samples).",
		Annotations: &sdk.ToolAnnotations{ReadOnlyHint: true},
	}, handler(logger, svc.GetPVStatistics))

	sdk.AddTool(server, &sdk.Tool{
		Name: tools.ToolDecodePVStream,
		Description: "Decode a raw archiver PB response (base64) without contacting the archiver. " +
			"Returns the same data as get_pv_data in json format.",
		Annotations: &sdk.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true},
	}, handler(logger, svc.DecodePVStream))

	return &Server{server: server, logger: logger}
}

// handler adapts a tool to the SDK. Tool failures become error results the
// agent can read; only protocol problems fail the request.
func handler[In any](logger *zap.Logger, call func(context.Context, In) (*tools.Response, error)) sdk.ToolHandlerFor[In, any] {
	return func(ctx context.Context, req *sdk.CallToolRequest, in In) (*sdk.CallToolResult, any, error) {
		resp, err := call(tools.WithSurface(ctx, surface), in)
		if err != nil {
			logger.Info("tool call failed", zap.String("tool", req.Params.Name), zap.Error(err))
			return nil, nil, err
		}
		return &sdk.CallToolResult{
			Content: []sdk.Content{&sdk.TextContent{Text: resp.Text()}},
		}, nil, nil
	}
}

// Run serves over stdin/stdout until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("MCP server listening on stdio")
	return s.Serve(ctx, &sdk.StdioTransport{})
}

// Serve serves a single session over t.
func (s *Server) Serve(ctx context.Context, t sdk.Transport) error {
	return s.server.Run(ctx, t)
}
