package mcpserver

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/entl/mcp-pty/apperr"
	"github.com/entl/mcp-pty/session"
)

// NewServer builds the MCP server with every tool, and every resource
// unless deactivateResources is set (config key deactivateResources /
// MCP_PTY_DEACTIVATE_RESOURCES).
func NewServer(mgr *session.Manager, logger *zap.Logger, deactivateResources bool) *server.MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := server.NewMCPServer(
		"mcp-pty",
		"0.1.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(!deactivateResources, !deactivateResources),
	)

	registerTools(s, mgr, logger)
	if !deactivateResources {
		registerResources(s, mgr, logger)
	}
	return s
}

func ctxFrom(ctx context.Context, mgr *session.Manager) (Context, error) {
	id, ok := SessionIDFromContext(ctx)
	if !ok {
		return Context{}, apperr.Transportf("no session bound to this request")
	}
	return Context{SessionID: id, Manager: mgr}, nil
}

func errorResult(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(err.Error()), nil
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, apperr.Internalf(err, "failed to marshal tool result")
	}
	return mcp.NewToolResultText(string(b)), nil
}

func argString(args map[string]interface{}, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func argStringPtr(args map[string]interface{}, key string) *string {
	v, ok := args[key]
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}

func argInt(args map[string]interface{}, key string, def int) int {
	v, ok := args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

func registerTools(s *server.MCPServer, mgr *session.Manager, logger *zap.Logger) {
	startTool := mcp.NewTool("start",
		mcp.WithDescription("Start a command in a new PTY"),
		mcp.WithString("command", mcp.Required(), mcp.Description("command line to run")),
		mcp.WithString("pwd", mcp.Required(), mcp.Description("absolute path, or ~ / ~/... , for the child's working directory")),
	)
	s.AddTool(startTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		hctx, err := ctxFrom(ctx, mgr)
		if err != nil {
			return errorResult(err)
		}
		args := req.GetArguments()
		res, err := Start(hctx, argString(args, "command"), argString(args, "pwd"))
		if err != nil {
			logger.Warn("start failed", zap.Error(err))
			return errorResult(err)
		}
		return jsonResult(res)
	})

	killTool := mcp.NewTool("kill",
		mcp.WithDescription("Kill and remove a PTY"),
		mcp.WithString("process_id", mcp.Required()),
	)
	s.AddTool(killTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		hctx, err := ctxFrom(ctx, mgr)
		if err != nil {
			return errorResult(err)
		}
		args := req.GetArguments()
		res, err := Kill(hctx, argString(args, "process_id"))
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(res)
	})

	listTool := mcp.NewTool("list", mcp.WithDescription("List PTYs in the current session"))
	s.AddTool(listTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		hctx, err := ctxFrom(ctx, mgr)
		if err != nil {
			return errorResult(err)
		}
		res, err := List(hctx)
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(res)
	})

	readTool := mcp.NewTool("read",
		mcp.WithDescription("Read the current screen of a PTY"),
		mcp.WithString("process_id", mcp.Required()),
	)
	s.AddTool(readTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		hctx, err := ctxFrom(ctx, mgr)
		if err != nil {
			return errorResult(err)
		}
		args := req.GetArguments()
		res, err := Read(hctx, argString(args, "process_id"))
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(res)
	})

	writeInputTool := mcp.NewTool("write_input",
		mcp.WithDescription("Write input to a PTY, either as safe text/control-code or raw bytes"),
		mcp.WithString("process_id", mcp.Required()),
		mcp.WithString("input", mcp.Description("plain text, no escape sequences")),
		mcp.WithString("ctrlCode", mcp.Description("a named control code or a raw sequence of at most 4 bytes")),
		mcp.WithString("data", mcp.Description("raw byte string, may contain escape sequences; mutually exclusive with input/ctrlCode")),
		mcp.WithNumber("waitMs", mcp.Description("observation window in milliseconds, default 1000")),
	)
	s.AddTool(writeInputTool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		hctx, err := ctxFrom(ctx, mgr)
		if err != nil {
			return errorResult(err)
		}
		args := req.GetArguments()
		_, hasData := args["data"]
		res, err := WriteInput(hctx, WriteInputArgs{
			ProcessID: argString(args, "process_id"),
			Input:     argStringPtr(args, "input"),
			CtrlCode:  argStringPtr(args, "ctrlCode"),
			Data:      []byte(argString(args, "data")),
			HasData:   hasData,
			WaitMs:    argInt(args, "waitMs", 1000),
		})
		if err != nil {
			return errorResult(err)
		}
		return jsonResult(res)
	})
}

func registerResources(s *server.MCPServer, mgr *session.Manager, logger *zap.Logger) {
	statusResource := mcp.NewResource("pty://status", "PTY server status",
		mcp.WithResourceDescription("aggregate session and process counts"),
		mcp.WithMIMEType("application/json"),
	)
	s.AddResource(statusResource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st := Status(mgr)
		b, err := json.Marshal(st)
		if err != nil {
			return nil, apperr.Internalf(err, "failed to marshal status")
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: "pty://status", MIMEType: "application/json", Text: string(b)},
		}, nil
	})

	processesResource := mcp.NewResource("pty://processes", "PTY list",
		mcp.WithResourceDescription("PTYs in the current session"),
		mcp.WithMIMEType("application/json"),
	)
	s.AddResource(processesResource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		hctx, err := ctxFrom(ctx, mgr)
		if err != nil {
			return nil, err
		}
		res, err := Processes(hctx)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(res)
		if err != nil {
			return nil, apperr.Internalf(err, "failed to marshal process list")
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: "pty://processes", MIMEType: "application/json", Text: string(b)},
		}, nil
	})

	processOutputTemplate := mcp.NewResourceTemplate("pty://processes/{process_id}", "PTY raw output",
		mcp.WithTemplateDescription("raw output buffer for one PTY"),
		mcp.WithTemplateMIMEType("application/octet-stream"),
	)
	s.AddResourceTemplate(processOutputTemplate, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		hctx, err := ctxFrom(ctx, mgr)
		if err != nil {
			return nil, err
		}
		processID := strings.TrimPrefix(req.Params.URI, "pty://processes/")
		out, err := ReadProcessOutput(hctx, processID)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.BlobResourceContents{URI: req.Params.URI, MIMEType: "application/octet-stream", Blob: string(out.Output)},
		}, nil
	})

	controlCodesResource := mcp.NewResource("pty://control-codes", "Control codes",
		mcp.WithResourceDescription("named control codes accepted by write_input"),
		mcp.WithMIMEType("application/json"),
	)
	s.AddResource(controlCodesResource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(ControlCodes())
		if err != nil {
			return nil, apperr.Internalf(err, "failed to marshal control codes")
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: "pty://control-codes", MIMEType: "application/json", Text: string(b)},
		}, nil
	})
}
