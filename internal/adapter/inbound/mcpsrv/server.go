// Package mcpsrv exposes the browser control plane as an MCP server
// over stdio. Every tool call flows through the interceptor pipeline
// before reaching the daemon, so policy, approval, and retry semantics
// apply uniformly no matter which agent is on the other end.
package mcpsrv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/opta-dev/opta-browser/internal/domain/action"
	"github.com/opta-dev/opta-browser/internal/service"
)

// Executor is the slice of the daemon the tool handlers need.
type Executor interface {
	OpenSession(ctx context.Context, input action.Input) *action.Result
	CloseSession(ctx context.Context, sessionID string) *action.Result
	Navigate(ctx context.Context, input action.Input) *action.Result
	Click(ctx context.Context, input action.Input) *action.Result
	Type(ctx context.Context, input action.Input) *action.Result
	Snapshot(ctx context.Context, input action.Input) *action.Result
	Screenshot(ctx context.Context, input action.Input) *action.Result
	HealthSnapshot() service.Health
}

// Server is the MCP stdio front end.
type Server struct {
	exec        Executor
	interceptor *service.Interceptor
	tracer      trace.Tracer
	logger      *slog.Logger
	version     string
}

// NewServer wires the tool handlers to a daemon through an interceptor.
func NewServer(exec Executor, interceptor *service.Interceptor, tracer trace.Tracer, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("opta-browser")
	}
	return &Server{
		exec:        exec,
		interceptor: interceptor,
		tracer:      tracer,
		logger:      logger,
		version:     version,
	}
}

// OpenInput opens a browser session.
type OpenInput struct {
	SessionID  string `json:"sessionId,omitempty" jsonschema:"optional explicit session id"`
	RunID      string `json:"runId,omitempty" jsonschema:"groups sessions belonging to one agent run"`
	Mode       string `json:"mode,omitempty" jsonschema:"isolated (default) or attach"`
	WSEndpoint string `json:"wsEndpoint,omitempty" jsonschema:"loopback ws endpoint for attach mode"`
	Headless   bool   `json:"headless,omitempty" jsonschema:"launch headless (isolated mode)"`
	ProfileDir string `json:"profileDir,omitempty" jsonschema:"persistent profile directory (isolated mode)"`
}

// NavigateInput drives a session to a URL.
type NavigateInput struct {
	SessionID string `json:"sessionId" jsonschema:"target session id"`
	URL       string `json:"url" jsonschema:"http or https URL to navigate to"`
	WaitUntil string `json:"waitUntil,omitempty" jsonschema:"load, domcontentloaded, networkidle, or commit"`
	TimeoutMs int    `json:"timeoutMs,omitempty" jsonschema:"driver timeout override in milliseconds"`
}

// ClickInput clicks an element.
type ClickInput struct {
	SessionID string `json:"sessionId" jsonschema:"target session id"`
	Selector  string `json:"selector" jsonschema:"CSS selector of the element to click"`
	TimeoutMs int    `json:"timeoutMs,omitempty" jsonschema:"driver timeout override in milliseconds"`
}

// TypeInput fills text into an element.
type TypeInput struct {
	SessionID string `json:"sessionId" jsonschema:"target session id"`
	Selector  string `json:"selector" jsonschema:"CSS selector of the element to fill"`
	Text      string `json:"text" jsonschema:"text to fill"`
	Submit    bool   `json:"submit,omitempty" jsonschema:"press Enter after typing"`
	TimeoutMs int    `json:"timeoutMs,omitempty" jsonschema:"driver timeout override in milliseconds"`
}

// SessionInput targets an existing session.
type SessionInput struct {
	SessionID string `json:"sessionId" jsonschema:"target session id"`
}

// ScreenshotInput captures the page as an image.
type ScreenshotInput struct {
	SessionID string `json:"sessionId" jsonschema:"target session id"`
	FullPage  bool   `json:"fullPage,omitempty" jsonschema:"capture the full scrollable page"`
	ImageType string `json:"type,omitempty" jsonschema:"png (default) or jpeg"`
	Quality   int    `json:"quality,omitempty" jsonschema:"jpeg quality 1-100"`
}

// StatusInput has no fields; browser_status takes no arguments.
type StatusInput struct{}

// Output is the uniform tool result payload.
type Output struct {
	OK        bool           `json:"ok"`
	ActionID  string         `json:"actionId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *action.Error  `json:"error,omitempty"`
}

// Build constructs the MCP server with every browser tool registered.
func (s *Server) Build() *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "opta-browser", Version: s.version}, nil)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "browser_open",
		Description: "Open a browser session (isolated launch or attach to a loopback remote-debug endpoint).",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in OpenInput) (*mcp.CallToolResult, Output, error) {
		return s.run(ctx, "browser_open", in, func(ctx context.Context) *action.Result {
			return s.exec.OpenSession(ctx, action.Input{
				SessionID:  in.SessionID,
				RunID:      in.RunID,
				Mode:       in.Mode,
				WSEndpoint: in.WSEndpoint,
				Headless:   in.Headless,
				ProfileDir: in.ProfileDir,
			})
		})
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "browser_navigate",
		Description: "Navigate a session to an http(s) URL.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in NavigateInput) (*mcp.CallToolResult, Output, error) {
		return s.run(ctx, "browser_navigate", in, func(ctx context.Context) *action.Result {
			return s.exec.Navigate(ctx, action.Input{
				SessionID: in.SessionID,
				URL:       in.URL,
				WaitUntil: in.WaitUntil,
				TimeoutMs: in.TimeoutMs,
			})
		})
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "browser_click",
		Description: "Click the element matching a selector.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in ClickInput) (*mcp.CallToolResult, Output, error) {
		return s.run(ctx, "browser_click", in, func(ctx context.Context) *action.Result {
			return s.exec.Click(ctx, action.Input{
				SessionID: in.SessionID,
				Selector:  in.Selector,
				TimeoutMs: in.TimeoutMs,
			})
		})
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "browser_type",
		Description: "Fill text into the element matching a selector, optionally pressing Enter.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in TypeInput) (*mcp.CallToolResult, Output, error) {
		return s.run(ctx, "browser_type", in, func(ctx context.Context) *action.Result {
			return s.exec.Type(ctx, action.Input{
				SessionID: in.SessionID,
				Selector:  in.Selector,
				Text:      in.Text,
				Submit:    in.Submit,
				TimeoutMs: in.TimeoutMs,
			})
		})
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "browser_snapshot",
		Description: "Capture the current page HTML as an artifact.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in SessionInput) (*mcp.CallToolResult, Output, error) {
		return s.run(ctx, "browser_snapshot", in, func(ctx context.Context) *action.Result {
			return s.exec.Snapshot(ctx, action.Input{SessionID: in.SessionID})
		})
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "browser_screenshot",
		Description: "Capture a page screenshot (png or jpeg) as an artifact.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in ScreenshotInput) (*mcp.CallToolResult, Output, error) {
		return s.run(ctx, "browser_screenshot", in, func(ctx context.Context) *action.Result {
			return s.exec.Screenshot(ctx, action.Input{
				SessionID: in.SessionID,
				FullPage:  in.FullPage,
				ImageType: in.ImageType,
				Quality:   in.Quality,
			})
		})
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "browser_close",
		Description: "Close a session and release its driver context.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in SessionInput) (*mcp.CallToolResult, Output, error) {
		return s.run(ctx, "browser_close", in, func(ctx context.Context) *action.Result {
			return s.exec.CloseSession(ctx, in.SessionID)
		})
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "browser_status",
		Description: "Report daemon health: state, open sessions, prune and run-corpus status.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in StatusInput) (*mcp.CallToolResult, Output, error) {
		h := s.exec.HealthSnapshot()
		data, err := toMap(h)
		if err != nil {
			return nil, Output{}, err
		}
		out := Output{OK: true, Data: data}
		return textResult(out), out, nil
	})

	return srv
}

// Run serves MCP over stdio until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := s.Build()
	s.logger.Info("mcp server listening on stdio", "version", s.version)
	return srv.Run(ctx, &mcp.StdioTransport{})
}

// run pushes one tool call through the interceptor and shapes the
// result. Policy denials surface as tool errors, not protocol errors.
func (s *Server) run(ctx context.Context, tool string, in any, exec service.ExecFunc) (*mcp.CallToolResult, Output, error) {
	args, err := toMap(in)
	if err != nil {
		return nil, Output{}, fmt.Errorf("encode %s args: %w", tool, err)
	}

	ctx, span := s.tracer.Start(ctx, "mcp.tool/"+tool,
		trace.WithAttributes(
			attribute.String("mcp.tool", tool),
			attribute.String("browser.session_id", stringFrom(args, "sessionId")),
		))
	defer span.End()

	res, err := s.interceptor.Execute(ctx, tool, args, exec)
	if err != nil {
		var denied *service.PolicyDenied
		if errors.As(err, &denied) {
			span.SetStatus(codes.Error, "policy denied")
			span.SetAttributes(attribute.String("browser.policy_reason", denied.Decision.Reason))
			out := Output{Error: &action.Error{
				Code:          policyCode(denied),
				Message:       denied.Error(),
				RetryCategory: "policy",
			}}
			return errorResult(out), out, nil
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, Output{}, err
	}

	out := Output{
		OK:        res.OK,
		ActionID:  res.Action.ID,
		SessionID: res.Action.SessionID,
		Data:      res.Data,
		Error:     res.Error,
	}
	if !res.OK {
		span.SetStatus(codes.Error, res.Error.Code)
		return errorResult(out), out, nil
	}
	span.SetAttributes(attribute.String("browser.action_id", res.Action.ID))
	return textResult(out), out, nil
}

func policyCode(denied *service.PolicyDenied) string {
	if denied.GateDenied {
		return action.CodeApprovalRequired
	}
	return action.CodePolicyDeny
}

func textResult(out Output) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: renderOutput(out)}},
	}
}

func errorResult(out Output) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: renderOutput(out)}},
	}
}

func renderOutput(out Output) string {
	// Screenshot bytes do not belong in the text channel.
	if out.Data != nil {
		if _, ok := out.Data["bytes"]; ok {
			trimmed := make(map[string]any, len(out.Data))
			for k, v := range out.Data {
				if k != "bytes" {
					trimmed[k] = v
				}
			}
			out.Data = trimmed
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return fmt.Sprintf(`{"ok":false,"error":{"code":"INTERNAL","message":%q}}`, err.Error())
	}
	return string(b)
}

// toMap round-trips a value through JSON into a generic map.
func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	m := make(map[string]any)
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func stringFrom(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
