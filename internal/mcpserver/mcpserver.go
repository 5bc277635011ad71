// Package mcpserver exposes the support agent as MCP tools.
package mcpserver

import (
	"context"
	"fmt"
	"net/http"

	"github.com/comigor/supportdesk/internal/agent"
	"github.com/comigor/supportdesk/internal/logger"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// BasePath is where the SSE transport is mounted.
const BasePath = "/mcp"

type handlers struct {
	agent *agent.Agent
}

// New registers the start_session, send_message and save_chat tools.
func New(a *agent.Agent, version string) *server.MCPServer {
	s := server.NewMCPServer("supportdesk", version, server.WithToolCapabilities(false))
	h := &handlers{agent: a}

	s.AddTool(mcp.NewTool("start_session",
		mcp.WithDescription("Start a new customer support conversation and return its session id."),
	), h.startSession)

	s.AddTool(mcp.NewTool("send_message",
		mcp.WithDescription("Send a customer message to a support session and return the assistant reply."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Id returned by start_session")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Customer message")),
	), h.sendMessage)

	s.AddTool(mcp.NewTool("save_chat",
		mcp.WithDescription("Write the transcript of a support session to disk."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Id returned by start_session")),
	), h.saveChat)

	return s
}

// Handler serves s over SSE below BasePath.
func Handler(s *server.MCPServer) http.Handler {
	return server.NewSSEServer(s, server.WithStaticBasePath(BasePath))
}

func (h *handlers) startSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sid := uuid.NewString()
	if err := h.agent.StartSession(ctx, sid); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(sid), nil
}

func (h *handlers) sendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	sid, _ := args["session_id"].(string)
	text, _ := args["text"].(string)

	reply, err := h.agent.AddUserMessage(ctx, sid, text)
	if err != nil {
		logger.Session(sid).Warn("mcp send_message failed", "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(reply.Text), nil
}

func (h *handlers) saveChat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sid, _ := req.GetArguments()["session_id"].(string)

	res, err := h.agent.SaveChat(ctx, sid)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("saved %d turns to %s", res.Turns, res.Path)), nil
}
