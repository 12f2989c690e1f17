// Package mcpserver exposes the session flow as MCP tools over stdio, so an
// agent can sign the user in and out and ask who is signed in.
package mcpserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgellow/twitch-session/internal/log"
	"github.com/dgellow/twitch-session/internal/session"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const serverName = "twitch-session"

const (
	toolSignIn  = "sign_in"
	toolSignOut = "sign_out"
	toolWhoami  = "whoami"
)

// Session is the part of session.Manager the tools drive.
type Session interface {
	SignIn(ctx context.Context) error
	SignOut(ctx context.Context) error
	State() session.State
}

// Server hosts the MCP server.
type Server struct {
	mcpServer *server.MCPServer
}

// SessionResult is the structured output of every tool.
type SessionResult struct {
	Phase         string `json:"phase"`
	Authenticated bool   `json:"authenticated"`
	UserID        int64  `json:"user_id,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`
	Email         string `json:"email,omitempty"`
	AvatarURL     string `json:"avatar_url,omitempty"`
}

func newSessionResult(st session.State) SessionResult {
	r := SessionResult{
		Phase:         st.Phase.String(),
		Authenticated: st.Authenticated(),
	}
	if st.User != nil {
		r.UserID = st.User.ID
		r.DisplayName = st.User.DisplayName
		r.Email = st.User.Email
		r.AvatarURL = st.User.AvatarURL
	}
	return r
}

// New registers the session tools on a fresh MCP server.
func New(s Session, version string) *Server {
	mcpServer := server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(false),
	)

	mcpServer.AddTool(signInTool(), signInHandler(s))
	mcpServer.AddTool(signOutTool(), signOutHandler(s))
	mcpServer.AddTool(whoamiTool(), whoamiHandler(s))

	return &Server{mcpServer: mcpServer}
}

// Serve runs the server on stdio until stdin closes.
func (s *Server) Serve() error {
	if s == nil || s.mcpServer == nil {
		return fmt.Errorf("MCP server is not configured")
	}
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("serve MCP: %w", err)
	}
	return nil
}

func signInTool() mcp.Tool {
	return mcp.NewTool(
		toolSignIn,
		mcp.WithDescription("Sign in with Twitch. Prints an authorization URL on stderr and waits for the browser redirect."),
	)
}

func signOutTool() mcp.Tool {
	return mcp.NewTool(
		toolSignOut,
		mcp.WithDescription("Revoke the current Twitch token and clear the session"),
	)
}

func whoamiTool() mcp.Tool {
	return mcp.NewTool(
		toolWhoami,
		mcp.WithDescription("Report the signed-in Twitch user, if any"),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

func signInHandler(s Session) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := s.SignIn(ctx); err != nil {
			log.LogWarnWithFields("mcp", "sign_in tool failed", map[string]any{"error": err.Error()})

			var authErr *session.AuthError
			if errors.As(err, &authErr) {
				return mcp.NewToolResultErrorFromErr(fmt.Sprintf("sign-in failed (%s)", authErr.Kind), authErr.Err), nil
			}
			return mcp.NewToolResultErrorFromErr("sign-in failed", err), nil
		}

		st := s.State()
		if !st.Authenticated() {
			return mcp.NewToolResultStructured(newSessionResult(st), "Sign-in was cancelled"), nil
		}
		return mcp.NewToolResultStructured(newSessionResult(st), fmt.Sprintf("Signed in as %s", st.User.DisplayName)), nil
	}
}

func signOutHandler(s Session) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		// SignOut never fails.
		_ = s.SignOut(ctx)
		return mcp.NewToolResultStructured(newSessionResult(s.State()), "Signed out"), nil
	}
}

func whoamiHandler(s Session) server.ToolHandlerFunc {
	return func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st := s.State()
		if !st.Authenticated() {
			return mcp.NewToolResultStructured(newSessionResult(st), "Not signed in"), nil
		}
		return mcp.NewToolResultStructured(newSessionResult(st), fmt.Sprintf("Signed in as %s (%d)", st.User.DisplayName, st.User.ID)), nil
	}
}
