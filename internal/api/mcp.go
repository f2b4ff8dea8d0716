package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kindling-ai/kindred/internal/matching"
	"github.com/kindling-ai/kindred/internal/permission"
	"github.com/kindling-ai/kindred/internal/prefs"
	"github.com/kindling-ai/kindred/internal/profile"
	"github.com/kindling-ai/kindred/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Directory *profile.Directory
	Prefs     *prefs.Manager
	Engine    *matching.Engine
	Outreach  EventHandler
}

// NewMCPServer creates an MCP server exposing the matching, permission
// and outreach operations as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"kindred",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("kindred — networking assistant: compatibility matching, permission-gated outreach, and contact management."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("calculate_match",
			mcp.WithDescription("Score the compatibility of two stored profiles and explain the result."),
			mcp.WithString("user_id", mcp.Description("First profile id"), mcp.Required()),
			mcp.WithString("other_user_id", mcp.Description("Second profile id"), mcp.Required()),
			mcp.WithNumber("threshold", mcp.Description("High-match threshold (default: the user's preference)")),
		),
		mcpCalculateMatch(deps),
	)

	s.AddTool(
		mcp.NewTool("handle_detection",
			mcp.WithDescription("Process a person-detected event: match, check permissions, and act or queue for approval."),
			mcp.WithString("user_id", mcp.Description("The user the assistant acts for"), mcp.Required()),
			mcp.WithString("other_user_id", mcp.Description("The detected person's profile id"), mcp.Required()),
			mcp.WithString("context", mcp.Description("Where the person was encountered")),
		),
		mcpHandleDetection(deps),
	)

	s.AddTool(
		mcp.NewTool("set_permission",
			mcp.WithDescription("Set a user's autonomy level for one action type."),
			mcp.WithString("user_id", mcp.Description("User id"), mcp.Required()),
			mcp.WithString("action", mcp.Description("One of: send_message, send_email, schedule_meeting, share_profile, request_connection"), mcp.Required()),
			mcp.WithString("setting", mcp.Description("One of: always_ask, auto_high_match, always_auto, never"), mcp.Required()),
		),
		mcpSetPermission(deps),
	)

	s.AddTool(
		mcp.NewTool("get_profile",
			mcp.WithDescription("Fetch a stored contact profile as JSON."),
			mcp.WithString("user_id", mcp.Description("Profile id"), mcp.Required()),
		),
		mcpGetProfile(deps),
	)

	s.AddTool(
		mcp.NewTool("list_pending_approvals",
			mcp.WithDescription("List actions queued for the user's approval."),
			mcp.WithString("user_id", mcp.Description("User id"), mcp.Required()),
		),
		mcpListPendingApprovals(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"kindred://interactions/recent",
			"Recent Interactions",
			mcp.WithResourceDescription("Last 10 logged outreach interactions"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentInteractions(deps),
	)

	return s
}

func mcpCalculateMatch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		otherID, err := req.RequireString("other_user_id")
		if err != nil {
			return mcpError("other_user_id is required"), nil
		}

		a, err := deps.Directory.Get(userID)
		if err != nil {
			return mcpError(fmt.Sprintf("profile %s: %v", userID, err)), nil
		}
		b, err := deps.Directory.Get(otherID)
		if err != nil {
			return mcpError(fmt.Sprintf("profile %s: %v", otherID, err)), nil
		}

		threshold := req.GetFloat("threshold", 0)
		if threshold <= 0 {
			p, err := deps.Prefs.Get(userID)
			if err != nil {
				return mcpError(fmt.Sprintf("loading preferences: %v", err)), nil
			}
			threshold = p.Threshold
		}

		result := deps.Engine.Match(a, b, threshold)
		out, err := json.Marshal(result)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(out)), nil
	}
}

func mcpHandleDetection(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		otherID, err := req.RequireString("other_user_id")
		if err != nil {
			return mcpError("other_user_id is required"), nil
		}
		eventContext := req.GetString("context", "")

		resp, err := deps.Outreach.HandlePersonDetected(ctx, userID, otherID, eventContext)
		if err != nil {
			return mcpError(fmt.Sprintf("detection failed: %v", err)), nil
		}

		out, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal response: %v", err)), nil
		}
		return mcpText(string(out)), nil
	}
}

func mcpSetPermission(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		action, err := req.RequireString("action")
		if err != nil {
			return mcpError("action is required"), nil
		}
		setting, err := req.RequireString("setting")
		if err != nil {
			return mcpError("setting is required"), nil
		}

		if err := deps.Prefs.SetPermission(userID, permission.ActionType(action), permission.Setting(setting)); err != nil {
			return mcpError(fmt.Sprintf("failed to set permission: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Set %s = %s for %s", action, setting, userID)), nil
	}
}

func mcpGetProfile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		p, err := deps.Directory.Get(userID)
		if err != nil {
			return mcpError(fmt.Sprintf("profile %s: %v", userID, err)), nil
		}

		out, err := json.Marshal(p)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal profile: %v", err)), nil
		}
		return mcpText(string(out)), nil
	}
}

func mcpListPendingApprovals(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		approvals, err := deps.Store.ListApprovals(userID, storage.ApprovalPending, 50)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list approvals: %v", err)), nil
		}
		if approvals == nil {
			approvals = []storage.Approval{}
		}

		out, err := json.Marshal(approvals)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal approvals: %v", err)), nil
		}
		return mcpText(string(out)), nil
	}
}

func mcpResourceRecentInteractions(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		interactions, err := deps.Store.ListInteractions("", 10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list interactions: %w", err)
		}

		type interactionSummary struct {
			ID          string `json:"id"`
			UserID      string `json:"user_id"`
			OtherUserID string `json:"other_user_id"`
			ActionType  string `json:"action_type"`
			Outcome     string `json:"outcome"`
			CreatedAt   string `json:"created_at"`
		}

		summaries := make([]interactionSummary, len(interactions))
		for i, ix := range interactions {
			summaries[i] = interactionSummary{
				ID:          ix.ID,
				UserID:      ix.UserID,
				OtherUserID: ix.OtherUserID,
				ActionType:  ix.ActionType,
				Outcome:     ix.Outcome,
				CreatedAt:   ix.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal interactions: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
