package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/stringwork-coord/internal/dispatcher"
)

// rpcMethods is the fixed method inventory the bridge exposes as mcp-go
// tools — the same set the Dispatcher routes over raw JSON-RPC, so an
// mcp-go client (Cursor, Claude Code) and a raw JSON-RPC client (§6.1)
// reach identical behavior through two different front doors.
var rpcMethods = []struct {
	name string
	desc string
}{
	{"create_task", "Create a new coordination task."},
	{"update_task", "Update a task's name, description, or owner."},
	{"set_task_state", "Transition a task to a new lifecycle state."},
	{"get_task_by_id", "Fetch a task by its numeric id."},
	{"get_task_by_code", "Fetch a task by its human-readable code."},
	{"list_tasks", "List tasks, optionally filtered by owner/state/date range."},
	{"assign_task", "Administratively reassign a task to a new owner."},
	{"archive_task", "Archive a task, freeing its code for reuse."},
	{"health_check", "Report server and database health."},
	{"discover_work", "Find unclaimed tasks matching an agent's capabilities."},
	{"claim_task", "Claim exclusive ownership of a task."},
	{"release_task", "Release ownership of a claimed task."},
	{"start_work_session", "Open a new work session on an owned task."},
	{"end_work_session", "Close a work session, optionally recording notes/score."},
	{"create_task_message", "Append a message to a task's log."},
	{"get_task_messages", "List a task's messages."},
}

// registerBridge registers one mcp-go tool per Dispatcher method. Every
// tool takes a single "params" string argument holding the method's
// JSON-RPC params object verbatim, and forwards it to the same
// Dispatcher instance the raw HTTP/stdio transports use — so the two
// front doors share one code path and one error-mapping table.
func registerBridge(s *server.MCPServer, d *dispatcher.Dispatcher) {
	for _, m := range rpcMethods {
		method := m.name
		s.AddTool(
			mcp.NewTool(method,
				mcp.WithDescription(m.desc),
				mcp.WithString("params", mcp.Description("JSON object with this method's parameters, matching the JSON-RPC params contract")),
			),
			func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				args := req.GetArguments()
				var raw json.RawMessage
				if paramsStr, ok := args["params"].(string); ok && paramsStr != "" {
					raw = json.RawMessage(paramsStr)
				} else if len(args) > 0 {
					b, err := json.Marshal(args)
					if err != nil {
						return mcp.NewToolResultError(fmt.Sprintf("encode arguments: %v", err)), nil
					}
					raw = b
				}
				resp := d.Handle(dispatcher.Request{JSONRPC: "2.0", ID: json.RawMessage("1"), Method: method, Params: raw})
				body, err := json.Marshal(resp)
				if err != nil {
					return mcp.NewToolResultError(fmt.Sprintf("encode response: %v", err)), nil
				}
				if resp.Error != nil {
					return mcp.NewToolResultError(string(body)), nil
				}
				return mcp.NewToolResultText(string(body)), nil
			},
		)
	}
}
