package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/google/uuid"

	"github.com/engagehq/engage/internal/ctxutil"
	"github.com/engagehq/engage/internal/model"
	"github.com/engagehq/engage/internal/session"
)

func (s *Server) registerTools() {
	// engage_post_message — append a visitor message and run the pipeline.
	s.mcpServer.AddTool(
		mcplib.NewTool("engage_post_message",
			mcplib.WithDescription(`Append a visitor message to an intake session and advance it.

WHEN TO USE: After every visitor turn in the conversation. This is the only
way captured information enters the session: pass the raw text plus the
structured identity fields and legal-topic keywords you extracted from it.

The session re-evaluates after every message — identity goals, conflict
screening, knowledge-driven goal injection, and the security phase all update
in one step. Read the returned snapshot to decide what to ask next:
- phase=login_suggested: the pre-login goals are met; prompt the visitor to
  log in. Open dynamic goals can still be covered afterwards.
- conflict_status=conflict_detected: stop intake and hand off to staff.
- goals: any open goal is a topic still to cover with the visitor.

FIELD RETRACTION: sending a field with an empty string value removes the
previously captured value ("actually, that email was wrong").

WHAT YOU GET BACK: the full session snapshot after the pipeline ran,
including phase, conflict status, goals, and degraded-lookup flags.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id",
				mcplib.Description("The intake session UUID"),
				mcplib.Required(),
			),
			mcplib.WithString("text",
				mcplib.Description("The visitor's message text, verbatim"),
				mcplib.Required(),
			),
			mcplib.WithString("resume_token",
				mcplib.Description("The session's resume token. Required while the session is not yet secured by login."),
			),
			mcplib.WithObject("fields",
				mcplib.Description(`Identity fields extracted from this message, as a flat string map. Well-known keys: name, email, phone; additional keys (address, employer, opposing_party) participate in conflict matching. An empty string value retracts the field.`),
			),
			mcplib.WithArray("keywords",
				mcplib.Description("Legal-topic keywords extracted from this message (e.g. \"divorce\", \"custody\", \"non-compete\")"),
			),
		),
		s.handlePostMessage,
	)

	// engage_get_session — read a session snapshot.
	s.mcpServer.AddTool(
		mcplib.NewTool("engage_get_session",
			mcplib.WithDescription(`Read the current state of an intake session.

WHEN TO USE: At the start of a resumed conversation, or whenever you need to
re-check phase, conflict status, or open goals without posting a message.

WHAT YOU GET BACK: the session snapshot (phase, conflict status, goals,
captured keyword list, assignee) and, with include_messages=true, the full
message transcript in order.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id",
				mcplib.Description("The intake session UUID"),
				mcplib.Required(),
			),
			mcplib.WithString("resume_token",
				mcplib.Description("The session's resume token. Required while the session is not yet secured by login."),
			),
			mcplib.WithBoolean("include_messages",
				mcplib.Description("Also return the message transcript"),
				mcplib.DefaultBool(false),
			),
		),
		s.handleGetSession,
	)

	// engage_record_evidence — resolve a dynamic goal.
	s.mcpServer.AddTool(
		mcplib.NewTool("engage_record_evidence",
			mcplib.WithDescription(`Record whether the conversation produced evidence for a dynamic goal.

WHEN TO USE: After the visitor answers a question raised by an open dynamic
goal — a disambiguation goal ("disambiguate:<entity-id>") or a
knowledge-injected topic goal. evidence_found=true marks the goal complete;
false reopens it.

Resolving a disambiguation goal with evidence_found=true re-runs the conflict
check immediately, so the returned snapshot carries the updated verdict.

Fixed goals (user_identification, conflict_check, legal_needs_assessment)
cannot be resolved this way; they derive from captured session data.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id",
				mcplib.Description("The intake session UUID"),
				mcplib.Required(),
			),
			mcplib.WithString("goal_id",
				mcplib.Description("The dynamic goal to resolve"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("evidence_found",
				mcplib.Description("Whether the visitor's answer satisfied the goal"),
				mcplib.Required(),
			),
		),
		s.handleRecordEvidence,
	)
}

// callerFromContext assembles the command caller from the authenticated
// claims plus the resume token supplied as a tool argument. The transport
// mounts behind service-role auth, so claims are present in production;
// the resume token covers unsecured sessions exactly as the HTTP header does.
func callerFromContext(ctx context.Context, request mcplib.CallToolRequest) session.Caller {
	c := session.Caller{ResumeToken: request.GetString("resume_token", "")}
	if claims := ctxutil.ClaimsFromContext(ctx); claims != nil {
		c.Subject = claims.Subject
		c.Role = claims.Role
	}
	return c
}

func sessionIDArg(request mcplib.CallToolRequest) (uuid.UUID, error) {
	raw := request.GetString("session_id", "")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("session_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session_id: %v", err)
	}
	return id, nil
}

func (s *Server) handlePostMessage(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := sessionIDArg(request)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	req := model.PostMessageRequest{Text: request.GetString("text", "")}
	args := request.GetArguments()
	if raw, ok := args["fields"].(map[string]any); ok && len(raw) > 0 {
		req.Fields = make(model.IdentityFields, len(raw))
		for k, v := range raw {
			str, ok := v.(string)
			if !ok {
				return errorResult(fmt.Sprintf("field %q must be a string", k)), nil
			}
			req.Fields[k] = str
		}
	}
	if raw, ok := args["keywords"].([]any); ok {
		for _, v := range raw {
			str, ok := v.(string)
			if !ok {
				return errorResult("keywords must be strings"), nil
			}
			req.Keywords = append(req.Keywords, str)
		}
	}

	snapshot, err := s.engine.PostMessage(ctx, id, callerFromContext(ctx, request), req)
	if err != nil {
		return errorResult(fmt.Sprintf("post message failed: %v", err)), nil
	}
	return snapshotResult(snapshot)
}

func (s *Server) handleGetSession(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := sessionIDArg(request)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	caller := callerFromContext(ctx, request)

	sess, err := s.engine.Get(ctx, id, caller)
	if err != nil {
		return errorResult(fmt.Sprintf("get session failed: %v", err)), nil
	}

	result := struct {
		Session  model.SessionSnapshot `json:"session"`
		Messages []model.Message       `json:"messages,omitempty"`
	}{Session: model.Snapshot(sess)}

	if request.GetBool("include_messages", false) {
		msgs, err := s.engine.Messages(ctx, id, caller)
		if err != nil {
			return errorResult(fmt.Sprintf("get messages failed: %v", err)), nil
		}
		result.Messages = msgs
	}

	data, _ := json.MarshalIndent(result, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func (s *Server) handleRecordEvidence(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := sessionIDArg(request)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	goalID := request.GetString("goal_id", "")
	if goalID == "" {
		return errorResult("goal_id is required"), nil
	}

	snapshot, err := s.engine.RecordGoalEvidence(ctx, id, goalID, request.GetBool("evidence_found", false))
	if err != nil {
		return errorResult(fmt.Sprintf("record evidence failed: %v", err)), nil
	}
	return snapshotResult(snapshot)
}

func snapshotResult(snapshot model.SessionSnapshot) (*mcplib.CallToolResult, error) {
	data, _ := json.MarshalIndent(snapshot, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
