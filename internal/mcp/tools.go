package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/doeixd/opencode-ralph-rlm/internal/docstore"
	"github.com/doeixd/opencode-ralph-rlm/internal/gate"
	"github.com/doeixd/opencode-ralph-rlm/internal/registry"
	"github.com/doeixd/opencode-ralph-rlm/internal/supervisor"
)

// ===== LOOP TOOLS =====

type loopBindInput struct {
	SessionID string `json:"session_id" jsonschema:"required,Calling session identifier"`
	Goal      string `json:"goal" jsonschema:"required,Goal the loop works toward"`
	Force     bool   `json:"force,omitempty" jsonschema:"Take over an already-bound loop"`
}

type loopBindOutput struct {
	Attempt int `json:"attempt" jsonschema:"Attempt number the loop started at"`
}

type loopControlInput struct {
	SessionID string `json:"session_id" jsonschema:"required,Calling session identifier"`
	Kick      bool   `json:"kick,omitempty" jsonschema:"On resume, restore loop motion if nothing is in flight"`
}

type workerDelegateInput struct {
	SessionID    string `json:"session_id" jsonschema:"required,Calling session identifier (must be the active strategist)"`
	Instructions string `json:"instructions,omitempty" jsonschema:"Plan handed to the worker"`
}

type workerDelegateOutput struct {
	WorkerID string `json:"worker_id" jsonschema:"Spawned worker session id"`
}

type statusInput struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"Calling session identifier"`
}

type statusOutput struct {
	Loop          supervisor.Snapshot `json:"loop" jsonschema:"Current loop state"`
	OpenQuestions int                 `json:"open_questions" jsonschema:"Questions waiting for an answer"`
}

func (s *Server) registerLoopTools() {
	// loop_bind
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "loop_bind",
		Description: "Bind the loop to the calling controller session and start the first attempt",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args loopBindInput) (*mcp.CallToolResult, loopBindOutput, error) {
		if err := s.sup.Bind(ctx, args.SessionID, args.Goal, args.Force); err != nil {
			return nil, loopBindOutput{}, err
		}
		snap := s.sup.Snapshot()
		return textResult(fmt.Sprintf("loop bound, attempt %d started", snap.Attempt)),
			loopBindOutput{Attempt: snap.Attempt}, nil
	})

	// loop_pause
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "loop_pause",
		Description: "Suspend idle routing; in-flight sessions keep running",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args loopControlInput) (*mcp.CallToolResult, struct{}, error) {
		if err := s.sup.Pause(ctx); err != nil {
			return nil, struct{}{}, err
		}
		return textResult("loop paused"), struct{}{}, nil
	})

	// loop_resume
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "loop_resume",
		Description: "Lift a pause; with kick, restore loop motion if nothing is in flight",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args loopControlInput) (*mcp.CallToolResult, struct{}, error) {
		if err := s.sup.Resume(ctx, args.Kick); err != nil {
			return nil, struct{}{}, err
		}
		return textResult("loop resumed"), struct{}{}, nil
	})

	// loop_end
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "loop_end",
		Description: "Stop the loop, aborting all child sessions and in-flight commands",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args loopControlInput) (*mcp.CallToolResult, struct{}, error) {
		if err := s.sup.End(ctx); err != nil {
			return nil, struct{}{}, err
		}
		return textResult("loop ended"), struct{}{}, nil
	})

	// loop_reset
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "loop_reset",
		Description: "Clear terminal state of a stopped loop so a fresh run can start",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args loopControlInput) (*mcp.CallToolResult, struct{}, error) {
		if err := s.sup.Reset(ctx); err != nil {
			return nil, struct{}{}, err
		}
		return textResult("loop reset"), struct{}{}, nil
	})

	// worker_delegate
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        gate.ActionWorkerDelegate,
		Description: "Hand the current attempt to a worker session (active strategist only, once per attempt)",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args workerDelegateInput) (*mcp.CallToolResult, workerDelegateOutput, error) {
		if err := s.checkGate(args.SessionID, gate.ActionWorkerDelegate); err != nil {
			return nil, workerDelegateOutput{}, err
		}
		workerID, err := s.sup.DelegateWorker(ctx, args.SessionID, args.Instructions)
		if err != nil {
			return nil, workerDelegateOutput{}, err
		}
		return textResult("worker delegated: " + workerID), workerDelegateOutput{WorkerID: workerID}, nil
	})

	// supervisor_status
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        gate.ActionStatus,
		Description: "Return the loop snapshot and the open-question count",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args statusInput) (*mcp.CallToolResult, statusOutput, error) {
		out := statusOutput{
			Loop:          s.sup.Snapshot(),
			OpenQuestions: len(s.qa.Unanswered(ctx)),
		}
		return textResult(fmt.Sprintf("attempt %d of %d", out.Loop.Attempt, out.Loop.MaxAttempts)), out, nil
	})
}

// ===== CONTEXT TOOLS =====

type contextLoadInput struct {
	SessionID string `json:"session_id" jsonschema:"required,Calling session identifier"`
}

type contextLoadOutput struct {
	Attempt        int    `json:"attempt" jsonschema:"Current attempt number"`
	Goal           string `json:"goal" jsonschema:"Loop goal"`
	Scratch        string `json:"scratch" jsonschema:"Current scratch document (sliced)"`
	ScratchPrev    string `json:"scratch_prev" jsonschema:"Previous attempt's scratch document (sliced)"`
	AttemptSummary string `json:"attempt_summary" jsonschema:"Verdict history of past attempts (sliced)"`
	Truncated      bool   `json:"truncated" jsonschema:"True when any document was cut at the slice limit"`
	Guidance       string `json:"guidance,omitempty" jsonschema:"How to read more of an oversized document"`
}

type progressReportInput struct {
	SessionID string `json:"session_id" jsonschema:"required,Calling session identifier"`
	Note      string `json:"note,omitempty" jsonschema:"Short description of current activity"`
}

type docInput struct {
	SessionID string `json:"session_id" jsonschema:"required,Calling session identifier"`
	Path      string `json:"path" jsonschema:"required,Document path relative to the document root"`
	Content   string `json:"content,omitempty" jsonschema:"Content to write or append"`
}

type docReadOutput struct {
	Content   string `json:"content" jsonschema:"Document content (sliced)"`
	Truncated bool   `json:"truncated" jsonschema:"True when the document was cut at the slice limit"`
	Guidance  string `json:"guidance,omitempty" jsonschema:"How to read more of an oversized document"`
}

func (s *Server) registerContextTools() {
	// context_load
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        gate.ActionContextLoad,
		Description: "Load the loop context documents and unlock destructive actions for this session",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args contextLoadInput) (*mcp.CallToolResult, contextLoadOutput, error) {
		if args.SessionID == "" {
			return nil, contextLoadOutput{}, fmt.Errorf("session_id is required")
		}
		s.registry.Mutate(args.SessionID, func(r *registry.Record) { r.ContextLoaded = true })
		s.sup.ReportProgress(args.SessionID)

		snap := s.sup.Snapshot()
		out := contextLoadOutput{Attempt: snap.Attempt, Goal: snap.Goal}

		var truncated bool
		out.Scratch, truncated = s.slice(docstore.ReadOr(ctx, s.store, supervisor.ScratchPath, docstore.Missing))
		out.Truncated = out.Truncated || truncated
		out.ScratchPrev, truncated = s.slice(docstore.ReadOr(ctx, s.store, supervisor.ScratchPrevPath, docstore.Missing))
		out.Truncated = out.Truncated || truncated
		out.AttemptSummary, truncated = s.slice(docstore.ReadOr(ctx, s.store, supervisor.SummaryPath, docstore.Missing))
		out.Truncated = out.Truncated || truncated
		if out.Truncated {
			out.Guidance = s.sliceGuidance()
		}

		return textResult(fmt.Sprintf("context loaded for attempt %d", snap.Attempt)), out, nil
	})

	// progress_report
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        gate.ActionProgressReport,
		Description: "Report liveness so the heartbeat does not flag this session as stale",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args progressReportInput) (*mcp.CallToolResult, struct{}, error) {
		if args.SessionID == "" {
			return nil, struct{}{}, fmt.Errorf("session_id is required")
		}
		s.sup.ReportProgress(args.SessionID)
		return textResult("progress recorded"), struct{}{}, nil
	})

	// doc_read
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "doc_read",
		Description: "Read a protocol document, sliced to the configured line limit",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args docInput) (*mcp.CallToolResult, docReadOutput, error) {
		content, truncated := s.slice(docstore.ReadOr(ctx, s.store, args.Path, docstore.Missing))
		out := docReadOutput{Content: content, Truncated: truncated}
		if truncated {
			out.Guidance = s.sliceGuidance()
		}
		return textResult(fmt.Sprintf("read %s", args.Path)), out, nil
	})

	// doc_write
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        gate.ActionDocWrite,
		Description: "Replace a protocol document",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args docInput) (*mcp.CallToolResult, struct{}, error) {
		if err := s.checkGate(args.SessionID, gate.ActionDocWrite); err != nil {
			return nil, struct{}{}, err
		}
		if err := s.store.Write(ctx, args.Path, args.Content); err != nil {
			return nil, struct{}{}, err
		}
		return textResult(fmt.Sprintf("wrote %s", args.Path)), struct{}{}, nil
	})

	// doc_append
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        gate.ActionDocAppend,
		Description: "Append to a protocol document",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args docInput) (*mcp.CallToolResult, struct{}, error) {
		if err := s.checkGate(args.SessionID, gate.ActionDocAppend); err != nil {
			return nil, struct{}{}, err
		}
		if err := s.store.Append(ctx, args.Path, args.Content); err != nil {
			return nil, struct{}{}, err
		}
		return textResult(fmt.Sprintf("appended to %s", args.Path)), struct{}{}, nil
	})
}

// slice cuts content at the configured line limit.
func (s *Server) slice(content string) (string, bool) {
	limit := s.settings.Settings().MaxRlmSliceLines
	lines := strings.Split(content, "\n")
	if len(lines) <= limit {
		return content, false
	}
	return strings.Join(lines[:limit], "\n"), true
}

// sliceGuidance tells sessions how to work with oversized documents. Above
// the grep threshold, reading further slices is discouraged outright.
func (s *Server) sliceGuidance() string {
	cfg := s.settings.Settings()
	return fmt.Sprintf(
		"document cut at %d lines; documents over %d lines should be searched with targeted grep queries rather than read in slices",
		cfg.MaxRlmSliceLines, cfg.GrepRequiredThresholdLines)
}
