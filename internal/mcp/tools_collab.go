package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/doeixd/opencode-ralph-rlm/internal/gate"
)

// ===== SUB-TASK TOOLS =====

type subtaskSpawnInput struct {
	SessionID string `json:"session_id" jsonschema:"required,Calling session identifier"`
	Name      string `json:"name" jsonschema:"required,Task name (1-64 chars of [A-Za-z0-9._-] starting alphanumeric)"`
	Goal      string `json:"goal" jsonschema:"required,What the sub-task must accomplish"`
	Context   string `json:"context,omitempty" jsonschema:"Extra context handed to the sub-task"`
}

type subtaskSpawnOutput struct {
	TaskID string `json:"task_id" jsonschema:"Spawned child session id"`
	Name   string `json:"name" jsonschema:"Task name"`
}

type subtaskRefInput struct {
	SessionID string `json:"session_id" jsonschema:"required,Calling session identifier"`
	Name      string `json:"name" jsonschema:"required,Task name"`
	File      string `json:"file,omitempty" jsonschema:"Scratch-set file to read (default scratch.md)"`
}

type subtaskAwaitOutput struct {
	Done   bool   `json:"done" jsonschema:"True once the completion marker appeared"`
	Status string `json:"status" jsonschema:"Task status (running, done, failed)"`
	Result string `json:"result,omitempty" jsonschema:"Scratch content at completion"`
}

type subtaskPeekOutput struct {
	Content string `json:"content" jsonschema:"File content, or (missing)"`
}

type subtaskListOutput struct {
	Tasks []taskInfo `json:"tasks" jsonschema:"Tasks spawned by this session"`
	Count int        `json:"count" jsonschema:"Number of tasks"`
}

type taskInfo struct {
	ID        string    `json:"id" jsonschema:"Child session id"`
	Name      string    `json:"name" jsonschema:"Task name"`
	Goal      string    `json:"goal" jsonschema:"Task goal"`
	Status    string    `json:"status" jsonschema:"Task status"`
	SpawnedAt time.Time `json:"spawned_at" jsonschema:"Spawn time"`
}

func (s *Server) registerSubtaskTools() {
	// subtask_spawn
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        gate.ActionSubtaskSpawn,
		Description: "Spawn an isolated child session working on a named goal",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args subtaskSpawnInput) (*mcp.CallToolResult, subtaskSpawnOutput, error) {
		if err := s.checkGate(args.SessionID, gate.ActionSubtaskSpawn); err != nil {
			return nil, subtaskSpawnOutput{}, err
		}
		task, err := s.subtasks.Spawn(ctx, args.SessionID, args.Name, args.Goal, args.Context)
		if err != nil {
			return nil, subtaskSpawnOutput{}, err
		}
		return textResult("sub-task spawned: " + task.Label),
			subtaskSpawnOutput{TaskID: task.ID, Name: task.Label}, nil
	})

	// subtask_await
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        gate.ActionSubtaskAwait,
		Description: "Check a sub-task for structural completion (non-blocking)",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args subtaskRefInput) (*mcp.CallToolResult, subtaskAwaitOutput, error) {
		res, err := s.subtasks.Await(ctx, args.SessionID, args.Name)
		if err != nil {
			return nil, subtaskAwaitOutput{}, err
		}
		out := subtaskAwaitOutput{Done: res.Done, Status: string(res.Status), Result: res.ResultText}
		text := "sub-task still running"
		if res.Done {
			text = "sub-task " + string(res.Status)
		}
		return textResult(text), out, nil
	})

	// subtask_peek
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        gate.ActionSubtaskPeek,
		Description: "Read a file from a sub-task's scratch set without touching its state",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args subtaskRefInput) (*mcp.CallToolResult, subtaskPeekOutput, error) {
		content, err := s.subtasks.Peek(ctx, args.SessionID, args.Name, args.File)
		if err != nil {
			return nil, subtaskPeekOutput{}, err
		}
		return textResult("peeked " + args.Name), subtaskPeekOutput{Content: content}, nil
	})

	// subtask_list
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        gate.ActionSubtaskList,
		Description: "List the sub-tasks spawned by this session",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args subtaskRefInput) (*mcp.CallToolResult, subtaskListOutput, error) {
		tasks := s.subtasks.List(args.SessionID)
		out := subtaskListOutput{Tasks: make([]taskInfo, 0, len(tasks)), Count: len(tasks)}
		for _, task := range tasks {
			out.Tasks = append(out.Tasks, taskInfo{
				ID:        task.ID,
				Name:      task.Label,
				Goal:      task.Goal,
				Status:    string(task.Status),
				SpawnedAt: task.SpawnTime,
			})
		}
		return textResult(fmt.Sprintf("%d sub-tasks", out.Count)), out, nil
	})
}

// ===== Q&A AND REVIEW TOOLS =====

type questionAskInput struct {
	SessionID      string `json:"session_id" jsonschema:"required,Calling session identifier"`
	Question       string `json:"question" jsonschema:"required,Question for the supervising party"`
	Context        string `json:"context,omitempty" jsonschema:"Background that helps answer the question"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"How long to wait for an answer (default from settings)"`
}

type questionAskOutput struct {
	QuestionID string `json:"question_id" jsonschema:"Question identifier"`
	Answer     string `json:"answer" jsonschema:"The recorded answer"`
}

type questionRespondInput struct {
	SessionID  string `json:"session_id" jsonschema:"required,Calling session identifier"`
	QuestionID string `json:"question_id" jsonschema:"required,Question to answer"`
	Answer     string `json:"answer" jsonschema:"required,The answer"`
}

type questionRespondOutput struct {
	Superseded bool `json:"superseded" jsonschema:"True when a previous answer was overwritten"`
}

type reviewRequestInput struct {
	SessionID string `json:"session_id" jsonschema:"required,Calling session identifier"`
	Attempt   int    `json:"attempt,omitempty" jsonschema:"Attempt to mark ready (default: current)"`
	Note      string `json:"note,omitempty" jsonschema:"Why the attempt is ready for review"`
}

type reviewRunInput struct {
	SessionID string `json:"session_id" jsonschema:"required,Calling session identifier"`
	Attempt   int    `json:"attempt,omitempty" jsonschema:"Attempt to review (default: current)"`
	Force     bool   `json:"force,omitempty" jsonschema:"Bypass the enabled, readiness, and quota checks"`
	Wait      bool   `json:"wait,omitempty" jsonschema:"Wait for an already-active review before starting"`
}

type reviewRunOutput struct {
	Name       string `json:"name" jsonschema:"Review run name"`
	OutputPath string `json:"output_path" jsonschema:"Where the report will be written"`
}

func (s *Server) registerCollabTools() {
	// question_ask
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        gate.ActionQuestionAsk,
		Description: "Ask the supervising party a question and block until an answer or timeout",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args questionAskInput) (*mcp.CallToolResult, questionAskOutput, error) {
		rec := s.registry.Get(args.SessionID)
		timeout := time.Duration(args.TimeoutSeconds) * time.Second
		answer, err := s.qa.Ask(ctx, rec.Role.String(), rec.AttemptNumber, args.Question, args.Context, timeout)
		if err != nil {
			return nil, questionAskOutput{}, err
		}
		return textResult("answered: " + answer.Answer),
			questionAskOutput{QuestionID: answer.ID, Answer: answer.Answer}, nil
	})

	// question_respond
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        gate.ActionQuestionReply,
		Description: "Record the answer for a pending question (last write wins)",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args questionRespondInput) (*mcp.CallToolResult, questionRespondOutput, error) {
		if err := s.checkGate(args.SessionID, gate.ActionQuestionReply); err != nil {
			return nil, questionRespondOutput{}, err
		}
		superseded, err := s.qa.Respond(ctx, args.QuestionID, args.Answer)
		if err != nil {
			return nil, questionRespondOutput{}, err
		}
		return textResult("answer recorded"), questionRespondOutput{Superseded: superseded}, nil
	})

	if s.reviews == nil {
		return
	}

	// review_request
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        gate.ActionReviewRequest,
		Description: "Mark an attempt ready for a review run",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args reviewRequestInput) (*mcp.CallToolResult, struct{}, error) {
		if err := s.checkGate(args.SessionID, gate.ActionReviewRequest); err != nil {
			return nil, struct{}{}, err
		}
		attempt := s.defaultAttempt(args.Attempt)
		if err := s.reviews.RequestReview(ctx, attempt, args.Note); err != nil {
			return nil, struct{}{}, err
		}
		return textResult(fmt.Sprintf("review requested for attempt %d", attempt)), struct{}{}, nil
	})

	// review_run
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        gate.ActionReviewRun,
		Description: "Start a review session for an attempt, subject to gating",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args reviewRunInput) (*mcp.CallToolResult, reviewRunOutput, error) {
		if err := s.checkGate(args.SessionID, gate.ActionReviewRun); err != nil {
			return nil, reviewRunOutput{}, err
		}
		active, err := s.reviews.RunReview(ctx, s.defaultAttempt(args.Attempt), args.Force, args.Wait)
		if err != nil {
			return nil, reviewRunOutput{}, err
		}
		return textResult("review started: " + active.Name),
			reviewRunOutput{Name: active.Name, OutputPath: active.OutputPath}, nil
	})
}

// defaultAttempt substitutes the loop's current attempt for a zero value.
func (s *Server) defaultAttempt(attempt int) int {
	if attempt > 0 {
		return attempt
	}
	if current := s.sup.Snapshot().Attempt; current > 0 {
		return current
	}
	return 1
}
