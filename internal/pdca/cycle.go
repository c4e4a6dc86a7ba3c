package pdca

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/nervecore/internal/llm"
	"github.com/basket/nervecore/internal/store"
	"github.com/basket/nervecore/internal/tools"
)

// taskState is the JSON shape persisted in pdca_checkpoints.task_state_json:
// the running goal, the transcript of tool calls made so far, and the last
// model reply. stateJSON (the other checkpoint column) is left to callers
// that need a second, tool/plan-specific slot; the default cycle only uses
// taskStateJSON.
type taskState struct {
	Goal    string       `json:"goal"`
	History []historyRow `json:"history"`
}

type historyRow struct {
	Tool   string `json:"tool,omitempty"`
	Args   string `json:"args,omitempty"`
	Result string `json:"result,omitempty"`
	Reply  string `json:"reply,omitempty"`
}

// decision is what the model is asked to return each cycle: either a tool
// call to make, or a final answer that ends the task.
type decision struct {
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
	Done   bool           `json:"done"`
	Waits  bool           `json:"waits_on_user"`
	Answer string         `json:"answer"`
}

const cycleSystemPrompt = `You drive one step of a plan/decide/act/check loop.
Reply with a single JSON object only, matching:
{"tool": "<tool name or empty>", "args": {}, "done": false, "waits_on_user": false, "answer": ""}
Set "done" true and fill "answer" once the goal is satisfied. Set
"waits_on_user" true instead if you need information only the user can
supply. Otherwise name a tool to call next.`

// NewLLMCycle builds a CycleFunc that drives a task's goal via provider,
// dispatching any requested tool call through registry and appending each
// step to the checkpointed transcript. Each cycle costs exactly one
// completion call, so slice_cycles directly bounds token spend per slice.
func NewLLMCycle(provider llm.Provider, registry *tools.Registry) CycleFunc {
	return func(ctx context.Context, task store.PDCATask, stateJSON, taskStateJSON string) (CycleResult, error) {
		var ts taskState
		if strings.TrimSpace(taskStateJSON) != "" {
			if err := json.Unmarshal([]byte(taskStateJSON), &ts); err != nil {
				return CycleResult{}, fmt.Errorf("decode task state for %s: %w", task.TaskID, err)
			}
		}
		if ts.Goal == "" {
			ts.Goal = task.ConversationKey
		}

		reply, err := provider.Complete(ctx, cycleSystemPrompt, renderTranscript(ts))
		if err != nil {
			return CycleResult{}, fmt.Errorf("complete cycle for %s: %w", task.TaskID, err)
		}

		var d decision
		if err := json.Unmarshal([]byte(extractJSON(reply)), &d); err != nil {
			ts.History = append(ts.History, historyRow{Reply: reply})
			next, encErr := json.Marshal(ts)
			if encErr != nil {
				return CycleResult{}, fmt.Errorf("encode task state for %s: %w", task.TaskID, encErr)
			}
			return CycleResult{Progressed: false, TaskStateJSON: string(next), Err: "model reply was not valid JSON"}, nil
		}

		row := historyRow{Reply: d.Answer}
		if d.Tool != "" {
			result := registry.Execute(ctx, d.Tool, d.Args)
			argsJSON, _ := json.Marshal(d.Args)
			row = historyRow{Tool: d.Tool, Args: string(argsJSON)}
			if result.Status == tools.StatusFailed {
				row.Result = "error: " + result.Error
			} else {
				resultJSON, _ := json.Marshal(result.Result)
				row.Result = string(resultJSON)
			}
		}
		ts.History = append(ts.History, row)

		next, err := json.Marshal(ts)
		if err != nil {
			return CycleResult{}, fmt.Errorf("encode task state for %s: %w", task.TaskID, err)
		}

		return CycleResult{
			Progressed:    true,
			Done:          d.Done,
			WaitingUser:   d.Waits,
			StateJSON:     stateJSON,
			TaskStateJSON: string(next),
			TokensUsed:    len(reply) / 4,
		}, nil
	}
}

func renderTranscript(ts taskState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", ts.Goal)
	for i, h := range ts.History {
		fmt.Fprintf(&b, "Step %d: tool=%s args=%s result=%s reply=%s\n", i+1, h.Tool, h.Args, h.Result, h.Reply)
	}
	return b.String()
}

// extractJSON trims a model reply down to the span from its first '{' to its
// last '}', tolerating
// providers (or the stub) that wrap JSON in prose or code fences.
func extractJSON(reply string) string {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start == -1 || end == -1 || end < start {
		return reply
	}
	return reply[start : end+1]
}
