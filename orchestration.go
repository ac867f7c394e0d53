package zubot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RegisterTaskTools exposes the scheduler plane on the tool registry so
// the chat agent can drive it.
func RegisterTaskTools(reg *Registry, central *CentralService) {
	reg.MustRegister(ToolSpec{
		Name:        "enqueue_task",
		Category:    "tasks",
		Description: "Queue a manual run of a defined task profile. Args: profile_id, description (optional).",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"profile_id":{"type":"string"},
			"description":{"type":"string"}},"required":["profile_id"]}`),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				ProfileID   string `json:"profile_id"`
				Description string `json:"description"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			run, err := central.TriggerProfile(ctx, in.ProfileID, in.Description)
			if err != nil {
				return nil, err
			}
			return map[string]any{"run_id": run.ID, "status": run.Status}, nil
		},
	})

	reg.MustRegister(ToolSpec{
		Name:        "enqueue_agentic_task",
		Category:    "tasks",
		Description: "Queue a one-off background agentic task with its own instructions and budgets.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"description":{"type":"string"},
			"instructions":{"type":"string"},
			"model_tier":{"type":"string"},
			"tool_access":{"type":"array","items":{"type":"string"}},
			"timeout_sec":{"type":"integer"},
			"max_attempts":{"type":"integer"}},"required":["instructions"]}`),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var payload AgenticPayload
			if err := json.Unmarshal(args, &payload); err != nil {
				return nil, err
			}
			run, err := central.EnqueueAgenticTask(ctx, payload)
			if err != nil {
				return nil, err
			}
			return map[string]any{"run_id": run.ID, "status": run.Status}, nil
		},
	})

	reg.MustRegister(ToolSpec{
		Name:        "cancel_run",
		Category:    "tasks",
		Description: "Cancel a task run. Queued runs block immediately; running runs stop cooperatively.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"run_id":{"type":"string"}},"required":["run_id"]}`),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				RunID string `json:"run_id"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return central.CancelRun(ctx, in.RunID)
		},
	})

	reg.MustRegister(ToolSpec{
		Name:        "resume_run",
		Category:    "tasks",
		Description: "Answer a run waiting for user input; the run re-queues with the answer.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"run_id":{"type":"string"},
			"response":{"type":"string"}},"required":["run_id","response"]}`),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				RunID    string `json:"run_id"`
				Response string `json:"response"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return central.ResumeRun(ctx, in.RunID, in.Response)
		},
	})

	reg.MustRegister(ToolSpec{
		Name:        "list_runs",
		Category:    "tasks",
		Description: "List recent task runs, newest queued first.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"limit":{"type":"integer"}}}`),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Limit int `json:"limit"`
			}
			_ = json.Unmarshal(args, &in)
			if in.Limit <= 0 {
				in.Limit = 20
			}
			runs, err := central.ListRuns(ctx, in.Limit)
			if err != nil {
				return nil, err
			}
			return map[string]any{"runs": runs}, nil
		},
	})

	reg.MustRegister(ToolSpec{
		Name:        "list_waiting_runs",
		Category:    "tasks",
		Description: "List runs paused on a question for the user.",
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			runs, err := central.ListWaitingRuns(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"runs": runs}, nil
		},
	})

	reg.MustRegister(ToolSpec{
		Name:        "list_defined_tasks",
		Category:    "tasks",
		Description: "List the configured task profiles and their schedules.",
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			return map[string]any{"tasks": central.ListDefinedTasks()}, nil
		},
	})

	reg.MustRegister(ToolSpec{
		Name:        "query_central_db",
		Category:    "tasks",
		Description: "Run a read-only SQL statement against the central database.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"sql":{"type":"string"},
			"max_rows":{"type":"integer"}},"required":["sql"]}`),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				SQL     string `json:"sql"`
				MaxRows int    `json:"max_rows"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return central.QueryDB(ctx, in.SQL, nil, in.MaxRows)
		},
	})

	registerStateTools(reg, central)
}

func registerStateTools(reg *Registry, central *CentralService) {
	reg.MustRegister(ToolSpec{
		Name:        "get_task_state",
		Category:    "tasks",
		Description: "Read one key of a task profile's persistent state.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"task_id":{"type":"string"},
			"key":{"type":"string"}},"required":["task_id","key"]}`),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				TaskID string `json:"task_id"`
				Key    string `json:"key"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			value, found, err := central.GetTaskState(ctx, in.TaskID, in.Key)
			if err != nil {
				return nil, err
			}
			return map[string]any{"value": value, "found": found}, nil
		},
	})

	reg.MustRegister(ToolSpec{
		Name:        "upsert_task_state",
		Category:    "tasks",
		Description: "Write one key of a task profile's persistent state.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"task_id":{"type":"string"},
			"key":{"type":"string"},
			"value":{"type":"string"}},"required":["task_id","key","value"]}`),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				TaskID string `json:"task_id"`
				Key    string `json:"key"`
				Value  string `json:"value"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			if err := central.UpsertTaskState(ctx, in.TaskID, in.Key, in.Value); err != nil {
				return nil, err
			}
			return map[string]any{"stored": true}, nil
		},
	})

	reg.MustRegister(ToolSpec{
		Name:        "mark_seen_item",
		Category:    "tasks",
		Description: "Mark an item key as seen for a task; repeat marks bump the sighting count.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"task_id":{"type":"string"},
			"provider":{"type":"string"},
			"item_key":{"type":"string"},
			"metadata_json":{"type":"string"}},"required":["task_id","item_key"]}`),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				TaskID   string `json:"task_id"`
				Provider string `json:"provider"`
				ItemKey  string `json:"item_key"`
				Metadata string `json:"metadata_json"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			item, added, err := central.MarkSeenItem(ctx, in.TaskID, in.Provider, in.ItemKey, in.Metadata)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"new":           added,
				"seen_count":    item.SeenCount,
				"first_seen_at": item.FirstSeenAt,
				"last_seen_at":  item.LastSeenAt,
			}, nil
		},
	})

	reg.MustRegister(ToolSpec{
		Name:        "has_seen_item",
		Category:    "tasks",
		Description: "Check whether an item key was already seen by a task.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"task_id":{"type":"string"},
			"provider":{"type":"string"},
			"item_key":{"type":"string"}},"required":["task_id","item_key"]}`),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				TaskID   string `json:"task_id"`
				Provider string `json:"provider"`
				ItemKey  string `json:"item_key"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			item, err := central.GetSeenItem(ctx, in.TaskID, in.Provider, in.ItemKey)
			if err != nil {
				return nil, err
			}
			if item == nil {
				return map[string]any{"seen": false}, nil
			}
			return map[string]any{
				"seen":         true,
				"seen_count":   item.SeenCount,
				"last_seen_at": item.LastSeenAt,
			}, nil
		},
	})
}

// RegisterWorkerTools exposes the worker pool on the tool registry.
func RegisterWorkerTools(reg *Registry, workers *WorkerManager) {
	reg.MustRegister(ToolSpec{
		Name:        "spawn_worker",
		Category:    "workers",
		Description: "Delegate a task to a background worker and return its id immediately.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"description":{"type":"string"},
			"input":{"type":"string"},
			"model":{"type":"string"},
			"tool_access":{"type":"array","items":{"type":"string"}},
			"timeout_sec":{"type":"integer"}},"required":["description"]}`),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Description string   `json:"description"`
				Input       string   `json:"input"`
				Model       string   `json:"model"`
				ToolAccess  []string `json:"tool_access"`
				TimeoutSec  int      `json:"timeout_sec"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			rec, err := workers.Spawn(SpawnConfig{
				Description: in.Description,
				Input:       in.Input,
				ModelRef:    in.Model,
				ToolAccess:  in.ToolAccess,
				Timeout:     time.Duration(in.TimeoutSec) * time.Second,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"worker_id": rec.ID, "status": rec.Status}, nil
		},
	})

	reg.MustRegister(ToolSpec{
		Name:        "message_worker",
		Category:    "workers",
		Description: "Send text to a worker. A finished worker revives with the message as new input.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"worker_id":{"type":"string"},
			"text":{"type":"string"}},"required":["worker_id","text"]}`),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				WorkerID string `json:"worker_id"`
				Text     string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return workers.Message(in.WorkerID, in.Text)
		},
	})

	reg.MustRegister(ToolSpec{
		Name:        "cancel_worker",
		Category:    "workers",
		Description: "Cancel a queued or running worker; its result is discarded.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"worker_id":{"type":"string"}},"required":["worker_id"]}`),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				WorkerID string `json:"worker_id"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return workers.Cancel(in.WorkerID)
		},
	})

	reg.MustRegister(ToolSpec{
		Name:        "worker_status",
		Category:    "workers",
		Description: "Get one worker's record, including its result when finished.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"worker_id":{"type":"string"}},"required":["worker_id"]}`),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				WorkerID string `json:"worker_id"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			rec, ok := workers.Get(in.WorkerID)
			if !ok {
				return nil, fmt.Errorf("unknown worker %s", in.WorkerID)
			}
			return rec, nil
		},
	})

	reg.MustRegister(ToolSpec{
		Name:        "list_workers",
		Category:    "workers",
		Description: "List all workers, newest first.",
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			return map[string]any{"workers": workers.List()}, nil
		},
	})

	reg.MustRegister(ToolSpec{
		Name:        "reset_worker_context",
		Category:    "workers",
		Description: "Clear an idle worker's private context.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"worker_id":{"type":"string"}},"required":["worker_id"]}`),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				WorkerID string `json:"worker_id"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			if err := workers.ResetContext(in.WorkerID); err != nil {
				return nil, err
			}
			return map[string]any{"reset": true}, nil
		},
	})
}
