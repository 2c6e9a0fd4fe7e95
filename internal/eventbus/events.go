package eventbus

import "time"

// Topics published by the scheduler, the trigger bridge and the frame loop.
const (
	TaskRegistered = "task.registered"
	TaskCompleted  = "task.completed"
	TaskCancelled  = "task.cancelled"
	TaskFaulted    = "task.faulted"
	TaskSlow       = "task.slow"

	TriggerFired   = "trigger.fired"
	TriggerSkipped = "trigger.skipped"

	FrameSlow = "frame.slow"
)

// TaskEvent is the payload of task.* events.
type TaskEvent struct {
	ID       int64         `json:"id"`
	Name     string        `json:"name,omitempty"`
	Stage    string        `json:"stage,omitempty"`
	Async    bool          `json:"async,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
	Panic    bool          `json:"panic,omitempty"`
}

// TriggerEvent is the payload of trigger.* events.
type TriggerEvent struct {
	Name   string `json:"name"`
	Spec   string `json:"spec"`
	TaskID int64  `json:"task_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// FrameEvent is the payload of frame.* events.
type FrameEvent struct {
	Frame    uint64        `json:"frame"`
	Delta    time.Duration `json:"delta"`
	Duration time.Duration `json:"duration"`
}
