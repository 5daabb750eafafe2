package tools

import (
	"context"
	"sync"
	"time"
)

// SequentialStep is one recorded step of a session's research trace, per
// spec §4.6's sequential_search contract.
type SequentialStep struct {
	StepNumber    int     `json:"stepNumber"`
	SearchStep    string  `json:"searchStep"`
	Source        string  `json:"source,omitempty"`
	KnowledgeGap  string  `json:"knowledgeGap,omitempty"`
	IsRevision    bool    `json:"isRevision,omitempty"`
	RevisesStep   int     `json:"revisesStep,omitempty"`
	BranchID      string  `json:"branchId,omitempty"`
	RecordedAt    time.Time `json:"recordedAt"`
}

// SequentialState is a session's full research trace, exposed verbatim as
// the search://session/current resource.
type SequentialState struct {
	SessionID           string            `json:"sessionId"`
	TotalStepsEstimate   int               `json:"totalStepsEstimate"`
	Steps                []SequentialStep  `json:"steps"`
	NextStepNeeded       bool              `json:"nextStepNeeded"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// SequentialTrackerResult is sequential_search's tool-call output.
type SequentialTrackerResult struct {
	SessionState   *SequentialState `json:"sessionState"`
	NextStepNeeded bool             `json:"nextStepNeeded"`
}

// SequentialTracker persists per-session research state across calls to
// the sequential_search tool. The server only bookkeeps; the reasoning
// about what step comes next is the caller's responsibility (spec §4.6).
// Grounded in the teacher's SessionTracker: a mutex-guarded map keyed by
// session id, no background eviction of its own (it rides the
// session.Manager's idle-timeout lifecycle via Forget).
type SequentialTracker struct {
	mu    sync.Mutex
	state map[string]*SequentialState
}

// NewSequentialTracker constructs an empty tracker.
func NewSequentialTracker() *SequentialTracker {
	return &SequentialTracker{state: make(map[string]*SequentialState)}
}

// Record appends a step to sessionID's trace, creating the trace on first
// use, and returns the updated state.
func (t *SequentialTracker) Record(sessionID string, step SequentialStep, totalStepsEstimate int, nextStepNeeded bool) *SequentialState {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.state[sessionID]
	if !ok {
		s = &SequentialState{SessionID: sessionID}
		t.state[sessionID] = s
	}

	if step.IsRevision && step.RevisesStep > 0 {
		for i := range s.Steps {
			if s.Steps[i].StepNumber == step.RevisesStep {
				s.Steps[i] = step
				s.TotalStepsEstimate = totalStepsEstimate
				s.NextStepNeeded = nextStepNeeded
				s.UpdatedAt = step.RecordedAt
				return cloneState(s)
			}
		}
	}

	s.Steps = append(s.Steps, step)
	s.TotalStepsEstimate = totalStepsEstimate
	s.NextStepNeeded = nextStepNeeded
	s.UpdatedAt = step.RecordedAt
	return cloneState(s)
}

// Current returns sessionID's trace, or nil if it has none yet.
func (t *SequentialTracker) Current(sessionID string) *SequentialState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.state[sessionID]
	if !ok {
		return nil
	}
	return cloneState(s)
}

// Forget drops sessionID's trace, called when session.Manager evicts the
// underlying session.
func (t *SequentialTracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, sessionID)
}

func cloneState(s *SequentialState) *SequentialState {
	steps := make([]SequentialStep, len(s.Steps))
	copy(steps, s.Steps)
	return &SequentialState{
		SessionID:          s.SessionID,
		TotalStepsEstimate: s.TotalStepsEstimate,
		Steps:              steps,
		NextStepNeeded:     s.NextStepNeeded,
		UpdatedAt:          s.UpdatedAt,
	}
}

// NewSequentialSearchSpec builds the sequential_search ToolSpec. It is not
// cacheable: each call mutates session-scoped state rather than computing
// an idempotent result.
func NewSequentialSearchSpec(tracker *SequentialTracker, now func() time.Time) *ToolSpec {
	if now == nil {
		now = time.Now
	}
	handler := func(ctx context.Context, tc Context, args map[string]any) (any, error) {
		if tc.SessionID == "" {
			return nil, errInvalidParams("", "sequential_search requires an active session")
		}

		step := SequentialStep{
			StepNumber:   intArg(args, "stepNumber", 0),
			SearchStep:   stringArg(args, "searchStep", ""),
			Source:       stringArg(args, "source", ""),
			KnowledgeGap: stringArg(args, "knowledgeGap", ""),
			IsRevision:   boolArg(args, "isRevision", false),
			RevisesStep:  intArg(args, "revisesStep", 0),
			BranchID:     stringArg(args, "branchId", ""),
			RecordedAt:   now(),
		}
		if step.StepNumber <= 0 {
			return nil, errInvalidParams("stepNumber", "must be a positive integer")
		}
		if step.SearchStep == "" {
			return nil, errInvalidParams("searchStep", "must not be empty")
		}

		totalStepsEstimate := intArg(args, "totalStepsEstimate", 1)
		nextStepNeeded := boolArg(args, "nextStepNeeded", false)

		state := tracker.Record(tc.SessionID, step, totalStepsEstimate, nextStepNeeded)

		return &SequentialTrackerResult{SessionState: state, NextStepNeeded: nextStepNeeded}, nil
	}

	return &ToolSpec{
		Name:          "sequential_search",
		Description:   "Record one step of a multi-step research plan and return the session's accumulated trace.",
		RequiredScope: "mcp:tool:sequential_search:execute",
		Timeout:       5 * time.Second,
		Cacheable:     false,
		Annotations:   Annotations{ReadOnlyHint: false, IdempotentHint: false},
		Handler:       handler,
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"stepNumber", "totalStepsEstimate", "searchStep", "nextStepNeeded"},
			"properties": map[string]any{
				"stepNumber":         map[string]any{"type": "integer", "minimum": 1},
				"totalStepsEstimate": map[string]any{"type": "integer", "minimum": 1},
				"searchStep":         map[string]any{"type": "string", "minLength": 1},
				"nextStepNeeded":     map[string]any{"type": "boolean"},
				"source":             map[string]any{"type": "string"},
				"knowledgeGap":       map[string]any{"type": "string"},
				"isRevision":         map[string]any{"type": "boolean"},
				"revisesStep":        map[string]any{"type": "integer", "minimum": 1},
				"branchId":           map[string]any{"type": "string"},
			},
		},
	}
}

func stringArg(args map[string]any, key, def string) string {
	v, ok := args[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}
