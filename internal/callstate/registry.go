package callstate

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle phase of a tracked call.
type Status string

const (
	StatusInitiated Status = "initiated" // REST call placed, not yet answered
	StatusRinging   Status = "ringing"
	StatusConnected Status = "connected" // media stream attached
	StatusStreaming Status = "streaming" // model session live
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// TranscriptEntry is one line of recorded conversation.
type TranscriptEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Call is the tracked state of one outbound call.
type Call struct {
	ID         string            `json:"id"`
	CallSid    string            `json:"call_sid,omitempty"`
	StreamSid  string            `json:"stream_sid,omitempty"`
	To         string            `json:"to"`
	VoiceID    string            `json:"voice_id"`
	Scenario   string            `json:"scenario,omitempty"`
	Status     Status            `json:"status"`
	Error      string            `json:"error,omitempty"`
	Transcript []TranscriptEntry `json:"transcript,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	EndedAt    time.Time         `json:"ended_at,omitempty"`
}

// Registry tracks in-flight and recently finished calls in memory. All
// mutation goes through Update so concurrent readers never observe a call
// mid-transition.
type Registry struct {
	mu    sync.RWMutex
	calls map[string]*Call
}

// NewRegistry creates an empty call registry.
func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*Call)}
}

// Create registers a new call and returns its generated ID.
func (r *Registry) Create(to, voiceID, scenario string) *Call {
	now := time.Now().UTC()
	call := &Call{
		ID:        uuid.NewString(),
		To:        to,
		VoiceID:   voiceID,
		Scenario:  scenario,
		Status:    StatusInitiated,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.calls[call.ID] = call
	r.mu.Unlock()
	return snapshot(call)
}

// Get returns a copy of the call, or an error if unknown.
func (r *Registry) Get(id string) (*Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	call, ok := r.calls[id]
	if !ok {
		return nil, fmt.Errorf("unknown call %q", id)
	}
	return snapshot(call), nil
}

// List returns copies of all tracked calls, newest first.
func (r *Registry) List() []*Call {
	r.mu.RLock()
	out := make([]*Call, 0, len(r.calls))
	for _, call := range r.calls {
		out = append(out, snapshot(call))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Update applies fn to the call under the registry lock.
func (r *Registry) Update(id string, fn func(*Call)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[id]
	if !ok {
		return fmt.Errorf("unknown call %q", id)
	}
	fn(call)
	call.UpdatedAt = time.Now().UTC()
	return nil
}

// SetStatus transitions the call. Terminal statuses stamp EndedAt; a call
// already terminal keeps its first outcome.
func (r *Registry) SetStatus(id string, status Status) error {
	return r.Update(id, func(c *Call) {
		if c.Status == StatusCompleted || c.Status == StatusFailed {
			return
		}
		c.Status = status
		if status == StatusCompleted || status == StatusFailed {
			c.EndedAt = time.Now().UTC()
		}
	})
}

// Fail marks the call failed with a reason.
func (r *Registry) Fail(id, reason string) error {
	return r.Update(id, func(c *Call) {
		if c.Status == StatusCompleted || c.Status == StatusFailed {
			return
		}
		c.Status = StatusFailed
		c.Error = reason
		c.EndedAt = time.Now().UTC()
	})
}

// AppendTranscript records one line of conversation against the call.
func (r *Registry) AppendTranscript(id, role, content string) error {
	return r.Update(id, func(c *Call) {
		c.Transcript = append(c.Transcript, TranscriptEntry{
			Role:      role,
			Content:   content,
			Timestamp: time.Now().UTC(),
		})
	})
}

func snapshot(c *Call) *Call {
	copied := *c
	copied.Transcript = append([]TranscriptEntry(nil), c.Transcript...)
	return &copied
}
