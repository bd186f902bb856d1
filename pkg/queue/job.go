package queue

import (
	"math"
	"time"
)

// State is the queue state of a job
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// AllStates returns every job state in lifecycle order
func AllStates() []State {
	return []State{StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed}
}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	for _, known := range AllStates() {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can happen
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Kind tags the payload variant a job carries
type Kind string

const (
	KindText Kind = "text"
	KindFile Kind = "file"
)

// TextPayload asks for raw text to be embedded and stored
type TextPayload struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FilePayload asks for a file to be parsed, embedded and stored
type FilePayload struct {
	FilePath              string         `json:"filePath"`
	FileType              string         `json:"fileType"`
	Filename              string         `json:"filename"`
	Metadata              map[string]any `json:"metadata,omitempty"`
	DeleteAfterProcessing bool           `json:"deleteAfterProcessing,omitempty"`
	FileID                string         `json:"fileId,omitempty"`
	// ClaimID is the tracked file claim this job holds
	ClaimID string `json:"claimId,omitempty"`
}

// Payload is a tagged union: Kind selects which of Text or File is set.
type Payload struct {
	Kind Kind         `json:"kind"`
	Text *TextPayload `json:"text,omitempty"`
	File *FilePayload `json:"file,omitempty"`
}

// NewTextPayload builds a text job payload
func NewTextPayload(text string, metadata map[string]any) Payload {
	return Payload{Kind: KindText, Text: &TextPayload{Text: text, Metadata: metadata}}
}

// NewFilePayload builds a file job payload
func NewFilePayload(p FilePayload) Payload {
	return Payload{Kind: KindFile, File: &p}
}

// FileID returns the tracked file a payload belongs to, if any
func (p Payload) FileID() string {
	if p.Kind == KindFile && p.File != nil {
		return p.File.FileID
	}
	return ""
}

// Backoff is an exponential retry schedule
type Backoff struct {
	Initial    time.Duration `json:"initial"`
	Multiplier float64       `json:"multiplier"`
}

// DefaultBackoff starts at one second and doubles
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Multiplier: 2}
}

// Delay returns how long to wait after the given failed attempt (1-based)
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	return time.Duration(float64(b.Initial) * math.Pow(mult, float64(attempt-1)))
}

// Options override the queue defaults for one job
type Options struct {
	MaxAttempts int
	Backoff     *Backoff
}

// Result is what a successful handler returns
type Result struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
}

// Job is one unit of ingestion work
type Job struct {
	ID          string    `json:"id"`
	Seq         uint64    `json:"seq"`
	Payload     Payload   `json:"payload"`
	State       State     `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	Backoff     Backoff   `json:"backoff"`
	Progress    int       `json:"progress"`
	Result      *Result   `json:"result,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	TraceID     string    `json:"traceId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	AvailableAt time.Time `json:"availableAt"`
	ProcessedAt time.Time `json:"processedAt,omitempty"`
	FinishedAt  time.Time `json:"finishedAt,omitempty"`

	// FinishSeq orders terminal jobs for retention pruning
	FinishSeq uint64 `json:"finishSeq,omitempty"`
	// Notified is set once the terminal hook has run
	Notified bool `json:"notified,omitempty"`
}

// Kind returns the payload kind
func (j *Job) Kind() Kind {
	return j.Payload.Kind
}

// Stats counts jobs per state
type Stats struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Get returns the count for one state
func (s Stats) Get(state State) int {
	switch state {
	case StateWaiting:
		return s.Waiting
	case StateDelayed:
		return s.Delayed
	case StateActive:
		return s.Active
	case StateCompleted:
		return s.Completed
	case StateFailed:
		return s.Failed
	}
	return 0
}
