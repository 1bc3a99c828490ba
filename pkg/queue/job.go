package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job is the envelope carried on every queue. Payload is the queue-specific
// job struct from pkg/models, marshaled by the producer.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	RunID      string          `json:"run_id"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`

	// raw is the exact envelope bytes this job was dequeued as, needed to
	// remove it from the processing list on ack.
	raw []byte
}

// NewJob builds a job envelope with a fresh id.
func NewJob(queueName, runID string, payload any) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Job{
		ID:         uuid.New().String(),
		Queue:      queueName,
		RunID:      runID,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// NewJobWithID builds a job envelope with a caller-assigned id, used when
// the manifest pre-computed the job graph.
func NewJobWithID(id, queueName, runID string, payload any) (*Job, error) {
	job, err := NewJob(queueName, runID, payload)
	if err != nil {
		return nil, err
	}
	job.ID = id
	return job, nil
}

// DeadLetter is the envelope stored on the failed-jobs queue. It carries a
// structured reason but never the original file contents or prompts.
type DeadLetter struct {
	Job      *Job      `json:"job"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}
