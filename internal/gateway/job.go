// internal/gateway/job.go
package gateway

import (
	"time"

	"github.com/user/remoteagent/internal/types"
)

// JobStatus represents the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusComplete JobStatus = "complete"
	JobStatusFailed   JobStatus = "failed"
)

// Job is one inbound message waiting in, or taken from, a conversation lane.
type Job struct {
	ID        types.JobID
	Lane      string
	Message   types.InboundMessage
	Status    JobStatus
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Err       error
}

// NewJob creates a queued Job for msg. Messages of the same platform
// conversation share a lane.
func NewJob(msg types.InboundMessage) *Job {
	return &Job{
		ID:        types.NewJobID(),
		Lane:      types.LaneKey(msg.Platform, msg.ConversationID),
		Message:   msg,
		Status:    JobStatusQueued,
		CreatedAt: time.Now(),
	}
}

func (j *Job) start() {
	now := time.Now()
	j.StartedAt = &now
	j.Status = JobStatusRunning
}

func (j *Job) finish(err error) {
	now := time.Now()
	j.EndedAt = &now
	j.Err = err
	if err != nil {
		j.Status = JobStatusFailed
		return
	}
	j.Status = JobStatusComplete
}
