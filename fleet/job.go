package fleet

import (
	"github.com/google/uuid"

	"github.com/user/rudelctl/ble"
	"github.com/user/rudelctl/transfer"
)

// Job binds one payload to one target device. Each execution attempt
// gets a brand-new session; sessions are never reused.
type Job struct {
	ID      string
	Device  ble.DeviceInfo
	Payload *transfer.Payload

	attempts int
	session  *transfer.Session
}

// newJob creates a job with a fresh correlation ID.
func newJob(device ble.DeviceInfo, payload *transfer.Payload) *Job {
	return &Job{
		ID:      uuid.New().String(),
		Device:  device,
		Payload: payload,
	}
}

// Attempts returns the number of sessions started for this job.
func (j *Job) Attempts() int {
	return j.attempts
}

// Session returns the most recent session, or nil before the first
// attempt.
func (j *Job) Session() *transfer.Session {
	return j.session
}
