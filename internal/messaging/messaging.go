package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	ValidationQueue = "validation_queue"
	SweepQueue      = "sweep_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

// ValidationTaskPayload asks the worker to validate one uploaded file.
type ValidationTaskPayload struct {
	UploadId uuid.UUID
}

// SweepPayload asks the worker to reclaim orphaned artifacts older than the
// given age.
type SweepPayload struct {
	OlderThanHours int
}

type Publisher interface {
	PublishValidationTask(ctx context.Context, payload ValidationTaskPayload) error

	PublishSweepTask(ctx context.Context, payload SweepPayload) error

	Close()
}

type Receiver interface {
	Tasks() <-chan Task

	Close()
}
