package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-crm/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuthzInvalidate re-announces a grant change that could not be
	// published when it happened.
	TaskAuthzInvalidate = "authz:invalidate"
)

// InvalidatePayload names the principal whose grants changed.
type InvalidatePayload struct {
	PrincipalID string    `json:"principal_id"`
	ChangedAt   time.Time `json:"changed_at"`
}

// NewInvalidateTask constructs an Asynq task.
func NewInvalidateTask(principalID string, changedAt time.Time) (*asynq.Task, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return nil, errors.New("jobs: principal id required")
	}
	data, err := json.Marshal(InvalidatePayload{PrincipalID: principalID, ChangedAt: changedAt.UTC()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuthzInvalidate, data), nil
}

// Publisher announces invalidations to every process.
type Publisher interface {
	Publish(ctx context.Context, principalID string) error
}

// Recorder observes invalidation delivery.
type Recorder interface {
	Invalidation(path string, err error)
}

// InvalidateJob handles TaskAuthzInvalidate by publishing again.
type InvalidateJob struct {
	publisher Publisher
	logger    *slog.Logger
	recorder  Recorder
	metrics   *jobmetrics.Metrics
}

// NewInvalidateJob constructs the job. recorder and metrics may be nil.
func NewInvalidateJob(publisher Publisher, logger *slog.Logger, recorder Recorder, metrics *jobmetrics.Metrics) *InvalidateJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvalidateJob{publisher: publisher, logger: logger, recorder: recorder, metrics: metrics}
}

// Handle processes TaskAuthzInvalidate tasks. Malformed payloads are not
// retried; publish failures are.
func (j *InvalidateJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload InvalidatePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || strings.TrimSpace(payload.PrincipalID) == "" {
		j.logger.Warn("drop malformed invalidation task", slog.Any("error", err))
		j.metrics.Dropped(TaskAuthzInvalidate)
		return fmt.Errorf("jobs: malformed invalidation payload: %w", asynq.SkipRetry)
	}
	err := j.publisher.Publish(ctx, payload.PrincipalID)
	if j.recorder != nil {
		j.recorder.Invalidation("worker", err)
	}
	if err != nil {
		j.logger.Warn("republish invalidation", slog.String("principal", payload.PrincipalID), slog.Any("error", err))
		return err
	}
	j.logger.Info("invalidation delivered", slog.String("principal", payload.PrincipalID), slog.Duration("delay", time.Since(payload.ChangedAt)))
	return nil
}
