package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/coral-monitor/internal/logging"
	"github.com/example/coral-monitor/internal/metrics"
	"github.com/example/coral-monitor/internal/repository"
	"github.com/example/coral-monitor/internal/retry"
	"github.com/example/coral-monitor/internal/session"
)

// ErrEmptySelection means a run was requested with nothing selected. It is
// guidance for the user, not a failure.
var ErrEmptySelection = errors.New("select at least one image")

// ErrNoRun is returned when a session has no tracked run.
var ErrNoRun = errors.New("no run recorded for session")

// Run states stored by the progress tracker.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Progress is emitted after each image of a batch completes.
type Progress struct {
	RunID string `json:"run_id"`
	Name  string `json:"name"`
	Index int    `json:"index"`
	Total int    `json:"total"`
}

// RunSummary collects the progress of a batch. On failure it holds the
// progress made before the failing image.
type RunSummary struct {
	RunID    string     `json:"run_id"`
	Total    int        `json:"total"`
	Progress []Progress `json:"progress"`
}

// RunStatus is the latest state of a session's batch, kept in the cache.
type RunStatus struct {
	RunID      string    `json:"run_id"`
	SessionID  string    `json:"session_id"`
	Status     string    `json:"status"`
	Done       int       `json:"done"`
	Total      int       `json:"total"`
	FailedName string    `json:"failed_name,omitempty"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RunError reports the image a batch stopped at. Index is 1-based.
// Artifacts written for earlier images are kept.
type RunError struct {
	Name  string
	Index int
	Total int
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run failed on %q (%d/%d): %v", e.Name, e.Index, e.Total, e.Err)
}

// Unwrap returns the adapter error.
func (e *RunError) Unwrap() error { return e.Err }

func runStatusKey(sessionID string) string {
	return fmt.Sprintf("run:%s", sessionID)
}

// RunBatch calls the adapter once per name, in order, storing each artifact
// before moving on. onProgress, if set, is called after every stored
// artifact. The first failure aborts the rest of the batch with a *RunError.
// Batches of the same session never overlap.
func (uc *ReviewUseCase) RunBatch(ctx context.Context, sessionID string, names []string, onProgress func(Progress)) (*RunSummary, error) {
	sess, err := uc.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, ErrEmptySelection
	}

	sess.LockRun()
	defer sess.UnlockRun()

	total := len(names)
	runID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.run_batch", sessionID).With(zap.String("run_id", runID))
	opLogger.Info("run batch started", zap.Int("total", total))

	summary := &RunSummary{RunID: runID, Total: total, Progress: []Progress{}}
	status := RunStatus{RunID: runID, SessionID: sessionID, Status: StatusRunning, Total: total}
	uc.trackRun(ctx, status)

	for i, name := range names {
		index := i + 1
		start := time.Now()
		artifact, err := uc.runOne(ctx, sess, name)
		latency := time.Since(start)

		if err != nil {
			uc.metrics.RunItems.WithLabelValues(metrics.OutcomeFailure).Inc()
			uc.recordItem(ctx, runID, sessionID, name, index, total, latency, nil, err)

			runErr := &RunError{Name: name, Index: index, Total: total, Err: err}
			opLogger.Error("run batch aborted", zap.Error(runErr))
			status.Status = StatusFailed
			status.FailedName = name
			status.Error = err.Error()
			uc.trackRun(ctx, status)
			return summary, runErr
		}

		sess.Store.PutArtifact(name, *artifact)
		uc.metrics.RunItems.WithLabelValues(metrics.OutcomeSuccess).Inc()
		uc.recordItem(ctx, runID, sessionID, name, index, total, latency, artifact.Metadata, nil)

		sess.Touch()
		p := Progress{RunID: runID, Name: name, Index: index, Total: total}
		summary.Progress = append(summary.Progress, p)
		status.Done = index
		uc.trackRun(ctx, status)
		if onProgress != nil {
			onProgress(p)
		}
	}

	status.Status = StatusSucceeded
	uc.trackRun(ctx, status)
	opLogger.Info("run batch finished", zap.Int("processed", total))
	return summary, nil
}

func (uc *ReviewUseCase) runOne(ctx context.Context, sess *session.Session, name string) (*session.Artifact, error) {
	original, err := sess.Store.Original(name)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := uc.adapter.Run(ctx, original)
	uc.metrics.AdapterDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.New("adapter returned no result")
	}
	return &session.Artifact{
		Primary:   res.Overlay,
		Secondary: res.Secondary,
		Metadata:  res.Metadata,
	}, nil
}

// trackRun publishes status for pollers. Tracking is best effort; failures
// are logged by retry.Do and do not affect the batch.
func (uc *ReviewUseCase) trackRun(ctx context.Context, status RunStatus) {
	status.UpdatedAt = time.Now().UTC()
	serialized, err := json.Marshal(status)
	if err != nil {
		uc.logger.Error("failed to serialize run status", zap.Error(err))
		return
	}
	_ = retry.Do(ctx, uc.policy, uc.logger, "cache.set.run_status", status.SessionID, func() error {
		return uc.cache.Set(ctx, runStatusKey(status.SessionID), string(serialized), uc.statusTTL)
	})
}

// forgetRun drops the tracked status of a session that no longer exists.
func (uc *ReviewUseCase) forgetRun(ctx context.Context, sessionID string) {
	_ = retry.Do(ctx, uc.policy, uc.logger, "cache.del.run_status", sessionID, func() error {
		return uc.cache.Del(ctx, runStatusKey(sessionID))
	})
}

func (uc *ReviewUseCase) recordItem(ctx context.Context, runID, sessionID, name string, index, total int, latency time.Duration, metadata map[string]any, runErr error) {
	if uc.history == nil {
		return
	}
	log := &repository.RunLog{
		RunID:     runID,
		SessionID: sessionID,
		ImageName: name,
		Position:  index,
		Total:     total,
		Success:   runErr == nil,
		LatencyMs: latency.Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}
	if runErr != nil {
		log.Error = runErr.Error()
	}
	if metadata != nil {
		if details, err := json.Marshal(metadata); err == nil {
			log.Details = string(details)
		}
	}
	// history is best effort too; SaveLog already logs its failures
	_ = uc.history.SaveLog(ctx, log)
}

// LatestRun returns the latest tracked batch of a session.
func (uc *ReviewUseCase) LatestRun(ctx context.Context, sessionID string) (*RunStatus, error) {
	if _, err := uc.sessions.Get(sessionID); err != nil {
		return nil, err
	}

	var (
		cached string
		miss   bool
	)
	err := retry.Do(ctx, uc.policy, uc.logger, "cache.get.run_status", sessionID, func() error {
		value, err := uc.cache.Get(ctx, runStatusKey(sessionID))
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		cached = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	if miss {
		return nil, ErrNoRun
	}

	var status RunStatus
	if err := json.Unmarshal([]byte(cached), &status); err != nil {
		logging.WithOperation(uc.logger, "usecase.latest_run", sessionID).Warn("failed to decode run status", zap.Error(err))
		return nil, err
	}
	return &status, nil
}

// RunLogs returns the persisted log of one run.
func (uc *ReviewUseCase) RunLogs(ctx context.Context, sessionID, runID string) ([]*repository.RunLog, error) {
	if uc.history == nil {
		return nil, ErrHistoryDisabled
	}
	if _, err := uc.sessions.Get(sessionID); err != nil {
		return nil, err
	}
	return uc.history.FindByRun(ctx, sessionID, runID)
}
