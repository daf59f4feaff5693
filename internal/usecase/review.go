package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/example/coral-monitor/internal/inference"
	"github.com/example/coral-monitor/internal/logging"
	"github.com/example/coral-monitor/internal/metrics"
	"github.com/example/coral-monitor/internal/repository"
	"github.com/example/coral-monitor/internal/retry"
	"github.com/example/coral-monitor/internal/selection"
	"github.com/example/coral-monitor/internal/session"
)

// ErrHistoryDisabled is returned by history queries when no database is
// configured.
var ErrHistoryDisabled = errors.New("run history is disabled")

// Accepted upload formats.
var supportedImageTypes = []string{"image/png", "image/jpeg"}

// RunHistory defines the persistence operations needed for run logs.
type RunHistory interface {
	SaveLog(ctx context.Context, log *repository.RunLog) error
	FindByRun(ctx context.Context, sessionID, runID string) ([]*repository.RunLog, error)
	AggregateMetrics(ctx context.Context) (*repository.Aggregation, error)
}

// ReviewUseCase encapsulates the image review flow of a session: uploads,
// selection, preview and model runs.
type ReviewUseCase struct {
	sessions  *session.Manager
	adapter   inference.Adapter
	cache     Cache
	history   RunHistory
	metrics   *metrics.Metrics
	logger    *zap.Logger
	policy    retry.Policy
	statusTTL time.Duration
}

// Upload is one file received from the client.
type Upload struct {
	Name string
	Data []byte
}

// UploadResult reports which uploads were stored and which were ignored
// because the name already existed.
type UploadResult struct {
	Added   []string `json:"added"`
	Skipped []string `json:"skipped"`
}

// ImageInfo describes one uploaded image.
type ImageInfo struct {
	Name      string `json:"name"`
	HasResult bool   `json:"has_result"`
}

// PreviewItem is one gallery cell.
type PreviewItem struct {
	Name   string         `json:"name"`
	Source session.Source `json:"source"`
}

// UnsupportedImageError is returned when an upload is not PNG or JPEG.
type UnsupportedImageError struct {
	Name string
	MIME string
}

func (e *UnsupportedImageError) Error() string {
	return fmt.Sprintf("%s: unsupported image type %s", e.Name, e.MIME)
}

// NewReviewUseCase constructs a new use case instance. history may be nil
// when run logs are not persisted.
func NewReviewUseCase(sessions *session.Manager, adapter inference.Adapter, cache Cache, history RunHistory, m *metrics.Metrics, logger *zap.Logger) *ReviewUseCase {
	return &ReviewUseCase{
		sessions:  sessions,
		adapter:   adapter,
		cache:     cache,
		history:   history,
		metrics:   m,
		logger:    logger.Named("review_usecase"),
		policy:    retry.DefaultPolicy,
		statusTTL: 30 * time.Minute,
	}
}

// CreateSession opens a new review session.
func (uc *ReviewUseCase) CreateSession() *session.Session {
	s := uc.sessions.Create()
	uc.metrics.ActiveSessions.Set(float64(uc.sessions.Len()))
	logging.WithOperation(uc.logger, "usecase.create_session", s.ID).Info("session created")
	return s
}

// CloseSession tears a session down and forgets its tracked run.
func (uc *ReviewUseCase) CloseSession(ctx context.Context, sessionID string) error {
	if err := uc.sessions.Delete(sessionID); err != nil {
		return err
	}
	uc.metrics.ActiveSessions.Set(float64(uc.sessions.Len()))
	uc.forgetRun(ctx, sessionID)
	logging.WithOperation(uc.logger, "usecase.close_session", sessionID).Info("session closed")
	return nil
}

// StartSessionReaper drops sessions idle for longer than idle until ctx is
// done. The returned channel is closed once the reaper has stopped.
func (uc *ReviewUseCase) StartSessionReaper(ctx context.Context, interval, idle time.Duration) <-chan struct{} {
	return uc.sessions.StartReaper(ctx, interval, idle, func(removed []string) {
		uc.metrics.ActiveSessions.Set(float64(uc.sessions.Len()))
		for _, id := range removed {
			uc.forgetRun(ctx, id)
		}
		uc.logger.Info("reaped idle sessions", zap.Int("removed", len(removed)))
	})
}

// UploadImages validates and stores files in the session. Nothing is stored
// if any file is not a supported image.
func (uc *ReviewUseCase) UploadImages(ctx context.Context, sessionID string, files []Upload) (*UploadResult, error) {
	sess, err := uc.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		mt := mimetype.Detect(f.Data)
		if !mimetype.EqualsAny(mt.String(), supportedImageTypes...) {
			return nil, &UnsupportedImageError{Name: f.Name, MIME: mt.String()}
		}
	}

	result := &UploadResult{Added: []string{}, Skipped: []string{}}
	for _, f := range files {
		if sess.Store.AddImage(f.Name, f.Data) {
			result.Added = append(result.Added, f.Name)
			uc.metrics.ImagesUploaded.Inc()
		} else {
			result.Skipped = append(result.Skipped, f.Name)
			uc.metrics.ImagesSkipped.Inc()
		}
	}
	logging.WithOperation(uc.logger, "usecase.upload_images", sessionID).Info("images uploaded",
		zap.Int("added", len(result.Added)),
		zap.Int("skipped", len(result.Skipped)),
	)
	return result, nil
}

// ListImages returns the session's images in upload order.
func (uc *ReviewUseCase) ListImages(sessionID string) ([]ImageInfo, error) {
	sess, err := uc.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	names := sess.Store.Names()
	out := make([]ImageInfo, 0, len(names))
	for _, n := range names {
		_, has := sess.Store.Artifact(n)
		out = append(out, ImageInfo{Name: n, HasResult: has})
	}
	return out, nil
}

// Original returns the uploaded bytes of one image.
func (uc *ReviewUseCase) Original(sessionID, name string) ([]byte, error) {
	sess, err := uc.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Store.Original(name)
}

// Artifact returns the latest run output for one image.
func (uc *ReviewUseCase) Artifact(sessionID, name string) (*session.Artifact, error) {
	sess, err := uc.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	a, ok := sess.Store.Artifact(name)
	if !ok {
		return nil, &session.NotFoundError{Kind: session.KindArtifact, Name: name}
	}
	return a, nil
}

// Select resolves the user's choice against the session's images.
func (uc *ReviewUseCase) Select(sessionID string, req selection.Request) ([]string, error) {
	sess, err := uc.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return selection.Resolve(sess.Store.Names(), req), nil
}

// Preview resolves the selection and tells, for each selected image, whether
// the gallery shows its overlay or its original.
func (uc *ReviewUseCase) Preview(sessionID string, req selection.Request) ([]PreviewItem, error) {
	sess, err := uc.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	names := selection.Resolve(sess.Store.Names(), req)
	items := make([]PreviewItem, 0, len(names))
	for _, n := range names {
		_, src, err := sess.Store.Preview(n)
		if err != nil {
			return nil, err
		}
		items = append(items, PreviewItem{Name: n, Source: src})
	}
	return items, nil
}

// PreviewImage returns the bytes a gallery cell shows for name.
func (uc *ReviewUseCase) PreviewImage(sessionID, name string) ([]byte, session.Source, error) {
	sess, err := uc.sessions.Get(sessionID)
	if err != nil {
		return nil, "", err
	}
	return sess.Store.Preview(name)
}
