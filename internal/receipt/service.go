package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/zombor/receipt-pipeline/internal/batch"
	"github.com/zombor/receipt-pipeline/internal/export"
	"github.com/zombor/receipt-pipeline/internal/learning"
)

var (
	// ErrUserRequired is returned when an operation has no user ID
	ErrUserRequired = errors.New("user id is required")
	// ErrNoFiles is returned when a batch is submitted without uploads
	ErrNoFiles = errors.New("at least one file is required")
	// ErrFileNotFound is returned when a batch has no archived file for an item
	ErrFileNotFound = errors.New("file not found")

	reUnsafeChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	reSpaces      = regexp.MustCompile(`\s+`)
)

// BatchRunner schedules uploads through the pipeline
type BatchRunner interface {
	RunStreaming(ctx context.Context, userID string, inputs []batch.Input, cfg batch.Config, onProgress batch.ProgressFunc) (*batch.Result, error)
	ProcessOne(ctx context.Context, userID string, in batch.Input, cfg batch.Config) (batch.ItemResult, error)
}

// Learner is the per-user learning store
type Learner interface {
	LearnFromCorrection(ctx context.Context, userID string, original, corrected learning.Transaction) (*learning.Outcome, error)
	PredictCategory(ctx context.Context, userID string, tx learning.Transaction) (learning.Prediction, error)
	Metrics(ctx context.Context, userID string) (learning.Metrics, error)
	Pending(ctx context.Context, userID string) ([]learning.PendingItem, error)
	Retrain(ctx context.Context, userID string) (bool, error)
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service ties batch runs to persistence, the upload archive and the
// learning store
type Service struct {
	db         DB
	runner     BatchRunner
	learner    Learner
	storage    Storage
	timeSource TimeSource
}

// NewService creates a new Service with the system clock
func NewService(db DB, runner BatchRunner, learner Learner, storage Storage) *Service {
	return NewServiceWithDeps(db, runner, learner, storage, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, runner BatchRunner, learner Learner, storage Storage, timeSrc TimeSource) *Service {
	return &Service{
		db:         db,
		runner:     runner,
		learner:    learner,
		storage:    storage,
		timeSource: timeSrc,
	}
}

// sanitizeFilename strips special characters and truncates long phone-generated names
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	base = reUnsafeChars.ReplaceAllString(base, "")
	base = strings.TrimSpace(reSpaces.ReplaceAllString(base, " "))

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "receipt"
	}
	if ext = reUnsafeChars.ReplaceAllString(strings.TrimPrefix(ext, "."), ""); ext != "" {
		ext = "." + strings.ToLower(ext)
	}
	return base + ext
}

// uniqueNames sanitizes upload names and numbers duplicates so every item
// in a batch has its own archive path
func uniqueNames(inputs []batch.Input) []batch.Input {
	used := make(map[string]bool, len(inputs))
	out := make([]batch.Input, len(inputs))
	for i, in := range inputs {
		clean := sanitizeFilename(in.Name)
		ext := filepath.Ext(clean)
		name := clean
		for n := 2; used[name]; n++ {
			name = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(clean, ext), n, ext)
		}
		used[name] = true
		in.Name = name
		out[i] = in
	}
	return out
}

// RunBatch runs a batch, archives its uploads and saves the record
func (s *Service) RunBatch(ctx context.Context, userID string, files []batch.Input, cfg batch.Config, onProgress batch.ProgressFunc) (*Batch, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	if len(files) == 0 {
		return nil, ErrNoFiles
	}

	inputs := uniqueNames(files)
	result, err := s.runner.RunStreaming(ctx, userID, inputs, cfg, onProgress)
	if err != nil {
		return nil, fmt.Errorf("running batch: %w", err)
	}

	byName := make(map[string]batch.Input, len(inputs))
	for _, in := range inputs {
		byName[in.Name] = in
	}

	now := s.timeSource.Now()
	record := &Batch{
		ID:        result.BatchID,
		UserID:    userID,
		Result:    result,
		CreatedAt: now,
		UpdatedAt: now,
	}

	items := append(append([]batch.ItemResult{}, result.Completed...), result.Failed...)
	for _, item := range items {
		in, ok := byName[item.Name]
		if !ok {
			continue
		}
		saved, err := s.storage.Save(path.Join(result.BatchID, in.Name), in.Data)
		if err != nil {
			slog.Warn("Failed to archive upload", "batch_id", result.BatchID, "name", in.Name, "error", err)
			continue
		}
		record.Files = append(record.Files, ArchivedFile{
			ItemID:      item.ItemID,
			Name:        in.Name,
			Path:        saved,
			ContentType: in.ContentType,
		})
	}

	if err := s.db.SaveBatch(record); err != nil {
		for _, f := range record.Files {
			s.storage.Delete(f.Path)
		}
		return nil, fmt.Errorf("saving batch to database: %w", err)
	}
	return record, nil
}

// Extract runs a single upload outside a batch
func (s *Service) Extract(ctx context.Context, userID string, file batch.Input) (batch.ItemResult, error) {
	file.Name = sanitizeFilename(file.Name)
	res, err := s.runner.ProcessOne(ctx, userID, file, batch.DefaultConfig())
	if err != nil {
		return batch.ItemResult{}, fmt.Errorf("extracting %s: %w", file.Name, err)
	}
	return res, nil
}

// GetBatch retrieves a batch by ID
func (s *Service) GetBatch(id string) (*Batch, error) {
	b, err := s.db.GetBatch(id)
	if err != nil {
		return nil, fmt.Errorf("getting batch: %w", err)
	}
	return b, nil
}

// ListBatches returns a user's batches
func (s *Service) ListBatches(userID string) ([]*Batch, error) {
	batches, err := s.db.ListBatches(userID)
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}
	return batches, nil
}

// GetBatchFile returns the archived upload for one item of a batch
func (s *Service) GetBatchFile(batchID, itemID string) ([]byte, string, error) {
	b, err := s.db.GetBatch(batchID)
	if err != nil {
		return nil, "", fmt.Errorf("getting batch: %w", err)
	}
	f, ok := b.File(itemID)
	if !ok {
		return nil, "", fmt.Errorf("%w: item %s", ErrFileNotFound, itemID)
	}
	data, err := s.storage.Get(f.Path)
	if err != nil {
		return nil, "", fmt.Errorf("getting batch file: %w", err)
	}
	return data, f.ContentType, nil
}

// ExportBatch renders a batch as an XLSX workbook
func (s *Service) ExportBatch(id string) ([]byte, error) {
	b, err := s.db.GetBatch(id)
	if err != nil {
		return nil, fmt.Errorf("getting batch: %w", err)
	}
	data, err := export.BatchXLSX(b.Result)
	if err != nil {
		return nil, fmt.Errorf("exporting batch: %w", err)
	}
	return data, nil
}

// Correct applies a user correction to the learning store
func (s *Service) Correct(ctx context.Context, userID string, original, corrected learning.Transaction) (*learning.Outcome, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	out, err := s.learner.LearnFromCorrection(ctx, userID, original, corrected)
	if err != nil {
		return nil, fmt.Errorf("learning from correction: %w", err)
	}
	return out, nil
}

// Predict categorizes a transaction with the user's model
func (s *Service) Predict(ctx context.Context, userID string, tx learning.Transaction) (learning.Prediction, error) {
	if userID == "" {
		return learning.Prediction{}, ErrUserRequired
	}
	p, err := s.learner.PredictCategory(ctx, userID, tx)
	if err != nil {
		return learning.Prediction{}, fmt.Errorf("predicting category: %w", err)
	}
	return p, nil
}

// Metrics reports the user's learning metrics
func (s *Service) Metrics(ctx context.Context, userID string) (learning.Metrics, error) {
	m, err := s.learner.Metrics(ctx, userID)
	if err != nil {
		return learning.Metrics{}, fmt.Errorf("getting metrics: %w", err)
	}
	return m, nil
}

// Pending lists the user's unreviewed items
func (s *Service) Pending(ctx context.Context, userID string) ([]learning.PendingItem, error) {
	items, err := s.learner.Pending(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing pending items: %w", err)
	}
	return items, nil
}

// Retrain replays the user's samples through their model
func (s *Service) Retrain(ctx context.Context, userID string) (bool, error) {
	ok, err := s.learner.Retrain(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("retraining model: %w", err)
	}
	return ok, nil
}
