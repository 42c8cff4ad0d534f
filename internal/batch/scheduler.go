package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zombor/receipt-pipeline/internal/learning"
	"github.com/zombor/receipt-pipeline/internal/predict"
	"github.com/zombor/receipt-pipeline/internal/preprocess"
	"github.com/zombor/receipt-pipeline/internal/scanning"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Preprocessor normalizes raw uploads
type Preprocessor interface {
	Process(data []byte, contentType string) (*preprocess.Image, error)
}

// Extractor runs the text-extraction ensemble
type Extractor interface {
	Extract(ctx context.Context, img *preprocess.Image) (*scanning.Extraction, error)
}

// Predictor guesses a category from visual features
type Predictor interface {
	Predict(ctx context.Context, img *preprocess.Image, userID string) predict.Prediction
}

// Learner is the per-user learning store
type Learner interface {
	PredictCategory(ctx context.Context, userID string, tx learning.Transaction) (learning.Prediction, error)
	AddPending(ctx context.Context, userID string, txs ...learning.Transaction) ([]learning.PendingItem, error)
	Metrics(ctx context.Context, userID string) (learning.Metrics, error)
}

// IDGenerator generates batch and item IDs
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string { return uuid.NewString() }

type systemTime struct{}

func (systemTime) Now() time.Time { return time.Now() }

// Scheduler drives batches of receipts through preprocessing, extraction
// and categorization
type Scheduler struct {
	preprocessor Preprocessor
	extractor    Extractor
	predictor    Predictor
	learner      Learner
	idGenerator  IDGenerator
	timeSource   TimeSource
}

// NewScheduler creates a Scheduler. learner may be nil.
func NewScheduler(pre Preprocessor, extractor Extractor, predictor Predictor, learner Learner) *Scheduler {
	return NewSchedulerWithDeps(pre, extractor, predictor, learner, uuidGenerator{}, systemTime{})
}

// NewSchedulerWithDeps creates a Scheduler with custom dependencies for testing
func NewSchedulerWithDeps(pre Preprocessor, extractor Extractor, predictor Predictor, learner Learner, idGen IDGenerator, timeSrc TimeSource) *Scheduler {
	return &Scheduler{
		preprocessor: pre,
		extractor:    extractor,
		predictor:    predictor,
		learner:      learner,
		idGenerator:  idGen,
		timeSource:   timeSrc,
	}
}

// Run processes a batch and returns the final result
func (s *Scheduler) Run(ctx context.Context, userID string, inputs []Input, cfg Config) (*Result, error) {
	return s.RunStreaming(ctx, userID, inputs, cfg, nil)
}

// RunStreaming processes a batch, calling onProgress after every item when
// streaming is enabled and once with the final snapshot. Item failures are
// recorded in the result; the only error is an invalid config.
//
// Tiers run as phases: every simple item at once, medium items through a
// semaphore, then complex items one at a time with twice the timeout.
// Cancelling ctx stops dispatch; dispatched items run to completion.
func (s *Scheduler) RunStreaming(ctx context.Context, userID string, inputs []Input, cfg Config, onProgress ProgressFunc) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	items := s.classify(inputs)
	result := &Result{
		BatchID:    s.idGenerator.Generate(),
		UserID:     userID,
		Completed:  []ItemResult{},
		Failed:     []ItemResult{},
		InProgress: make([]string, 0, len(items)),
		Total:      len(items),
		StartedAt:  s.timeSource.Now(),
	}
	for _, it := range items {
		result.InProgress = append(result.InProgress, it.ID)
		result.ETA += it.EstimatedDuration
	}

	t := &tracker{
		result:     result,
		onProgress: onProgress,
		streaming:  cfg.EnableStreaming,
		now:        s.timeSource.Now,
	}
	if s.learner != nil {
		if m, err := s.learner.Metrics(ctx, userID); err == nil {
			t.accuracy, t.corrections = m.Accuracy, m.TotalCorrections
		} else {
			slog.Warn("Failed to load learning metrics", "user_id", userID, "error", err)
		}
	}

	slog.Info("Starting batch",
		"batch_id", result.BatchID,
		"user_id", userID,
		"items", len(items),
		"estimated", result.ETA,
	)

	simple, medium, complexItems := tiers(items)

	// simple: everything at once
	var wg sync.WaitGroup
	for _, it := range simple {
		if !s.admit(ctx, t, it, cfg) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.finish(s.process(ctx, userID, it, cfg, cfg.Timeout))
		}()
	}
	wg.Wait()

	// medium: bounded by the semaphore
	sem := semaphore.NewWeighted(cfg.mediumLimit())
	for _, it := range medium {
		if err := sem.Acquire(ctx, 1); err != nil {
			t.finish(skipped(it, ReasonCancelled, ErrCancelled))
			continue
		}
		if !s.admit(ctx, t, it, cfg) {
			sem.Release(1)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			t.finish(s.process(ctx, userID, it, cfg, cfg.Timeout))
		}()
	}
	wg.Wait()

	// complex: one at a time
	for _, it := range complexItems {
		if !s.admit(ctx, t, it, cfg) {
			continue
		}
		t.finish(s.process(ctx, userID, it, cfg, 2*cfg.Timeout))
	}

	final := t.complete()
	slog.Info("Finished batch",
		"batch_id", final.BatchID,
		"completed", len(final.Completed),
		"failed", len(final.Failed),
		"cost", final.TotalCost,
		"duration", final.FinishedAt.Sub(final.StartedAt),
	)
	return final, nil
}

// ProcessOne runs a single upload outside a batch
func (s *Scheduler) ProcessOne(ctx context.Context, userID string, in Input, cfg Config) (ItemResult, error) {
	if err := cfg.Validate(); err != nil {
		return ItemResult{}, err
	}
	it := s.item(in)
	timeout := cfg.Timeout
	if it.Tier == preprocess.Complex {
		timeout *= 2
	}
	return s.process(ctx, userID, it, cfg, timeout), nil
}

func (s *Scheduler) classify(inputs []Input) []Item {
	items := make([]Item, 0, len(inputs))
	for _, in := range inputs {
		items = append(items, s.item(in))
	}
	return items
}

func (s *Scheduler) item(in Input) Item {
	size := len(in.Data)
	tier := Classify(size)
	return Item{
		ID:                s.idGenerator.Generate(),
		Name:              in.Name,
		Data:              in.Data,
		ContentType:       in.ContentType,
		Size:              size,
		Tier:              tier,
		EstimatedDuration: EstimateDuration(tier, size),
		Priority:          Priority(tier, size),
	}
}

// admit checks cancellation and the cost ceiling immediately before
// dispatch, failing the item when either stops it
func (s *Scheduler) admit(ctx context.Context, t *tracker, it Item, cfg Config) bool {
	if ctx.Err() != nil {
		t.finish(skipped(it, ReasonCancelled, ErrCancelled))
		return false
	}
	if spent := t.cost(); spent >= cfg.CostLimit {
		slog.Warn("Skipping item over cost limit", "item_id", it.ID, "spent", spent, "limit", cfg.CostLimit)
		t.finish(skipped(it, ReasonCostLimit, ErrCostLimitExceeded))
		return false
	}
	return true
}

func skipped(it Item, reason Reason, err error) ItemResult {
	return ItemResult{
		ItemID: it.ID,
		Name:   it.Name,
		Tier:   it.Tier,
		Reason: reason,
		Error:  err.Error(),
	}
}

// process runs one dispatched item on a context detached from batch
// cancellation and bounded by timeout
func (s *Scheduler) process(parent context.Context, userID string, it Item, cfg Config, timeout time.Duration) ItemResult {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	defer cancel()

	start := s.timeSource.Now()
	res := ItemResult{ItemID: it.ID, Name: it.Name, Tier: it.Tier}
	fail := func(reason Reason, err error) ItemResult {
		res.Reason = reason
		res.Error = err.Error()
		res.ProcessingTime = s.timeSource.Now().Sub(start)
		slog.Error("Failed to process batch item",
			"item_id", it.ID,
			"name", it.Name,
			"tier", it.Tier,
			"reason", reason,
			"error", err,
		)
		return res
	}

	img, err := s.preprocessor.Process(it.Data, it.ContentType)
	if err != nil {
		return fail(ReasonPreprocessing, err)
	}

	var (
		extraction *scanning.Extraction
		extractErr error
		visual     predict.Prediction
	)
	var g errgroup.Group
	g.Go(func() error {
		extraction, extractErr = s.extractor.Extract(ctx, img)
		return nil
	})
	g.Go(func() error {
		visual = s.predictor.Predict(ctx, img, userID)
		return nil
	})
	_ = g.Wait()

	if extraction != nil {
		res.Cost = extraction.Cost
	}
	if extractErr != nil || extraction == nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fail(ReasonTimeout, fmt.Errorf("processing %s: %w", it.Name, ctx.Err()))
		}
		if extractErr == nil {
			extractErr = scanning.ErrExtractionFailed
		}
		return fail(ReasonExtraction, extractErr)
	}

	fields := extraction.Fields
	res.Success = true
	res.Fields = &fields
	res.Confidence = fields.Confidence
	res.Category, res.Subcategory = visual.Category, visual.Subcategory

	tx := learning.Transaction{
		Merchant:    fields.Merchant,
		Amount:      fields.Amount,
		Description: describe(fields),
		Category:    res.Category,
		Subcategory: res.Subcategory,
		Time:        s.timeSource.Now(),
	}
	// the item already has its fields; a deadline passing now must not drop
	// its user-model lookup or review registration
	learnCtx := context.WithoutCancel(ctx)
	if s.learner != nil {
		if guess, err := s.learner.PredictCategory(learnCtx, userID, tx); err != nil {
			slog.Warn("User model prediction failed", "user_id", userID, "item_id", it.ID, "error", err)
		} else if guess.Confidence > visual.Confidence {
			res.Category, res.Subcategory = guess.Category, guess.Subcategory
			tx.Category, tx.Subcategory = guess.Category, guess.Subcategory
		}
	}

	if res.Confidence < cfg.QualityThreshold {
		res.NeedsReview = true
		res.Reason = ReasonQuality
	}

	if s.learner != nil {
		items, err := s.learner.AddPending(learnCtx, userID, tx)
		if err != nil {
			slog.Warn("Failed to register pending item", "user_id", userID, "item_id", it.ID, "error", err)
		} else if len(items) > 0 {
			res.PendingID = items[0].ID
		}
	}

	res.ProcessingTime = s.timeSource.Now().Sub(start)
	return res
}

// describe summarizes line items for the learning store
func describe(f scanning.Fields) string {
	names := make([]string, 0, len(f.Items))
	for _, it := range f.Items {
		names = append(names, it.Name)
	}
	if len(names) == 0 {
		return f.Merchant
	}
	return strings.Join(names, ", ")
}
