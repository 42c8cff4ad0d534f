package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	retrainThreshold = 10
	retrainEpochs    = 5

	propagatedConfidence = 0.9
	accuracyStep         = 0.01
)

var (
	// ErrModelNotFound is returned by a ModelStore holding no model for a user
	ErrModelNotFound = errors.New("user model not found")
	// ErrInvalidCorrection is returned for corrections missing a user or category
	ErrInvalidCorrection = errors.New("invalid correction")
)

// ModelStore persists user models
type ModelStore interface {
	Load(userID string) (*UserModel, error)
	Save(model *UserModel) error
	Users() ([]string, error)
}

// IDGenerator generates unique IDs for patterns and pending items
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

// Outcome describes the effect of one correction
type Outcome struct {
	Pattern    CorrectionPattern   `json:"pattern"`
	Propagated []CorrectionPattern `json:"propagated"`
	Accuracy   float64             `json:"accuracy"`
	// Favoured is true when the model already ranked the corrected category first
	Favoured bool `json:"favoured"`
}

// Alternative is a runner-up category
type Alternative struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Prediction is the model's best guess for a transaction
type Prediction struct {
	Category     string        `json:"category"`
	Subcategory  string        `json:"subcategory"`
	Confidence   float64       `json:"confidence"`
	Factors      []string      `json:"factors"`
	Alternatives []Alternative `json:"alternatives"`
}

// Metrics summarizes how well a user's model is doing
type Metrics struct {
	TotalCorrections int       `json:"total_corrections"`
	Accuracy         float64   `json:"accuracy"`
	LearningRate     float64   `json:"learning_rate"`
	Confidence       float64   `json:"prediction_confidence"`
	Samples          int       `json:"samples"`
	Pending          int       `json:"pending"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Store trains and serves per-user models. Operations for one user are
// serialized; different users never contend.
type Store struct {
	models      ModelStore
	idGenerator IDGenerator
	timeSource  TimeSource
	locks       sync.Map // userID -> *sync.Mutex
}

// NewStore creates a Store with uuid IDs and the system clock
func NewStore(models ModelStore) *Store {
	return NewStoreWithDeps(models, uuidGenerator{}, systemTime{})
}

// NewStoreWithDeps creates a Store with custom dependencies for testing
func NewStoreWithDeps(models ModelStore, idGen IDGenerator, timeSrc TimeSource) *Store {
	return &Store{
		models:      models,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

func (s *Store) lock(userID string) func() {
	mu, _ := s.locks.LoadOrStore(userID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// loadOrCreate must be called with the user's lock held
func (s *Store) loadOrCreate(userID string) (*UserModel, error) {
	m, err := s.models.Load(userID)
	if errors.Is(err, ErrModelNotFound) {
		return NewUserModel(userID, s.timeSource.Now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading model for %s: %w", userID, err)
	}
	m.ensureMaps()
	return m, nil
}

// LearnFromCorrection trains the user's model on one correction and applies
// it to similar pending items.
func (s *Store) LearnFromCorrection(ctx context.Context, userID string, original, corrected Transaction) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidCorrection)
	}
	if corrected.Category == "" {
		return nil, fmt.Errorf("%w: corrected category is required", ErrInvalidCorrection)
	}

	unlock := s.lock(userID)
	defer unlock()

	model, err := s.loadOrCreate(userID)
	if err != nil {
		return nil, err
	}

	outcome := s.learn(model, original, corrected)

	if err := s.models.Save(model); err != nil {
		return nil, fmt.Errorf("saving model for %s: %w", userID, err)
	}

	slog.Info("Learned from correction",
		"user_id", userID,
		"category", corrected.Category,
		"accuracy", outcome.Accuracy,
		"propagated", len(outcome.Propagated),
	)
	return outcome, nil
}

// learn mutates model in place; the caller holds the user's lock and saves
func (s *Store) learn(model *UserModel, original, corrected Transaction) *Outcome {
	now := s.timeSource.Now()
	corrected = mergeCorrection(original, corrected)

	x := model.features(original, now)
	idx, strict := top(model.scores(x))
	favoured := strict && Categories[idx] == corrected.Category

	model.update(x, corrected.Category)
	model.addSample(Sample{Input: x, Target: corrected.Category})

	if favoured {
		model.Accuracy = clamp01(model.Accuracy + accuracyStep)
	} else {
		model.Accuracy = clamp01(model.Accuracy - accuracyStep)
	}
	model.Corrections++
	model.CategoryCounts[corrected.Category]++
	model.UpdatedAt = now

	pattern := CorrectionPattern{
		ID:         s.idGenerator.Generate(),
		Original:   original,
		Corrected:  corrected,
		Confidence: 1,
		Usage:      1,
		CreatedAt:  now,
		LastUsed:   now,
	}
	model.addPattern(pattern)

	return &Outcome{
		Pattern:    pattern,
		Propagated: s.propagate(model, original, corrected, now),
		Accuracy:   model.Accuracy,
		Favoured:   favoured,
	}
}

// mergeCorrection fills fields the user left blank from the original
func mergeCorrection(original, corrected Transaction) Transaction {
	if corrected.Merchant == "" {
		corrected.Merchant = original.Merchant
	}
	if corrected.Amount == 0 {
		corrected.Amount = original.Amount
	}
	if corrected.Description == "" {
		corrected.Description = original.Description
	}
	if corrected.Time.IsZero() {
		corrected.Time = original.Time
	}
	if corrected.PendingID == "" {
		corrected.PendingID = original.PendingID
	}
	return corrected
}

// propagate applies a correction to similar pending items and removes them
// from the pending set. The corrected item itself leaves the set without
// becoming a propagated pattern.
func (s *Store) propagate(model *UserModel, original, corrected Transaction, now time.Time) []CorrectionPattern {
	var (
		applied []CorrectionPattern
		keep    = model.Pending[:0]
	)

	for _, item := range model.Pending {
		if corrected.PendingID != "" && item.ID == corrected.PendingID {
			continue
		}
		if !similar(original, item.Transaction) {
			keep = append(keep, item)
			continue
		}

		fixed := item.Transaction
		fixed.Category = corrected.Category
		fixed.Subcategory = corrected.Subcategory
		if corrected.Merchant != original.Merchant {
			fixed.Merchant = corrected.Merchant
		}

		p := CorrectionPattern{
			ID:         item.ID,
			Original:   item.Transaction,
			Corrected:  fixed,
			Confidence: propagatedConfidence,
			Usage:      1,
			Propagated: true,
			CreatedAt:  now,
			LastUsed:   now,
		}
		model.addPattern(p)
		applied = append(applied, p)
	}
	model.Pending = keep

	return applied
}

// PredictCategory scores a transaction with the user's model. A user with
// no model gets Other with zero confidence.
func (s *Store) PredictCategory(ctx context.Context, userID string, tx Transaction) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}

	unlock := s.lock(userID)
	defer unlock()

	model, err := s.models.Load(userID)
	if errors.Is(err, ErrModelNotFound) {
		return Prediction{Category: OtherCategory, Subcategory: GeneralSubcategory}, nil
	}
	if err != nil {
		return Prediction{}, fmt.Errorf("loading model for %s: %w", userID, err)
	}
	model.ensureMaps()

	scores := model.scores(model.features(tx, s.timeSource.Now()))

	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	best := Categories[order[0]]
	alts := make([]Alternative, 0, 3)
	for _, i := range order[1:min(4, len(order))] {
		alts = append(alts, Alternative{Category: Categories[i], Confidence: scores[i]})
	}

	return Prediction{
		Category:    best,
		Subcategory: model.subcategoryFor(tx.Merchant, best),
		Confidence:  scores[order[0]],
		Factors: []string{
			fmt.Sprintf("User model accuracy: %.1f%%", model.Accuracy*100),
			fmt.Sprintf("Total corrections: %d", model.Corrections),
			fmt.Sprintf("Last updated: %s", model.UpdatedAt.Format("2006-01-02")),
		},
		Alternatives: alts,
	}, nil
}

// subcategoryFor reuses the subcategory of the latest correction for a
// similar merchant in the same category
func (m *UserModel) subcategoryFor(merchant, category string) string {
	for i := len(m.Patterns) - 1; i >= 0; i-- {
		p := m.Patterns[i]
		if p.Corrected.Category != category || p.Corrected.Subcategory == "" {
			continue
		}
		if merchantSimilarity(merchant, p.Corrected.Merchant) > merchantThreshold {
			return p.Corrected.Subcategory
		}
	}
	return GeneralSubcategory
}

// Metrics reports learning progress for a user
func (s *Store) Metrics(ctx context.Context, userID string) (Metrics, error) {
	if err := ctx.Err(); err != nil {
		return Metrics{}, err
	}

	unlock := s.lock(userID)
	defer unlock()

	model, err := s.loadOrCreate(userID)
	if err != nil {
		return Metrics{}, err
	}

	return Metrics{
		TotalCorrections: model.Corrections,
		Accuracy:         model.Accuracy,
		LearningRate:     LearningRate,
		Confidence:       model.hitRate(10),
		Samples:          len(model.Samples),
		Pending:          len(model.Pending),
		UpdatedAt:        model.UpdatedAt,
	}, nil
}

// AddPending registers unreviewed transactions as propagation targets.
// Items without an ID are assigned one; the stored items are returned.
func (s *Store) AddPending(ctx context.Context, userID string, txs ...Transaction) ([]PendingItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}

	unlock := s.lock(userID)
	defer unlock()

	model, err := s.loadOrCreate(userID)
	if err != nil {
		return nil, err
	}

	now := s.timeSource.Now()
	added := make([]PendingItem, 0, len(txs))
	for _, tx := range txs {
		item := PendingItem{ID: s.idGenerator.Generate(), Transaction: tx, AddedAt: now}
		model.Pending = append(model.Pending, item)
		added = append(added, item)
	}
	if len(model.Pending) > maxPending {
		model.Pending = append([]PendingItem(nil), model.Pending[len(model.Pending)-maxPending:]...)
	}

	if err := s.models.Save(model); err != nil {
		return nil, fmt.Errorf("saving model for %s: %w", userID, err)
	}
	return added, nil
}

// Pending lists the user's unreviewed items
func (s *Store) Pending(ctx context.Context, userID string) ([]PendingItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := s.lock(userID)
	defer unlock()

	model, err := s.loadOrCreate(userID)
	if err != nil {
		return nil, err
	}
	return append([]PendingItem{}, model.Pending...), nil
}

// Correction pairs an original transaction with the user's fix
type Correction struct {
	Original  Transaction `json:"original"`
	Corrected Transaction `json:"corrected"`
}

// BatchLearn applies several corrections under one lock and then retrains
func (s *Store) BatchLearn(ctx context.Context, userID string, corrections []Correction) ([]*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i, c := range corrections {
		if c.Corrected.Category == "" {
			return nil, fmt.Errorf("%w: correction %d: corrected category is required", ErrInvalidCorrection, i)
		}
	}

	unlock := s.lock(userID)
	defer unlock()

	model, err := s.loadOrCreate(userID)
	if err != nil {
		return nil, err
	}

	outcomes := make([]*Outcome, 0, len(corrections))
	for _, c := range corrections {
		outcomes = append(outcomes, s.learn(model, c.Original, c.Corrected))
	}
	retrain(model)

	if err := s.models.Save(model); err != nil {
		return nil, fmt.Errorf("saving model for %s: %w", userID, err)
	}

	slog.Info("Batch learned corrections", "user_id", userID, "count", len(corrections), "accuracy", model.Accuracy)
	return outcomes, nil
}

// retrain runs extra epochs over the stored samples once there are enough of them
func retrain(model *UserModel) bool {
	if len(model.Samples) < retrainThreshold {
		return false
	}
	for epoch := 0; epoch < retrainEpochs; epoch++ {
		for _, sample := range model.Samples {
			model.update(sample.Input, sample.Target)
		}
	}
	return true
}

// Retrain retrains one user's model; it reports false when there were too few samples
func (s *Store) Retrain(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	unlock := s.lock(userID)
	defer unlock()

	model, err := s.models.Load(userID)
	if errors.Is(err, ErrModelNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading model for %s: %w", userID, err)
	}
	model.ensureMaps()

	if !retrain(model) {
		return false, nil
	}
	model.UpdatedAt = s.timeSource.Now()

	if err := s.models.Save(model); err != nil {
		return false, fmt.Errorf("saving model for %s: %w", userID, err)
	}
	return true, nil
}

// RetrainAll retrains every stored model and returns how many were retrained
func (s *Store) RetrainAll(ctx context.Context) (int, error) {
	users, err := s.models.Users()
	if err != nil {
		return 0, fmt.Errorf("listing users: %w", err)
	}

	retrained := 0
	for _, userID := range users {
		ok, err := s.Retrain(ctx, userID)
		if err != nil {
			if ctx.Err() != nil {
				return retrained, ctx.Err()
			}
			slog.Error("Failed to retrain model", "user_id", userID, "error", err)
			continue
		}
		if ok {
			retrained++
		}
	}
	return retrained, nil
}

// RunRetrainer calls RetrainAll every interval until ctx is done
func (s *Store) RunRetrainer(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.RetrainAll(ctx)
			if err != nil {
				slog.Error("Retrain pass failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("Retrained user models", "count", n)
			}
		}
	}
}
