package batch

import (
	"fmt"
	"maps"
	"math"
	"sort"
	"sync"
	"time"
)

// Summary aggregates completed items
type Summary struct {
	TotalAmount float64        `json:"total_amount"`
	Categories  map[string]int `json:"categories"`
	Merchants   map[string]int `json:"merchants"`
}

// Result is a snapshot of a batch run. Every item id is in exactly one of
// InProgress, Completed or Failed; queued items count as in progress.
type Result struct {
	BatchID    string        `json:"batch_id"`
	UserID     string        `json:"user_id"`
	Completed  []ItemResult  `json:"completed"`
	Failed     []ItemResult  `json:"failed"`
	InProgress []string      `json:"in_progress"`
	Total      int           `json:"total"`
	Progress   int           `json:"progress"`
	ETA        time.Duration `json:"eta"`
	Insights   []string      `json:"insights"`
	Summary    Summary       `json:"summary"`
	TotalCost  float64       `json:"total_cost"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine
func (r *Result) Clone() *Result {
	c := *r
	c.Completed = cloneResults(r.Completed)
	c.Failed = cloneResults(r.Failed)
	c.InProgress = append([]string{}, r.InProgress...)
	c.Insights = append([]string{}, r.Insights...)
	c.Summary.Categories = maps.Clone(r.Summary.Categories)
	c.Summary.Merchants = maps.Clone(r.Summary.Merchants)
	return &c
}

func cloneResults(in []ItemResult) []ItemResult {
	out := make([]ItemResult, len(in))
	for i, r := range in {
		out[i] = r.clone()
	}
	return out
}

// ProgressFunc receives a snapshot after every item completes. Calls are
// serialized and each snapshot is a private copy.
type ProgressFunc func(*Result)

// tracker owns the live Result and serializes every update to it
type tracker struct {
	mu         sync.Mutex
	result     *Result
	onProgress ProgressFunc
	streaming  bool
	now        func() time.Time

	// learning metrics read once when the run starts
	accuracy    float64
	corrections int
}

func (t *tracker) cost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result.TotalCost
}

// finish moves one item out of in-progress and publishes a snapshot
func (t *tracker) finish(r ItemResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := t.result
	for i, id := range res.InProgress {
		if id == r.ItemID {
			res.InProgress = append(res.InProgress[:i], res.InProgress[i+1:]...)
			break
		}
	}
	if r.Success {
		res.Completed = append(res.Completed, r)
	} else {
		res.Failed = append(res.Failed, r)
	}
	res.TotalCost += r.Cost

	done := len(res.Completed) + len(res.Failed)
	if res.Total > 0 {
		// never report 100 before the final snapshot
		res.Progress = min(int(math.Round(float64(done)/float64(res.Total)*100)), 99)
	}
	if remaining := len(res.InProgress); remaining > 0 && done > 0 {
		elapsed := t.now().Sub(res.StartedAt)
		res.ETA = elapsed / time.Duration(done) * time.Duration(remaining)
	} else {
		res.ETA = 0
	}
	t.aggregate()

	if t.streaming && t.onProgress != nil {
		t.onProgress(res.Clone())
	}
}

// complete publishes the final snapshot
func (t *tracker) complete() *Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := t.result
	res.InProgress = []string{}
	res.Progress = 100
	res.ETA = 0
	res.FinishedAt = t.now()
	t.aggregate()

	if t.onProgress != nil {
		t.onProgress(res.Clone())
	}
	return res.Clone()
}

// aggregate recomputes the summary and insights; callers hold mu
func (t *tracker) aggregate() {
	res := t.result
	summary := Summary{Categories: map[string]int{}, Merchants: map[string]int{}}
	var confidence float64
	for _, r := range res.Completed {
		confidence += r.Confidence
		if r.Category != "" {
			summary.Categories[r.Category]++
		}
		if r.Fields != nil {
			summary.TotalAmount += r.Fields.Amount
			if r.Fields.Merchant != "" {
				summary.Merchants[r.Fields.Merchant]++
			}
		}
	}
	res.Summary = summary

	done := len(res.Completed) + len(res.Failed)
	if done == 0 {
		res.Insights = []string{}
		return
	}

	insights := []string{
		fmt.Sprintf("Processed %d receipts with %.1f%% success rate", done, float64(len(res.Completed))/float64(done)*100),
		fmt.Sprintf("Total amount: $%.2f", summary.TotalAmount),
	}
	if len(res.Completed) > 0 {
		insights = append(insights, fmt.Sprintf("Average confidence: %.1f%%", confidence/float64(len(res.Completed))*100))
	}
	if name, n := topCount(summary.Categories); n > 0 {
		insights = append(insights, fmt.Sprintf("Most common category: %s (%d receipts)", name, n))
	}
	if name, n := topCount(summary.Merchants); n > 0 {
		insights = append(insights, fmt.Sprintf("Most frequent merchant: %s (%d receipts)", name, n))
	}
	if t.corrections > 0 {
		insights = append(insights, fmt.Sprintf("Learning accuracy: %.1f%%", t.accuracy*100))
	}
	res.Insights = insights
}

// topCount returns the most frequent key, ties broken alphabetically
func topCount(counts map[string]int) (string, int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var best string
	var n int
	for _, k := range keys {
		if counts[k] > n {
			best, n = k, counts[k]
		}
	}
	return best, n
}
