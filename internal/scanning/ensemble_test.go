package scanning

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-pipeline/internal/preprocess"
)

// mockBackend is a mock implementation of Backend
type mockBackend struct {
	name       string
	cost       float64
	text       string
	confidence float64
	err        error
	delay      time.Duration
	calls      atomic.Int32
}

func (m *mockBackend) Name() string  { return m.name }
func (m *mockBackend) Cost() float64 { return m.cost }
func (m *mockBackend) Close() error  { return nil }

func (m *mockBackend) Extract(ctx context.Context, _ []byte) (*Result, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return &Result{Text: m.text, Confidence: m.confidence}, nil
}

// corruptCache always fails reads
type corruptCache struct {
	mu   sync.Mutex
	puts int
}

func (c *corruptCache) Get(string) (*Transcript, bool, error) {
	return nil, false, ErrCacheCorrupt
}

func (c *corruptCache) Put(string, *Transcript) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	return nil
}

var _ = Describe("Ensemble", func() {
	var (
		local    *mockBackend
		cloud    *mockBackend
		cache    TranscriptCache
		now      time.Time
		ensemble *Ensemble
		img      *preprocess.Image
		cfg      EnsembleConfig
	)

	BeforeEach(func() {
		now = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
		local = &mockBackend{name: "tesseract", text: "WALMART\nTOTAL $25.00\n01/02/2024", confidence: 0.7}
		cloud = &mockBackend{name: "ocrspace", cost: 0.001, text: "WALMART\nTOTAL $25.00", confidence: 0.6}
		cache = NewMemoryCache()
		img = &preprocess.Image{Data: []byte("png"), Hash: "abc"}
		cfg = EnsembleConfig{Now: func() time.Time { return now }}
	})

	JustBeforeEach(func() {
		ensemble = NewEnsemble([]Backend{local, cloud}, cache, DefaultTemplates(), cfg)
	})

	Describe("Extract", func() {
		It("merges every backend and extracts fields", func() {
			ex, err := ensemble.Extract(context.Background(), img)
			Expect(err).NotTo(HaveOccurred())
			Expect(ex.Cached).To(BeFalse())
			Expect(ex.Results).To(HaveLen(2))
			Expect(ex.Transcript.Backends).To(ConsistOf("tesseract", "ocrspace"))
			Expect(ex.Fields.Merchant).To(Equal("WALMART"))
			Expect(ex.Fields.Amount).To(Equal(25.00))
			Expect(ex.Fields.Date).To(Equal("01/02/2024"))
		})

		It("sums the declared cost of backends that returned", func() {
			ex, err := ensemble.Extract(context.Background(), img)
			Expect(err).NotTo(HaveOccurred())
			Expect(ex.Cost).To(Equal(0.001))
		})

		It("keeps confidence within the unit interval", func() {
			ex, err := ensemble.Extract(context.Background(), img)
			Expect(err).NotTo(HaveOccurred())
			Expect(ex.Transcript.Confidence).To(BeNumerically(">=", 0))
			Expect(ex.Transcript.Confidence).To(BeNumerically("<=", 1))
		})

		When("the same image is extracted again within the freshness window", func() {
			It("does not call any backend a second time", func() {
				_, err := ensemble.Extract(context.Background(), img)
				Expect(err).NotTo(HaveOccurred())

				now = now.Add(23 * time.Hour)
				ex, err := ensemble.Extract(context.Background(), img)
				Expect(err).NotTo(HaveOccurred())

				Expect(ex.Cached).To(BeTrue())
				Expect(ex.Cost).To(BeZero())
				Expect(local.calls.Load()).To(Equal(int32(1)))
				Expect(cloud.calls.Load()).To(Equal(int32(1)))
			})
		})

		When("the cached transcript is older than the freshness window", func() {
			It("calls the backends again", func() {
				_, err := ensemble.Extract(context.Background(), img)
				Expect(err).NotTo(HaveOccurred())

				now = now.Add(25 * time.Hour)
				ex, err := ensemble.Extract(context.Background(), img)
				Expect(err).NotTo(HaveOccurred())
				Expect(ex.Cached).To(BeFalse())
				Expect(local.calls.Load()).To(Equal(int32(2)))
			})
		})

		When("only one backend succeeds", func() {
			BeforeEach(func() {
				cloud.err = errors.New("quota exceeded")
			})

			It("returns that backend's transcript exactly", func() {
				ex, err := ensemble.Extract(context.Background(), img)
				Expect(err).NotTo(HaveOccurred())
				Expect(ex.Transcript.Text).To(Equal(local.text))
				Expect(ex.Transcript.Confidence).To(Equal(local.confidence))
				Expect(ex.Cost).To(BeZero())
			})
		})

		When("a backend exceeds its timeout", func() {
			BeforeEach(func() {
				cloud.delay = time.Second
				cfg.Timeouts = map[string]time.Duration{"ocrspace": 20 * time.Millisecond}
			})

			It("proceeds with the backends that answered", func() {
				ex, err := ensemble.Extract(context.Background(), img)
				Expect(err).NotTo(HaveOccurred())
				Expect(ex.Transcript.Backends).To(Equal([]string{"tesseract"}))
			})

			It("classifies the failure as a backend timeout", func() {
				_, err := ensemble.call(context.Background(), cloud, nil)
				Expect(err).To(MatchError(ErrBackendTimeout))
			})
		})

		When("every backend fails", func() {
			BeforeEach(func() {
				local.err = errors.New("tesseract missing")
				cloud.err = errors.New("network down")
			})

			It("returns an extraction failure", func() {
				_, err := ensemble.Extract(context.Background(), img)
				Expect(err).To(MatchError(ErrExtractionFailed))
			})

			It("counts the failure in stats", func() {
				_, _ = ensemble.Extract(context.Background(), img)
				Expect(ensemble.Stats().SuccessRate).To(BeZero())
				Expect(ensemble.Stats().Processed).To(Equal(1))
			})
		})

		When("the cache is corrupt", func() {
			var cc *corruptCache

			BeforeEach(func() {
				cc = &corruptCache{}
				cache = cc
			})

			It("treats the read as a miss and still writes back", func() {
				ex, err := ensemble.Extract(context.Background(), img)
				Expect(err).NotTo(HaveOccurred())
				Expect(ex.Cached).To(BeFalse())
				Expect(cc.puts).To(Equal(1))
			})
		})
	})

	Describe("Stats", func() {
		It("tracks success rate, cache hits and average cost", func() {
			_, err := ensemble.Extract(context.Background(), img)
			Expect(err).NotTo(HaveOccurred())
			_, err = ensemble.Extract(context.Background(), img)
			Expect(err).NotTo(HaveOccurred())

			stats := ensemble.Stats()
			Expect(stats.Processed).To(Equal(2))
			Expect(stats.CacheHits).To(Equal(1))
			Expect(stats.SuccessRate).To(Equal(1.0))
			Expect(stats.AverageCost).To(BeNumerically("~", 0.0005, 1e-12))
		})
	})
})
