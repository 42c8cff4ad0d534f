package receipt

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-pipeline/internal/batch"
	"github.com/zombor/receipt-pipeline/internal/learning"
	"github.com/zombor/receipt-pipeline/internal/scanning"
	"go.etcd.io/bbolt"
)

var _ = Describe("BoltDB", func() {
	var (
		dbPath string
		db     *BoltDB
	)

	BeforeEach(func() {
		dbPath = filepath.Join(GinkgoT().TempDir(), "test.db")
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("batches", func() {
		var base time.Time

		BeforeEach(func() {
			base = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
			for i, rec := range []*Batch{
				{ID: "b1", UserID: "u1", CreatedAt: base},
				{ID: "b2", UserID: "u2", CreatedAt: base.Add(time.Hour)},
				{ID: "b3", UserID: "u1", CreatedAt: base.Add(2 * time.Hour), Result: &batch.Result{BatchID: "b3", Total: 2}},
			} {
				Expect(db.SaveBatch(rec)).To(Succeed(), "batch %d", i)
			}
		})

		It("retrieves a saved batch", func() {
			b, err := db.GetBatch("b3")
			Expect(err).NotTo(HaveOccurred())
			Expect(b.UserID).To(Equal("u1"))
			Expect(b.Result.Total).To(Equal(2))
		})

		It("reports a missing batch", func() {
			_, err := db.GetBatch("missing")
			Expect(err).To(MatchError(ErrBatchNotFound))
		})

		It("lists a user's batches newest first", func() {
			batches, err := db.ListBatches("u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(batches).To(HaveLen(2))
			Expect(batches[0].ID).To(Equal("b3"))
			Expect(batches[1].ID).To(Equal("b1"))
		})

		It("lists every batch without a user filter", func() {
			batches, err := db.ListBatches("")
			Expect(err).NotTo(HaveOccurred())
			Expect(batches).To(HaveLen(3))
		})

		It("overwrites a batch saved twice", func() {
			Expect(db.SaveBatch(&Batch{ID: "b1", UserID: "u9"})).To(Succeed())
			b, err := db.GetBatch("b1")
			Expect(err).NotTo(HaveOccurred())
			Expect(b.UserID).To(Equal("u9"))
		})
	})

	Describe("Transcripts", func() {
		var cache *TranscriptStore

		BeforeEach(func() {
			cache = db.Transcripts()
		})

		It("misses on an unknown hash", func() {
			t, ok, err := cache.Get("nope")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(t).To(BeNil())
		})

		It("returns what was stored", func() {
			created := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
			Expect(cache.Put("h1", &scanning.Transcript{
				Text:       "WALMART\nTOTAL $25.00",
				Confidence: 0.9,
				Backends:   []string{"tesseract"},
				CreatedAt:  created,
			})).To(Succeed())

			t, ok, err := cache.Get("h1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(t.Text).To(Equal("WALMART\nTOTAL $25.00"))
			Expect(t.CreatedAt.Equal(created)).To(BeTrue())
		})

		It("reports undecodable entries as corrupt", func() {
			Expect(db.db.Update(func(tx *bbolt.Tx) error {
				return tx.Bucket([]byte(transcriptBucketName)).Put([]byte("bad"), []byte("{not json"))
			})).To(Succeed())

			_, ok, err := cache.Get("bad")
			Expect(ok).To(BeFalse())
			Expect(err).To(MatchError(scanning.ErrCacheCorrupt))
		})
	})

	Describe("Models", func() {
		var models *ModelStore

		BeforeEach(func() {
			models = db.Models()
		})

		It("reports a missing model", func() {
			_, err := models.Load("u1")
			Expect(err).To(MatchError(learning.ErrModelNotFound))
		})

		It("persists learning across reopening the database", func() {
			store := learning.NewStore(models)
			_, err := store.LearnFromCorrection(context.Background(), "u1",
				learning.Transaction{Merchant: "Starbucks", Amount: 5.5, Category: "Other"},
				learning.Transaction{Category: "Food & Dining"},
			)
			Expect(err).NotTo(HaveOccurred())
			Expect(db.Close()).To(Succeed())

			db, err = NewBoltDB(dbPath)
			Expect(err).NotTo(HaveOccurred())

			m, err := db.Models().Load("u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Corrections).To(Equal(1))
			Expect(m.Patterns).To(HaveLen(1))

			users, err := db.Models().Users()
			Expect(err).NotTo(HaveOccurred())
			Expect(users).To(Equal([]string{"u1"}))
		})
	})
})
