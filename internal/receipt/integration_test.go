package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-pipeline/internal/batch"
	"github.com/zombor/receipt-pipeline/internal/learning"
	"github.com/zombor/receipt-pipeline/internal/predict"
	"github.com/zombor/receipt-pipeline/internal/preprocess"
	"github.com/zombor/receipt-pipeline/internal/scanning"
)

// stubBackend returns a fixed transcript and counts calls
type stubBackend struct {
	text  string
	calls atomic.Int32
}

func (s *stubBackend) Name() string  { return "tesseract" }
func (s *stubBackend) Cost() float64 { return 0.001 }
func (s *stubBackend) Close() error  { return nil }

func (s *stubBackend) Extract(_ context.Context, _ []byte) (*scanning.Result, error) {
	s.calls.Add(1)
	return &scanning.Result{Text: s.text, Confidence: 0.9, Backend: "tesseract", Cost: 0.001}, nil
}

func pngBytes(c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 60, 120))
	for y := 0; y < 120; y++ {
		for x := 0; x < 60; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Pipeline integration", func() {
	var (
		db          *BoltDB
		backend     *stubBackend
		server      *Server
		ghttpServer *ghttp.Server
	)

	send := func(method, path, contentType string, body io.Reader) *http.Response {
		ghttpServer.AppendHandlers(server.ServeHTTP)
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	upload := func(files map[string][]byte) *http.Response {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		Expect(w.WriteField("user_id", "alice")).To(Succeed())
		for name, data := range files {
			part, err := w.CreateFormFile("files", name)
			Expect(err).NotTo(HaveOccurred())
			_, err = part.Write(data)
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(w.Close()).To(Succeed())
		return send(http.MethodPost, "/api/batches", w.FormDataContentType(), &buf)
	}

	BeforeEach(func() {
		dir := GinkgoT().TempDir()

		var err error
		db, err = NewBoltDB(filepath.Join(dir, "pipeline.db"))
		Expect(err).NotTo(HaveOccurred())

		storage, err := NewLocalStorage(filepath.Join(dir, "receipts"))
		Expect(err).NotTo(HaveOccurred())

		backend = &stubBackend{text: "WALMART\nMilk $10.00\nBread $15.00\nTOTAL $25.00\nVISA\n01/02/2024"}
		ensemble := scanning.NewEnsemble([]scanning.Backend{backend}, db.Transcripts(), nil, scanning.EnsembleConfig{})
		learner := learning.NewStore(db.Models())
		predictor := predict.NewPredictor(predict.DefaultRegistry(), learner)
		scheduler := batch.NewScheduler(preprocess.New(0), ensemble, predictor, learner)

		server = NewServer(NewService(db, scheduler, learner, storage), BasicAuth{})
		ghttpServer = ghttp.NewServer()
	})

	AfterEach(func() {
		ghttpServer.Close()
		Expect(db.Close()).To(Succeed())
	})

	It("runs a batch end to end and learns from a correction", func() {
		resp := upload(map[string][]byte{
			"gray.png": pngBytes(color.RGBA{128, 128, 128, 255}),
			"blue.png": pngBytes(color.RGBA{20, 40, 200, 255}),
		})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		var record Batch
		Expect(json.NewDecoder(resp.Body).Decode(&record)).To(Succeed())
		resp.Body.Close()

		Expect(record.Result.Failed).To(BeEmpty())
		Expect(record.Result.Completed).To(HaveLen(2))
		Expect(record.Result.Progress).To(Equal(100))
		for _, item := range record.Result.Completed {
			Expect(item.Fields.Merchant).To(Equal("WALMART"))
			Expect(item.Fields.Amount).To(BeNumerically("~", 25.0, 0.001))
		}
		Expect(record.Result.Summary.TotalAmount).To(BeNumerically("~", 50.0, 0.001))
		Expect(backend.calls.Load()).To(Equal(int32(2)))
		Expect(record.Files).To(HaveLen(2))

		By("serving the archived upload")
		item := record.Result.Completed[0]
		resp = send(http.MethodGet, fmt.Sprintf("/api/batches/%s/files/%s", record.ID, item.ItemID), "", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
		resp.Body.Close()

		By("listing the extracted transactions as pending review")
		resp = send(http.MethodGet, "/api/users/alice/pending", "", nil)
		var pending []learning.PendingItem
		Expect(json.NewDecoder(resp.Body).Decode(&pending)).To(Succeed())
		resp.Body.Close()
		Expect(pending).To(HaveLen(2))
		Expect(pending[0].Transaction.Merchant).To(Equal("WALMART"))

		By("learning from a correction")
		Expect(item.PendingID).NotTo(BeEmpty())
		body := fmt.Sprintf(`{"original":{"merchant":"WALMART","amount":25,"description":"Milk, Bread","category":"Other","pending_id":%q},"corrected":{"category":"Food & Dining","subcategory":"Groceries"}}`, item.PendingID)
		resp = send(http.MethodPost, "/api/users/alice/corrections", "application/json", strings.NewReader(body))
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		var outcome learning.Outcome
		Expect(json.NewDecoder(resp.Body).Decode(&outcome)).To(Succeed())
		resp.Body.Close()
		Expect(outcome.Propagated).To(HaveLen(1))
		Expect(outcome.Propagated[0].ID).NotTo(Equal(item.PendingID))

		resp = send(http.MethodGet, "/api/users/alice/pending", "", nil)
		pending = nil
		Expect(json.NewDecoder(resp.Body).Decode(&pending)).To(Succeed())
		resp.Body.Close()
		Expect(pending).To(BeEmpty())

		resp = send(http.MethodGet, "/api/users/alice/metrics", "", nil)
		var metrics learning.Metrics
		Expect(json.NewDecoder(resp.Body).Decode(&metrics)).To(Succeed())
		resp.Body.Close()
		Expect(metrics.TotalCorrections).To(Equal(1))

		By("exporting the batch")
		resp = send(http.MethodGet, "/api/batches/"+record.ID+"/export.xlsx", "", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		Expect(err).NotTo(HaveOccurred())
		Expect(data[:2]).To(Equal([]byte("PK")))
	})

	It("reuses cached transcripts for repeated uploads", func() {
		img := pngBytes(color.RGBA{128, 128, 128, 255})

		resp := upload(map[string][]byte{"first.png": img})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		resp.Body.Close()

		resp = upload(map[string][]byte{"second.png": img})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		var record Batch
		Expect(json.NewDecoder(resp.Body).Decode(&record)).To(Succeed())
		resp.Body.Close()

		Expect(backend.calls.Load()).To(Equal(int32(1)))
		Expect(record.Result.Completed).To(HaveLen(1))
		Expect(record.Result.TotalCost).To(BeZero())
	})
})
