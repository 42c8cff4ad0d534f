package receipt

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/receipt-pipeline/internal/batch"
	"github.com/zombor/receipt-pipeline/internal/learning"
)

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		runner      *mockRunner
		learner     *mockLearner
		storage     *mockStorage
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	// do sends one request through a fresh server
	do := func(req *http.Request) *http.Response {
		service := NewService(db, runner, learner, storage)
		server := NewServerWithMux(service, auth, http.NewServeMux())
		ghttpServer.AppendHandlers(server.ServeHTTP)

		u := ghttpServer.URL() + req.URL.RequestURI()
		out, err := http.NewRequest(req.Method, u, req.Body)
		Expect(err).NotTo(HaveOccurred())
		out.Header = req.Header
		resp, err := http.DefaultClient.Do(out)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	newRequest := func(method, path string, body io.Reader) *http.Request {
		req, err := http.NewRequest(method, "http://example"+path, body)
		Expect(err).NotTo(HaveOccurred())
		return req
	}

	multipartRequest := func(path string, fields map[string]string, files map[string]string, fileField string) *http.Request {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for k, v := range fields {
			Expect(w.WriteField(k, v)).To(Succeed())
		}
		for name, content := range files {
			part, err := w.CreateFormFile(fileField, name)
			Expect(err).NotTo(HaveOccurred())
			_, err = part.Write([]byte(content))
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(w.Close()).To(Succeed())

		req := newRequest(http.MethodPost, path, &buf)
		req.Header.Set("Content-Type", w.FormDataContentType())
		return req
	}

	decode := func(resp *http.Response, v any) {
		defer resp.Body.Close()
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	BeforeEach(func() {
		db = newMockDB()
		runner = newMockRunner()
		learner = &mockLearner{}
		storage = newMockStorage()
		auth = BasicAuth{}
		ghttpServer = ghttp.NewServer()
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
		})

		It("rejects requests without credentials", func() {
			resp := do(newRequest(http.MethodGet, "/api/batches", nil))
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Receipt Pipeline"))
		})

		It("accepts valid credentials", func() {
			req := newRequest(http.MethodGet, "/api/batches", nil)
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:secret")))
			resp := do(req)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("answers preflight requests without credentials", func() {
			resp := do(newRequest(http.MethodOptions, "/api/batches", nil))
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("POST /api/batches", func() {
		It("runs the batch and returns the record", func() {
			resp := do(multipartRequest("/api/batches",
				map[string]string{"user_id": "u1", "cost_limit": "2.5", "timeout_ms": "1500"},
				map[string]string{"a.jpg": "aaa", "b.png": "bbb"}, "files"))
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			var record Batch
			decode(resp, &record)
			Expect(record.ID).To(Equal("batch-1"))
			Expect(record.Result.Completed).To(HaveLen(2))
			Expect(runner.lastCfg.CostLimit).To(Equal(2.5))
			Expect(runner.lastCfg.Timeout.Milliseconds()).To(Equal(int64(1500)))
		})

		It("detects content types from the extension", func() {
			resp := do(multipartRequest("/api/batches",
				map[string]string{"user_id": "u1"},
				map[string]string{"scan.pdf": "%PDF-"}, "files"))
			resp.Body.Close()
			Expect(runner.inputs[0].ContentType).To(Equal("application/pdf"))
		})

		It("rejects an invalid config", func() {
			resp := do(multipartRequest("/api/batches",
				map[string]string{"user_id": "u1", "max_concurrent": "0"},
				map[string]string{"a.jpg": "aaa"}, "files"))
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects a batch without files", func() {
			resp := do(multipartRequest("/api/batches", map[string]string{"user_id": "u1"}, nil, "files"))
			var body map[string]string
			decode(resp, &body)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(body["error"]).To(Equal(ErrNoFiles.Error()))
		})

		It("rejects a batch without a user", func() {
			resp := do(multipartRequest("/api/batches", nil, map[string]string{"a.jpg": "aaa"}, "files"))
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		When("streaming is requested", func() {
			BeforeEach(func() {
				runner.snapshots = 2
			})

			It("writes one NDJSON line per snapshot then the record", func() {
				resp := do(multipartRequest("/api/batches?stream=true",
					map[string]string{"user_id": "u1"},
					map[string]string{"a.jpg": "aaa"}, "files"))
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/x-ndjson"))

				var lines []string
				scanner := bufio.NewScanner(resp.Body)
				for scanner.Scan() {
					lines = append(lines, scanner.Text())
				}
				Expect(lines).To(HaveLen(3))

				var snapshot batch.Result
				Expect(json.Unmarshal([]byte(lines[0]), &snapshot)).To(Succeed())
				Expect(snapshot.Progress).To(Equal(100))

				var record Batch
				Expect(json.Unmarshal([]byte(lines[2]), &record)).To(Succeed())
				Expect(record.ID).To(Equal("batch-1"))
			})
		})
	})

	Describe("reading batches", func() {
		BeforeEach(func() {
			db.batches["b1"] = &Batch{
				ID:     "b1",
				UserID: "u1",
				Files:  []ArchivedFile{{ItemID: "i1", Name: "a.jpg", Path: "b1/a.jpg", ContentType: "image/jpeg"}},
				Result: &batch.Result{BatchID: "b1", Completed: []batch.ItemResult{{ItemID: "i1", Name: "a.jpg", Success: true}}},
			}
			db.batches["b2"] = &Batch{ID: "b2", UserID: "u2", Result: &batch.Result{BatchID: "b2"}}
			storage.files["b1/a.jpg"] = []byte("jpeg bytes")
		})

		It("lists a user's batches", func() {
			resp := do(newRequest(http.MethodGet, "/api/batches?user_id=u1", nil))
			var batches []*Batch
			decode(resp, &batches)
			Expect(batches).To(HaveLen(1))
			Expect(batches[0].ID).To(Equal("b1"))
		})

		It("returns one batch", func() {
			resp := do(newRequest(http.MethodGet, "/api/batches/b2", nil))
			var record Batch
			decode(resp, &record)
			Expect(record.UserID).To(Equal("u2"))
		})

		It("returns 404 for an unknown batch", func() {
			resp := do(newRequest(http.MethodGet, "/api/batches/nope", nil))
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("serves an archived file", func() {
			resp := do(newRequest(http.MethodGet, "/api/batches/b1/files/i1", nil))
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/jpeg"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal("jpeg bytes"))
		})

		It("exports a workbook", func() {
			resp := do(newRequest(http.MethodGet, "/api/batches/b1/export.xlsx", nil))
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring("batch-b1.xlsx"))
		})
	})

	Describe("POST /api/extract", func() {
		It("processes a single file", func() {
			resp := do(multipartRequest("/api/extract", map[string]string{"user_id": "u1"}, map[string]string{"one.jpg": "x"}, "file"))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var res batch.ItemResult
			decode(resp, &res)
			Expect(res.Success).To(BeTrue())
		})

		It("requires a file", func() {
			resp := do(multipartRequest("/api/extract", map[string]string{"user_id": "u1"}, nil, "file"))
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("user endpoints", func() {
		It("applies a correction", func() {
			body := `{"original":{"merchant":"Starbucks","category":"Other"},"corrected":{"category":"Food & Dining"}}`
			resp := do(newRequest(http.MethodPost, "/api/users/u1/corrections", strings.NewReader(body)))
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var out learning.Outcome
			decode(resp, &out)
			Expect(out.Pattern.Corrected.Category).To(Equal("Food & Dining"))
		})

		It("rejects a correction without a category", func() {
			resp := do(newRequest(http.MethodPost, "/api/users/u1/corrections", strings.NewReader(`{"original":{},"corrected":{}}`)))
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects malformed JSON", func() {
			resp := do(newRequest(http.MethodPost, "/api/users/u1/predictions", strings.NewReader(`{`)))
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("predicts a category", func() {
			learner.prediction = learning.Prediction{Category: "Food & Dining", Confidence: 0.8}
			resp := do(newRequest(http.MethodPost, "/api/users/u1/predictions", strings.NewReader(`{"merchant":"Starbucks"}`)))
			var p learning.Prediction
			decode(resp, &p)
			Expect(p.Category).To(Equal("Food & Dining"))
		})

		It("reports metrics", func() {
			learner.metrics = learning.Metrics{TotalCorrections: 3, Accuracy: 0.53}
			resp := do(newRequest(http.MethodGet, "/api/users/u1/metrics", nil))
			var m learning.Metrics
			decode(resp, &m)
			Expect(m.TotalCorrections).To(Equal(3))
		})

		It("lists pending items", func() {
			learner.pending = []learning.PendingItem{{ID: "p1"}}
			resp := do(newRequest(http.MethodGet, "/api/users/u1/pending", nil))
			var items []learning.PendingItem
			decode(resp, &items)
			Expect(items).To(HaveLen(1))
		})

		It("retrains the model", func() {
			learner.retrained = true
			resp := do(newRequest(http.MethodPost, "/api/users/u1/retrain", nil))
			var body map[string]bool
			decode(resp, &body)
			Expect(body["retrained"]).To(BeTrue())
		})
	})
})
