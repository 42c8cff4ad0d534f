package scanning

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("OCRSpace", func() {
	var (
		server  *ghttp.Server
		backend *OCRSpace
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		var err error
		backend, err = NewOCRSpace(server.URL()+"/parse/image", "secret")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	It("requires an api key", func() {
		_, err := NewOCRSpace("", "")
		Expect(err).To(HaveOccurred())
	})

	When("the API returns text with overlay lines", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/parse/image"),
				ghttp.VerifyHeaderKV("apikey", "secret"),
				func(w http.ResponseWriter, r *http.Request) {
					body, _ := io.ReadAll(r.Body)
					form, err := url.ParseQuery(string(body))
					Expect(err).NotTo(HaveOccurred())
					Expect(form.Get("base64Image")).To(HavePrefix("data:image/png;base64,"))
				},
				ghttp.RespondWith(http.StatusOK, `{"ParsedResults":[{"ParsedText":"TARGET\r\nTOTAL 9.99\r\n","TextOverlay":{"Lines":[{}]}}],"IsErroredOnProcessing":false}`),
			))
		})

		It("returns the transcript with overlay confidence", func() {
			r, err := backend.Extract(context.Background(), []byte("png"))
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Text).To(Equal("TARGET\nTOTAL 9.99"))
			Expect(r.Confidence).To(Equal(0.8))
		})
	})

	When("the API reports a processing error", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusOK, `{"IsErroredOnProcessing":true,"ErrorMessage":["bad image"]}`))
		})

		It("returns an error", func() {
			_, err := backend.Extract(context.Background(), []byte("png"))
			Expect(err).To(MatchError(ContainSubstring("bad image")))
		})
	})

	When("the API returns a non-200 status", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusForbidden, "nope"))
		})

		It("returns an error", func() {
			_, err := backend.Extract(context.Background(), []byte("png"))
			Expect(err).To(MatchError(ContainSubstring("403")))
		})
	})
})

var _ = Describe("Ollama", func() {
	var (
		server  *ghttp.Server
		backend *Ollama
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		var err error
		backend, err = NewOllama(server.URL(), "llava")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	When("the model replies with transcript JSON", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				func(w http.ResponseWriter, r *http.Request) {
					var req ollamaChatRequest
					Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
					Expect(req.Model).To(Equal("llava"))
					Expect(req.Messages[1].Images).To(HaveLen(1))
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{Role: "assistant", Content: `{"text":"SHELL\nTOTAL 40.00","confidence":0.75}`},
					Done:    true,
				}),
			))
		})

		It("returns the transcript", func() {
			r, err := backend.Extract(context.Background(), []byte("png"))
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Text).To(Equal("SHELL\nTOTAL 40.00"))
			Expect(r.Confidence).To(Equal(0.75))
			Expect(backend.Cost()).To(BeZero())
		})
	})

	When("the server fails", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not loaded"))
		})

		It("returns an error", func() {
			_, err := backend.Extract(context.Background(), []byte("png"))
			Expect(err).To(MatchError(ContainSubstring("model not loaded")))
		})
	})
})
