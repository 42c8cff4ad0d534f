package scanning

import (
	"context"
	"errors"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// mockRunner is a mock implementation of Runner
type mockRunner struct {
	stdout   string
	err      error
	name     string
	args     []string
	imageOut []byte
}

func (m *mockRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	m.name = name
	m.args = args
	if len(args) > 0 {
		m.imageOut, _ = os.ReadFile(args[0])
	}
	if m.err != nil {
		return nil, []byte("boom"), m.err
	}
	return []byte(m.stdout), nil, nil
}

const sampleTSV = "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
	"1\t1\t0\t0\t0\t0\t0\t0\t100\t100\t-1\t\n" +
	"5\t1\t1\t1\t1\t1\t0\t0\t10\t10\t96\tWALMART\n" +
	"5\t1\t1\t1\t2\t1\t0\t0\t10\t10\t90\tTOTAL\n" +
	"5\t1\t1\t1\t2\t2\t0\t0\t10\t10\t84\t$25.00\n"

var _ = Describe("Tesseract", func() {
	var (
		runner  *mockRunner
		backend *Tesseract
		result  *Result
		err     error
	)

	BeforeEach(func() {
		runner = &mockRunner{stdout: sampleTSV}
	})

	JustBeforeEach(func() {
		backend = NewTesseractWithRunner("", "", runner)
		result, err = backend.Extract(context.Background(), []byte("png-bytes"))
	})

	It("runs tesseract in TSV mode on a temp copy of the image", func() {
		Expect(err).NotTo(HaveOccurred())
		Expect(runner.name).To(Equal("tesseract"))
		Expect(runner.args).To(ContainElements("stdout", "eng", "tsv"))
		Expect(runner.imageOut).To(Equal([]byte("png-bytes")))
	})

	It("rebuilds lines from word rows", func() {
		Expect(result.Text).To(Equal("WALMART\nTOTAL $25.00"))
	})

	It("blends word confidence with the text heuristic", func() {
		// mean word conf 0.9, heuristic 0.2 + currency 0.15 + amount 0.15
		Expect(result.Confidence).To(BeNumerically("~", 0.7*0.9+0.3*0.5, 1e-9))
	})

	It("is free", func() {
		Expect(backend.Cost()).To(BeZero())
		Expect(backend.Name()).To(Equal("tesseract"))
	})

	When("the binary fails", func() {
		BeforeEach(func() {
			runner.err = errors.New("exit status 1")
		})

		It("returns the error", func() {
			Expect(err).To(HaveOccurred())
			Expect(result).To(BeNil())
		})
	})

	When("no words are recognized", func() {
		BeforeEach(func() {
			runner.stdout = "level\tpage_num\n"
		})

		It("returns an error", func() {
			Expect(err).To(HaveOccurred())
		})
	})
})
