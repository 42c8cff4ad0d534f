package receipt

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage Storage
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	It("saves files into batch directories", func() {
		saved, err := storage.Save("batch-1/walmart.jpg", []byte("image"))
		Expect(err).NotTo(HaveOccurred())
		Expect(saved).To(Equal("batch-1/walmart.jpg"))

		data, err := os.ReadFile(filepath.Join(tmpDir, "batch-1", "walmart.jpg"))
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte("image")))
	})

	It("reads back and deletes saved files", func() {
		_, err := storage.Save("b/x.png", []byte("png"))
		Expect(err).NotTo(HaveOccurred())

		data, err := storage.Get("b/x.png")
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte("png")))

		Expect(storage.Delete("b/x.png")).To(Succeed())
		_, err = storage.Get("b/x.png")
		Expect(err).To(HaveOccurred())
	})

	DescribeTable("refusing paths outside the archive",
		func(path string) {
			_, err := storage.Save(path, []byte("x"))
			Expect(err).To(HaveOccurred())
			_, err = storage.Get(path)
			Expect(err).To(HaveOccurred())
		},
		Entry("parent directory", "../escape.txt"),
		Entry("nested parent", "batch/../../escape.txt"),
		Entry("absolute", "/etc/passwd"),
		Entry("empty", ""),
	)

	It("creates the base directory", func() {
		dir := filepath.Join(GinkgoT().TempDir(), "nested", "archive")
		_, err := NewLocalStorage(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(dir).To(BeADirectory())
	})
})
