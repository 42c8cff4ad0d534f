package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/zombor/receipt-pipeline/internal/predict"
	"github.com/zombor/receipt-pipeline/internal/scanning"
	"gopkg.in/yaml.v3"
)

// File is a catalog extension: merchants and categories for the visual
// predictor plus extraction templates
type File struct {
	Merchants  []predict.MerchantSignature `yaml:"merchants"`
	Categories []predict.CategoryModel     `yaml:"categories"`
	Templates  []scanning.TemplateSource   `yaml:"templates"`
}

// Load reads and parses a YAML catalog file
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a YAML catalog, rejecting unknown keys
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, err
	}
	return &f, nil
}

// Apply registers every entry. Templates are compiled before anything is
// registered so a bad pattern leaves both catalogs untouched.
func (f *File) Apply(registry *predict.Registry, templates *scanning.TemplateCatalog) error {
	compiled := make([]scanning.Template, 0, len(f.Templates))
	for _, src := range f.Templates {
		t, err := scanning.CompileTemplate(src)
		if err != nil {
			return fmt.Errorf("compiling template: %w", err)
		}
		compiled = append(compiled, t)
	}

	for _, m := range f.Merchants {
		if err := registry.RegisterMerchant(m); err != nil {
			return fmt.Errorf("registering merchant: %w", err)
		}
	}
	for _, c := range f.Categories {
		if err := registry.RegisterCategory(c); err != nil {
			return fmt.Errorf("registering category: %w", err)
		}
	}
	for _, t := range compiled {
		if err := templates.Register(t); err != nil {
			return fmt.Errorf("registering template: %w", err)
		}
	}

	slog.Info("Loaded catalog",
		"merchants", len(f.Merchants),
		"categories", len(f.Categories),
		"templates", len(compiled),
	)
	return nil
}
