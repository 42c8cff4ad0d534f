package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/zombor/receipt-pipeline/internal/batch"
	"github.com/zombor/receipt-pipeline/internal/receipt"
)

var receiptTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".pdf":  "application/pdf",
	".heic": "image/heic",
	".heif": "image/heif",
}

// readDirectory loads every receipt file directly inside dir
func readDirectory(dir string) ([]batch.Input, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}

	var inputs []batch.Input
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		contentType, ok := receiptTypes[strings.ToLower(filepath.Ext(e.Name()))]
		if !ok {
			slog.Debug("Skipping non-receipt file", "name", e.Name())
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		inputs = append(inputs, batch.Input{Name: e.Name(), Data: data, ContentType: contentType})
	}
	return inputs, nil
}

// runDirectory runs one batch over a directory, drawing a progress bar from
// the streamed snapshots, and optionally writes the result as XLSX
func runDirectory(ctx context.Context, service *receipt.Service, dir, userID, outPath string, cfg batch.Config) error {
	inputs, err := readDirectory(dir)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return fmt.Errorf("no receipts found in %s", dir)
	}

	bar := progressbar.NewOptions(len(inputs),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("[cyan][bold]Processing receipts...[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(os.Stderr)
		}),
	)

	record, err := service.RunBatch(ctx, userID, inputs, cfg, func(res *batch.Result) {
		_ = bar.Set(len(res.Completed) + len(res.Failed))
	})
	if err != nil {
		return err
	}
	_ = bar.Finish()

	for _, line := range record.Result.Insights {
		fmt.Println(line)
	}
	for _, item := range record.Result.Failed {
		fmt.Printf("failed: %s (%s)\n", item.Name, item.Reason)
	}

	if outPath == "" {
		return nil
	}
	data, err := service.ExportBatch(record.ID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", outPath, err)
	}
	slog.Info("Wrote batch export", "path", outPath, "batch_id", record.ID)
	return nil
}
