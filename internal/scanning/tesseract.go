package scanning

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// TesseractConfig configures the tesseract CLI backend
type TesseractConfig struct {
	Binary      string // defaults to "tesseract"
	Language    string // defaults to Language
	TessdataDir string
	Enhance     bool // grayscale/contrast/sharpen before recognition
}

// Tesseract implements the Recognizer interface using the tesseract CLI
type Tesseract struct {
	cfg    TesseractConfig
	runner Runner
}

// NewTesseract creates a new Tesseract Recognizer instance
func NewTesseract(cfg TesseractConfig) *Tesseract {
	return NewTesseractWithRunner(cfg, execRunner{})
}

// NewTesseractWithRunner creates a Tesseract Recognizer with a custom runner for testing
func NewTesseractWithRunner(cfg TesseractConfig, runner Runner) *Tesseract {
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	if cfg.Language == "" {
		cfg.Language = Language
	}
	return &Tesseract{cfg: cfg, runner: runner}
}

// RecognizeText writes the normalized image to a temp file and runs
// tesseract <file> stdout -l <lang>
func (t *Tesseract) RecognizeText(ctx context.Context, imageData []byte, contentType string) (string, error) {
	pngData, _, err := prepareImageData(imageData, contentType, t.cfg.Enhance)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp("", "invoice-*.png")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(pngData); err != nil {
		f.Close()
		return "", fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing temp file: %w", err)
	}

	args := []string{f.Name(), "stdout", "-l", t.cfg.Language}
	if t.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", t.cfg.TessdataDir)
	}

	out, stderr, err := t.runner.Run(ctx, t.cfg.Binary, args...)
	if err != nil {
		msg := strings.TrimSpace(string(stderr))
		if msg != "" {
			return "", fmt.Errorf("tesseract: %w: %s", err, msg)
		}
		return "", fmt.Errorf("tesseract: %w", err)
	}

	return string(out), nil
}

// Close is a no-op for the CLI backend
func (t *Tesseract) Close() error {
	return nil
}
