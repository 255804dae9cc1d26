// Package ocr extracts text from stored images and provides the job processor
// that writes it back onto the upload row.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// Extractor turns file bytes into text. Non-image input yields "".
type Extractor interface {
	ExtractText(ctx context.Context, data []byte, mime string) (string, error)
}

// unprintable matches everything outside the character set kept from OCR output.
var unprintable = regexp.MustCompile("[^a-zA-Z0-9\\s.,!?;:'\"()\\[\\]{}\\-_=+@#$%&*/\\\\|<>~`]")

// Sanitize strips characters tesseract commonly hallucinates from noise.
func Sanitize(text string) string {
	return unprintable.ReplaceAllString(text, "")
}

type runFunc func(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error)

// Tesseract shells out to the tesseract CLI, feeding the image on stdin.
type Tesseract struct {
	path string
	lang string
	run  runFunc
}

func NewTesseract(path, lang string) *Tesseract {
	if path == "" {
		path = "tesseract"
	}
	if lang == "" {
		lang = "eng"
	}
	return &Tesseract{path: path, lang: lang, run: execRun}
}

func (t *Tesseract) ExtractText(ctx context.Context, data []byte, mime string) (string, error) {
	if !strings.HasPrefix(mime, "image/") {
		return "", nil
	}

	out, err := t.run(ctx, t.path, []string{"stdin", "stdout", "-l", t.lang}, data)
	if err != nil {
		return "", fmt.Errorf("tesseract failed: %w", err)
	}
	return Sanitize(string(out)), nil
}

func execRun(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}
