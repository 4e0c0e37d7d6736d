package notebook

import (
	"encoding/base64"
	"strings"
	"time"
)

// ImagePrefix marks a buffer line that carries a base64 PNG instead of text.
const ImagePrefix = "__LECTERN_IMAGE__:"

// ImageArtifact is one rendered figure.
type ImageArtifact struct {
	Format string `json:"format"`
	// Data is the base64 payload exactly as the guest wrote it.
	Data string `json:"data"`
}

// Decode returns the raw image bytes.
func (a ImageArtifact) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(a.Data)
}

// DataURL returns the artifact as a data: URL suitable for an <img> tag.
func (a ImageArtifact) DataURL() string {
	return "data:image/" + a.Format + ";base64," + a.Data
}

// Result is the outcome of one Run. It is never mutated after Run returns.
type Result struct {
	Text   string          `json:"text"`
	Images []ImageArtifact `json:"images"`
	// Error is the guest's error message, or why the run could not happen.
	// Text and Images still hold whatever was produced before the failure.
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Parse splits captured output into text and images. Image lines become
// artifacts in order of appearance; other non-blank lines are kept as text,
// each terminated by a newline.
func Parse(raw string) (text string, images []ImageArtifact) {
	var b strings.Builder
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if payload, ok := strings.CutPrefix(line, ImagePrefix); ok {
			images = append(images, ImageArtifact{Format: "png", Data: payload})
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String(), images
}
