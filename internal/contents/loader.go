package contents

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"insight-backend/internal/shared/storage/object"
)

// DefaultMaxBytes is the combined content ceiling.
const DefaultMaxBytes = 10 * 1024 * 1024

// ErrSizeExceeded means the combined bytes of all sources crossed the
// ceiling. Checked before anything downstream sees the content.
var ErrSizeExceeded = fmt.Errorf("content size exceeds limit")

// Item is one loaded unit of content text.
type Item struct {
	ID   string
	Text string
}

// ValidationResult reports the size check for one source.
type ValidationResult struct {
	Key       string `json:"key"`
	SizeBytes int64  `json:"sizeBytes"`
	OK        bool   `json:"ok"`
	Reason    string `json:"reason,omitempty"`
}

// Loader resolves content sources through an object store and extracts
// their text. PDF sources are extracted; everything else is treated as
// plain UTF-8 text.
type Loader struct {
	Store    object.ObjectStore
	MaxBytes int64
}

func (l *Loader) limit() int64 {
	if l.MaxBytes > 0 {
		return l.MaxBytes
	}
	return DefaultMaxBytes
}

// Load reads every source in order and returns one item per source,
// keyed by the source key. The combined byte size is checked against
// the ceiling before any extraction happens.
func (l *Loader) Load(ctx context.Context, keys []string) ([]Item, error) {
	limit := l.limit()
	payloads := make([][]byte, 0, len(keys))
	var total int64
	for _, key := range keys {
		data, err := l.read(ctx, key, limit)
		if err != nil {
			return nil, fmt.Errorf("load source %s: %w", key, err)
		}
		total += int64(len(data))
		if total > limit {
			return nil, fmt.Errorf("%w: %d bytes over %d", ErrSizeExceeded, total, limit)
		}
		payloads = append(payloads, data)
	}

	items := make([]Item, 0, len(keys))
	for i, key := range keys {
		text, err := ExtractText(payloads[i], key)
		if err != nil {
			return nil, fmt.Errorf("extract source %s: %w", key, err)
		}
		items = append(items, Item{ID: key, Text: text})
	}
	return items, nil
}

// Validate checks each source size individually and the combined total.
// It never extracts text.
func (l *Loader) Validate(ctx context.Context, keys []string) ([]ValidationResult, error) {
	limit := l.limit()
	out := make([]ValidationResult, 0, len(keys))
	var total int64
	for _, key := range keys {
		data, err := l.read(ctx, key, limit)
		if err != nil {
			out = append(out, ValidationResult{Key: key, OK: false, Reason: err.Error()})
			continue
		}
		size := int64(len(data))
		total += size
		res := ValidationResult{Key: key, SizeBytes: size, OK: true}
		if size > limit {
			res.OK = false
			res.Reason = fmt.Sprintf("source exceeds %d byte limit", limit)
		} else if total > limit {
			res.OK = false
			res.Reason = fmt.Sprintf("combined size exceeds %d byte limit", limit)
		}
		out = append(out, res)
	}
	return out, nil
}

func (l *Loader) read(ctx context.Context, key string, limit int64) ([]byte, error) {
	body, err := l.Store.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	// Read one byte past the limit so oversize is detectable without
	// buffering arbitrarily large objects.
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// ExtractText turns a raw payload into text, using the key's shape and
// the payload magic to pick the extractor.
func ExtractText(data []byte, key string) (string, error) {
	if isPDF(data, key) {
		return extractPDF(data)
	}
	return strings.ToValidUTF8(string(data), ""), nil
}

func isPDF(data []byte, key string) bool {
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return true
	}
	return strings.EqualFold(filepath.Ext(key), ".pdf")
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}
