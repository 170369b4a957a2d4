// Package extract turns uploaded documents into plain text and invoice fields.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gen2brain/go-fitz"
)

var (
	// ErrUnsupportedFormat is returned for documents that are neither PDF nor plain text.
	ErrUnsupportedFormat = errors.New("unsupported document format")
	// ErrNoText is returned when a document yields no readable text.
	ErrNoText = errors.New("no text found in document")
)

// Format is the detected document type.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatText Format = "text"
)

var pdfMagic = []byte("%PDF-")

// DetectFormat identifies a document from its content, using the name and
// declared content type only to accept plain text.
func DetectFormat(filename, contentType string, data []byte) (Format, error) {
	if bytes.HasPrefix(data, pdfMagic) {
		return FormatPDF, nil
	}

	ext := strings.ToLower(filepath.Ext(filename))
	isText := strings.HasPrefix(strings.ToLower(contentType), "text/plain") || ext == ".txt"
	if isText && utf8.Valid(data) {
		return FormatText, nil
	}

	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, describe(filename, contentType))
}

func describe(filename, contentType string) string {
	if ext := filepath.Ext(filename); ext != "" {
		return ext
	}
	if contentType != "" {
		return contentType
	}
	return "unknown"
}

// Document is the input of one extraction.
type Document struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Text is the extracted content of a document.
type Text struct {
	Content    string
	Pages      int
	Confidence float64 // 0-100, share of characters that look like real text
}

// Extractor reads text from PDF and plain-text documents.
type Extractor struct {
	logger   *slog.Logger
	maxPages int
}

// NewExtractor creates an Extractor. maxPages <= 0 reads every page.
func NewExtractor(maxPages int, logger *slog.Logger) *Extractor {
	return &Extractor{logger: logger, maxPages: maxPages}
}

// Extract returns the text of doc. Cancellation is checked between pages.
func (e *Extractor) Extract(ctx context.Context, doc Document) (*Text, error) {
	format, err := DetectFormat(doc.Filename, doc.ContentType, doc.Data)
	if err != nil {
		return nil, err
	}

	var out *Text
	switch format {
	case FormatPDF:
		out, err = e.extractPDF(ctx, doc.Data)
	default:
		out = &Text{Content: normalize(string(doc.Data)), Pages: 1}
	}
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(out.Content) == "" {
		return nil, ErrNoText
	}
	out.Confidence = confidence(out.Content)

	e.logger.Debug("Text extracted",
		slog.String("filename", doc.Filename),
		slog.String("format", string(format)),
		slog.Int("pages", out.Pages),
		slog.Int("chars", len(out.Content)),
	)

	return out, nil
}

func (e *Extractor) extractPDF(ctx context.Context, data []byte) (*Text, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	pages := doc.NumPage()
	if e.maxPages > 0 && pages > e.maxPages {
		e.logger.Warn("PDF truncated to page limit",
			slog.Int("pages", pages),
			slog.Int("max_pages", e.maxPages),
		)
		pages = e.maxPages
	}

	var b strings.Builder
	for i := 0; i < pages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := doc.Text(i)
		if err != nil {
			return nil, fmt.Errorf("reading PDF page %d: %w", i+1, err)
		}
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(text)
	}

	return &Text{Content: normalize(b.String()), Pages: pages}, nil
}

// normalize unifies line endings and trims trailing blanks on every line.
func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func confidence(s string) float64 {
	var good, total int
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			if r != utf8.RuneError {
				good++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(int(float64(good)/float64(total)*1000+0.5)) / 10
}
