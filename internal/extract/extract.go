package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"doc-rag/internal/blob"
)

const (
	MediaTypePDF  = "application/pdf"
	MediaTypeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MediaTypeText = "text/plain"
)

var (
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrContentMismatch      = errors.New("content does not match media type")
)

var extensionTypes = map[string]string{
	".pdf":  MediaTypePDF,
	".docx": MediaTypeDOCX,
	".txt":  MediaTypeText,
}

// MediaTypeForExtension maps a file extension such as ".PDF" to its media type.
func MediaTypeForExtension(ext string) (string, bool) {
	mt, ok := extensionTypes[strings.ToLower(ext)]
	return mt, ok
}

// Result is the text pulled out of a stored file. PageCount is nil for
// formats without fixed pages.
type Result struct {
	Text      string
	PageCount *int
}

type Extractor interface {
	Extract(ctx context.Context, ref, mediaType string) (Result, error)
}

// FileExtractor reads files from blob storage and dispatches on media type.
type FileExtractor struct {
	storage blob.Storage
}

func New(storage blob.Storage) *FileExtractor {
	return &FileExtractor{storage: storage}
}

func (e *FileExtractor) Extract(ctx context.Context, ref, mediaType string) (Result, error) {
	parse, ok := parsers[mediaType]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, mediaType)
	}
	content, err := blob.ReadAll(ctx, e.storage, ref)
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", ref, err)
	}
	if sniffed[mediaType] {
		if got := mimetype.Detect(content); !got.Is(mediaType) {
			return Result{}, fmt.Errorf("%w: %s holds %s", ErrContentMismatch, mediaType, got.String())
		}
	}
	res, err := parse(content)
	if err != nil {
		return Result{}, fmt.Errorf("extract %s: %w", mediaType, err)
	}
	return res, nil
}

// sniffed are the binary formats whose content is checked before parsing.
var sniffed = map[string]bool{
	MediaTypePDF:  true,
	MediaTypeDOCX: true,
}

var parsers = map[string]func([]byte) (Result, error){
	MediaTypePDF:  extractPDF,
	MediaTypeDOCX: extractDOCX,
	MediaTypeText: extractText,
}
