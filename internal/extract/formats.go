package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/text/encoding/charmap"
)

// extractText reads UTF-8 and falls back to Latin-1 for anything else.
func extractText(content []byte) (Result, error) {
	if utf8.Valid(content) {
		return Result{Text: string(content)}, nil
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(content)
	if err != nil {
		return Result{}, err
	}
	return Result{Text: string(decoded)}, nil
}

func extractPDF(content []byte) (Result, error) {
	reader := bytes.NewReader(content)
	pdfReader, err := pdf.NewReader(reader, int64(len(content)))
	if err != nil {
		return Result{}, err
	}

	numPages := pdfReader.NumPage()
	parts := make([]string, 0, numPages)
	for pageNum := 1; pageNum <= numPages; pageNum++ {
		page := pdfReader.Page(pageNum)
		if page.V.IsNull() || page.V.Key("Contents").Kind() == pdf.Null {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to extract
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, text)
		}
	}
	return Result{Text: strings.Join(parts, "\n\n"), PageCount: &numPages}, nil
}

const wordNS = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"

// extractDOCX walks word/document.xml and joins non-blank paragraphs.
func extractDOCX(content []byte) (Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return Result{}, fmt.Errorf("open docx: %w", err)
	}
	var body *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			body = f
			break
		}
	}
	if body == nil {
		return Result{}, errors.New("docx has no word/document.xml")
	}
	rc, err := body.Open()
	if err != nil {
		return Result{}, err
	}
	defer rc.Close()

	paragraphs, err := wordParagraphs(rc)
	if err != nil {
		return Result{}, err
	}
	return Result{Text: strings.Join(paragraphs, "\n\n")}, nil
}

func wordParagraphs(r io.Reader) ([]string, error) {
	dec := xml.NewDecoder(r)
	var (
		out    []string
		cur    strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse docx: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != wordNS {
				continue
			}
			switch t.Name.Local {
			case "p":
				cur.Reset()
			case "t":
				inText = true
			case "tab":
				cur.WriteByte('\t')
			case "br", "cr":
				cur.WriteByte('\n')
			}
		case xml.EndElement:
			if t.Name.Space != wordNS {
				continue
			}
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if strings.TrimSpace(cur.String()) != "" {
					out = append(out, cur.String())
				}
				cur.Reset()
			}
		case xml.CharData:
			if inText {
				cur.Write(t)
			}
		}
	}
}
