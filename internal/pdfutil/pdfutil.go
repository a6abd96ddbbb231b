// Package pdfutil provides page-text extraction and lightweight metadata
// reads shared by the duplicate detector's L1 canonicalization and the
// pipeline's page-embedding stage. Grounded on the go-pdf extraction method
// of NISHADDEVENDRA-chatbot-backend's services/pdf_extractor.go
// (github.com/ledongthuc/pdf), generalized from a last-resort fallback
// method into the sole extractor, since OCR/vision text extraction is an
// external Analyzer capability out of this package's scope.
package pdfutil

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// Info holds per-document metadata and per-page text pulled from a PDF.
type Info struct {
	Title     string
	Author    string
	Creator   string
	PageCount int
	Pages     []string // Pages[i] is the plain text of page i+1
}

// Extract reads every page's plain text plus the document info dictionary.
func Extract(data []byte) (*Info, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf reader: %w", err)
	}

	info := &Info{PageCount: reader.NumPage()}

	if trailer := reader.Trailer(); !trailer.IsNull() {
		if infoDict := trailer.Key("Info"); !infoDict.IsNull() {
			info.Title = infoDict.Key("Title").Text()
			info.Author = infoDict.Key("Author").Text()
			info.Creator = infoDict.Key("Creator").Text()
		}
	}

	fonts := make(map[string]*pdf.Font)
	info.Pages = make([]string, 0, info.PageCount)
	for i := 1; i <= info.PageCount; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			info.Pages = append(info.Pages, "")
			continue
		}
		text, err := page.GetPlainText(fonts)
		if err != nil {
			info.Pages = append(info.Pages, "")
			continue
		}
		info.Pages = append(info.Pages, text)
	}

	return info, nil
}

// FirstNPagesText concatenates the plain text of the first n pages
// (fewer if the document is shorter).
func (i *Info) FirstNPagesText(n int) string {
	if n > len(i.Pages) {
		n = len(i.Pages)
	}
	var out string
	for p := 0; p < n; p++ {
		out += i.Pages[p] + "\n"
	}
	return out
}
