// Package clients holds the Analyzers capability interface and its HTTP
// adapters. Concrete OCR/quality/layout/metadata services are external
// collaborators (out of scope per the ingest core's own boundary); this
// package only defines how the pipeline reaches them and the fallback
// behavior when one is absent, modeled on the teacher's
// internal/clients/mageagent_client.go request/response shapes and its
// internal/processor/embedding.go VoyageAI client.
package clients

import "context"

// OCRResult is the outcome of an OCR capability invocation.
type OCRResult struct {
	OCRPDFPath       string
	ExtractedText    string
	DetectedLanguage string
	PageCount        int
	FirstPageImage   string
	OCRPerformed     bool
}

// QualityResult is the outcome of an OCR-quality assessment invocation.
type QualityResult struct {
	Label  string
	Detail map[string]interface{}
}

// LayoutPageElement is one detected element on a page.
type LayoutPageElement struct {
	Type string
	Bbox [4]float64
	Text string
}

// LayoutResult is the outcome of a layout-analysis invocation.
type LayoutResult struct {
	PageCount     int
	TotalElements int
	ElementTypes  map[string]int
	Pages         [][]LayoutPageElement
}

// MetadataResult is the outcome of an LLM-metadata-extraction invocation.
type MetadataResult struct {
	Title    string
	Authors  []string
	Journal  string
	Year     int
	DOI      string
	Abstract string
	Keywords []string
	Method   string // structured_llm | simple_llm | rule_based
}

// OCRCapability extracts text from a scanned or digitally-native PDF.
type OCRCapability interface {
	OCR(ctx context.Context, pdfPath string) (*OCRResult, error)
}

// QualityCapability scores the legibility of a rendered first page.
type QualityCapability interface {
	AssessQuality(ctx context.Context, firstPageImagePath string) (*QualityResult, error)
}

// LayoutCapability detects structural elements per page.
type LayoutCapability interface {
	AnalyzeLayout(ctx context.Context, pdfPath string, pageCount int) (*LayoutResult, error)
}

// MetadataCapability extracts bibliographic metadata from page text.
type MetadataCapability interface {
	ExtractMetadata(ctx context.Context, text string) (*MetadataResult, error)
}

// EmbeddingCapability turns text into a fixed-dimension vector.
type EmbeddingCapability interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Analyzers bundles every external capability the pipeline may invoke. Any
// field may be nil — the pipeline is required to run with any subset
// available, skipping (not failing) the stages whose capability is absent.
type Analyzers struct {
	OCR       OCRCapability
	Quality   QualityCapability
	Layout    LayoutCapability
	Metadata  MetadataCapability
	Embedding EmbeddingCapability
}
