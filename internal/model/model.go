// Package model holds the persisted data shapes shared by every ingest
// component: Paper and its derived artifacts, duplicate-prevention hashes,
// jobs, and backup records.
package model

import "time"

// OCRQualityLabel is the coarse quality bucket assigned to a page image scan.
type OCRQualityLabel string

const (
	OCRQualityUnknown   OCRQualityLabel = "unknown"
	OCRQualityPoor      OCRQualityLabel = "poor"
	OCRQualityFair      OCRQualityLabel = "fair"
	OCRQualityGood      OCRQualityLabel = "good"
	OCRQualityExcellent OCRQualityLabel = "excellent"
)

// Paper is the canonical artifact: it exists iff its stored PDF exists.
type Paper struct {
	DocID                string
	Filename             string
	StoredPath           string
	ExtractedText        string
	OCRQualityLabel      OCRQualityLabel
	ContentID            string // digest of the document embedding; may be empty
	OCRQualityCompleted   bool
	LayoutCompleted       bool
	MetadataLLMCompleted  bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// PageEmbedding is keyed by (doc_id, page_number), unique, cascade-deleted
// with its Paper.
type PageEmbedding struct {
	DocID      string
	PageNumber int
	PageText   string
	Vector     []float32
}

// MetadataExtractionMethod records how Metadata was produced.
type MetadataExtractionMethod string

const (
	ExtractionStructuredLLM MetadataExtractionMethod = "structured_llm"
	ExtractionSimpleLLM     MetadataExtractionMethod = "simple_llm"
	ExtractionRuleBased     MetadataExtractionMethod = "rule_based"
)

// Metadata is at most one per Paper.
type Metadata struct {
	DocID            string
	Title            string
	Authors          []string
	Journal          string
	Year             int
	DOI              string
	Abstract         string
	Keywords         []string
	ExtractionMethod MetadataExtractionMethod
}

// LayoutAnalysis describes page/element layout for a Paper.
type LayoutAnalysis struct {
	DocID         string
	PageCount     int
	TotalElements int
	ElementTypes  map[string]int
	PagesJSON     []byte // opaque per-page element JSON
}

// FileHash is the L0 duplicate-detection key: one row per byte-identical file.
type FileHash struct {
	FileMD5          string
	FileSize         int64
	OriginalFilename string
	DocID            string
	CreatedAt        time.Time
}

// ContentHash is the L1 duplicate-detection key.
type ContentHash struct {
	ContentDigest      string
	PDFTitle           string
	PDFAuthor          string
	PDFCreator         string
	FirstThreePages    string
	PageCount          int
	DocID              string
	CreatedAt          time.Time
}

// SampleEmbeddingHash is the L2 duplicate-detection key.
type SampleEmbeddingHash struct {
	EmbeddingDigest string
	Strategy        string
	SampleText      string
	VectorBytes     []byte
	Dimension       int
	ModelName       string
	DocID           string
	CreatedAt       time.Time
}

// DetectionResult classifies the outcome of a duplicate-detection cascade run.
type DetectionResult string

const (
	DetectionDuplicateFound DetectionResult = "duplicate_found"
	DetectionNoDuplicate    DetectionResult = "no_duplicate"
	DetectionError          DetectionResult = "error"
)

// DetectionLayer names which cascade layer produced a DetectionResult.
type DetectionLayer string

const (
	LayerFileHash      DetectionLayer = "Level_0_File_Hash"
	LayerContentHash   DetectionLayer = "Level_1_Content_Hash"
	LayerSampleEmbed   DetectionLayer = "Level_2_Sample_Embedding"
	LayerNone          DetectionLayer = "none"
	LayerError         DetectionLayer = "error"
)

// DetectionLog is written once per DuplicateDetector invocation.
type DetectionLog struct {
	DetectionID          string
	Filename             string
	FileSize             int64
	Result               DetectionResult
	Layer                DetectionLayer
	MatchedDocID         string
	TotalTime            time.Duration
	L0Time               *time.Duration
	L1Time               *time.Duration
	L2Time               *time.Duration
	EstimatedTimeSaved   time.Duration
	ErrorMessage         string
	CreatedAt            time.Time
}

// JobStatus is the Job state-machine status.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Job tracks one ingest request through the pipeline.
type Job struct {
	JobID           string
	Filename        string
	SourcePath      string
	Status          JobStatus
	CurrentStep     string
	ProgressPercent int
	StepsCompleted  []string
	StepsFailed     []string
	ErrorMessage    string
	ResultSummary   map[string]interface{}
	PaperID         string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// BackupKind is the strategy used to produce a BackupRecord.
type BackupKind string

const (
	BackupFull        BackupKind = "full"
	BackupIncremental BackupKind = "incremental"
	BackupSnapshot    BackupKind = "snapshot"
)

// BackupScope names which store(s) a BackupRecord covers.
type BackupScope string

const (
	ScopeRelational BackupScope = "relational"
	ScopeVector     BackupScope = "vector"
	ScopeUnified    BackupScope = "unified"
)

// BackupStatus is the outcome of a backup attempt.
type BackupStatus string

const (
	BackupStatusCompleted BackupStatus = "completed"
	BackupStatusFailed    BackupStatus = "failed"
)

// BackupRecord is one row of backup history.
type BackupRecord struct {
	BackupID       string
	Kind           BackupKind
	Scope          BackupScope
	Path           string
	Size           int64
	Compressed     bool
	ChecksumSHA256 string
	RetentionDays  int
	ExpireAt       time.Time
	Status         BackupStatus
	Description    string
	Timestamp      time.Time
}
