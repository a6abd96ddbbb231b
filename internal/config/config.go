// Package config loads the ingest core's configuration from environment
// variables, generalizing the teacher's internal/config/config.go loader to
// the full knob set of spec.md §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds every tunable named in spec.md §6.
type Config struct {
	// Storage
	SQLitePath       string `validate:"required"`
	QdrantAddress    string `validate:"required"`
	QdrantCollection string `validate:"required"`
	RedisURL         string `validate:"required"`
	PDFStorageRoot   string `validate:"required"`

	// C1 FileValidator
	MaxFileSize       int64    `validate:"min=1024"`
	MaxFilenameLength int      `validate:"min=1,max=4096"`
	AllowedExtensions []string `validate:"min=1"`
	AllowedMIMETypes  []string `validate:"min=1"`
	MaxPDFPages       int      `validate:"min=1"`
	MaxUploadsPerHour int      `validate:"min=1"`
	MaxUploadsPerDay  int      `validate:"min=1"`
	EnableQuarantine  bool
	QuarantineDir     string `validate:"required"`

	// C4 JobQueue
	QueueCapacity int `validate:"min=1"`
	WorkerCount   int `validate:"min=1,max=100"`

	// C5 Pipeline
	AnalyzerTimeout              time.Duration
	EnableGPUIntensiveTasks      bool
	SimilarityDuplicateThreshold float64 `validate:"min=0,max=1"`

	// C7 BackupCoordinator
	BackupRoot               string `validate:"required"`
	RetentionDaysDaily       int    `validate:"min=1"`
	RetentionDaysWeekly      int    `validate:"min=1"`
	RetentionDaysIncremental int    `validate:"min=1"`

	// C8 ConsistencyChecker
	ConsistencyAutofixMaxSeverity string `validate:"oneof=low medium"`

	// Analyzer endpoints — the external capability collaborators (OCR,
	// quality, layout, metadata, embedding) consumed through internal/clients.
	OCRServiceURL       string
	QualityServiceURL   string
	LayoutServiceURL    string
	MetadataServiceURL  string
	EmbeddingServiceURL string
	EmbeddingAPIKey     string
}

// Load reads configuration from the environment, applying defaults, then
// validates it.
func Load() (*Config, error) {
	cfg := &Config{
		SQLitePath:       getEnvOrDefault("SQLITE_PATH", "/refdata/paperingest.db"),
		QdrantAddress:    getEnvOrDefault("QDRANT_URL", "localhost:6334"),
		QdrantCollection: getEnvOrDefault("QDRANT_COLLECTION", "paper_documents"),
		RedisURL:         getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		PDFStorageRoot:   getEnvOrDefault("PDF_STORAGE_ROOT", "/refdata/pdfs"),

		MaxFileSize:       getEnvAsInt64OrDefault("MAX_FILE_SIZE", 100*1024*1024),
		MaxFilenameLength: getEnvAsIntOrDefault("MAX_FILENAME_LENGTH", 255),
		AllowedExtensions: getEnvAsCSVOrDefault("ALLOWED_EXTENSIONS", []string{".pdf"}),
		AllowedMIMETypes: getEnvAsCSVOrDefault("ALLOWED_MIME_TYPES", []string{
			"application/pdf", "application/x-pdf", "application/acrobat",
			"applications/vnd.pdf", "text/pdf", "text/x-pdf",
		}),
		MaxPDFPages:       getEnvAsIntOrDefault("MAX_PDF_PAGES", 1000),
		MaxUploadsPerHour: getEnvAsIntOrDefault("MAX_UPLOADS_PER_HOUR", 50),
		MaxUploadsPerDay:  getEnvAsIntOrDefault("MAX_UPLOADS_PER_DAY", 200),
		EnableQuarantine:  getEnvAsBoolOrDefault("ENABLE_QUARANTINE", false),
		QuarantineDir:     getEnvOrDefault("QUARANTINE_DIR", "/tmp/paperingest_quarantine"),

		QueueCapacity: getEnvAsIntOrDefault("QUEUE_CAPACITY", 500),
		WorkerCount:   getEnvAsIntOrDefault("WORKER_COUNT", 3),

		AnalyzerTimeout:              time.Duration(getEnvAsIntOrDefault("ANALYZER_TIMEOUT_SECONDS", 300)) * time.Second,
		EnableGPUIntensiveTasks:      getEnvAsBoolOrDefault("ENABLE_GPU_INTENSIVE_TASKS", false),
		SimilarityDuplicateThreshold: getEnvAsFloatOrDefault("SIMILARITY_DUPLICATE_THRESHOLD", 0.95),

		BackupRoot:               getEnvOrDefault("BACKUP_ROOT", "/refdata/backups"),
		RetentionDaysDaily:       getEnvAsIntOrDefault("RETENTION_DAYS_DAILY", 30),
		RetentionDaysWeekly:      getEnvAsIntOrDefault("RETENTION_DAYS_WEEKLY", 90),
		RetentionDaysIncremental: getEnvAsIntOrDefault("RETENTION_DAYS_INCREMENTAL", 7),

		ConsistencyAutofixMaxSeverity: getEnvOrDefault("CONSISTENCY_AUTOFIX_MAX_SEVERITY", "medium"),

		OCRServiceURL:       os.Getenv("OCR_SERVICE_URL"),
		QualityServiceURL:   os.Getenv("QUALITY_SERVICE_URL"),
		LayoutServiceURL:    os.Getenv("LAYOUT_SERVICE_URL"),
		MetadataServiceURL:  os.Getenv("METADATA_SERVICE_URL"),
		EmbeddingServiceURL: os.Getenv("EMBEDDING_SERVICE_URL"),
		EmbeddingAPIKey:     os.Getenv("EMBEDDING_API_KEY"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate runs struct-tag bounds checks plus the cross-field check a tag
// can't express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.RetentionDaysDaily > c.RetentionDaysWeekly {
		return fmt.Errorf("RETENTION_DAYS_DAILY (%d) must not exceed RETENTION_DAYS_WEEKLY (%d)", c.RetentionDaysDaily, c.RetentionDaysWeekly)
	}
	return nil
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvAsInt64OrDefault(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getEnvAsFloatOrDefault(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvAsBoolOrDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvAsCSVOrDefault(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
