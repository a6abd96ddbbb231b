package config

import "testing"

func validConfig() *Config {
	return &Config{
		SQLitePath: "/tmp/db.sqlite", QdrantAddress: "localhost:6334", QdrantCollection: "papers",
		RedisURL: "redis://localhost:6379", PDFStorageRoot: "/tmp/pdfs",

		MaxFileSize: 1024 * 1024, MaxFilenameLength: 255,
		AllowedExtensions: []string{".pdf"}, AllowedMIMETypes: []string{"application/pdf"},
		MaxPDFPages: 1000, MaxUploadsPerHour: 50, MaxUploadsPerDay: 200,
		QuarantineDir: "/tmp/quarantine",

		QueueCapacity: 500, WorkerCount: 3,

		AnalyzerTimeout: 0, SimilarityDuplicateThreshold: 0.95,

		BackupRoot: "/tmp/backups", RetentionDaysDaily: 30, RetentionDaysWeekly: 90, RetentionDaysIncremental: 7,

		ConsistencyAutofixMaxSeverity: "medium",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsDailyRetentionExceedingWeekly(t *testing.T) {
	cfg := validConfig()
	cfg.RetentionDaysDaily = 100
	cfg.RetentionDaysWeekly = 30

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject RetentionDaysDaily > RetentionDaysWeekly")
	}
}

func TestValidateRejectsBadSimilarityThreshold(t *testing.T) {
	cfg := validConfig()
	cfg.SimilarityDuplicateThreshold = 1.5

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject a threshold above 1.0")
	}
}

func TestValidateRejectsMissingRequiredPaths(t *testing.T) {
	cfg := validConfig()
	cfg.SQLitePath = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject an empty SQLitePath")
	}
}

func TestValidateRejectsBadConsistencySeverity(t *testing.T) {
	cfg := validConfig()
	cfg.ConsistencyAutofixMaxSeverity = "critical"

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject a severity outside low/medium")
	}
}

func TestGetEnvAsCSVOrDefaultTrimsAndFiltersBlanks(t *testing.T) {
	t.Setenv("TEST_CSV_KEY", " a, b ,, c")
	got := getEnvAsCSVOrDefault("TEST_CSV_KEY", []string{"default"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestGetEnvAsCSVOrDefaultFallsBackWhenUnset(t *testing.T) {
	got := getEnvAsCSVOrDefault("TEST_CSV_KEY_UNSET", []string{"default"})
	if len(got) != 1 || got[0] != "default" {
		t.Fatalf("got %v, want [default]", got)
	}
}
