// Package validator implements C1 FileValidator: upload policy enforcement
// for size, extension, MIME, PDF signature/structure, content-safety
// scanning, and per-client rate limiting. Grounded on
// original_source/app/file_security.py, ported to Go idiom with
// gabriel-vasile/mimetype for content sniffing and go-redis for the rolling
// rate-limit windows (same client library the teacher uses for queue state).
package validator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/redis/go-redis/v9"

	"github.com/refserver/paperingest/internal/ingesterr"
	"github.com/refserver/paperingest/internal/logging"
)

// ThreatLevel is the aggregate risk classification of a ValidationReport.
type ThreatLevel string

const (
	ThreatSafe     ThreatLevel = "safe"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// checksPerformed lists the canonical check order; Report.ChecksPerformed is
// always a prefix of this list (P6).
var checksPerformed = []string{
	"rate_limit", "filename", "size", "mime", "signature", "sha256",
	"content_scan", "pdf_structure", "pdf_semantic",
}

// suspiciousPatterns mirrors file_security.py's script/exec/shell token list.
var suspiciousPatterns = [][]byte{
	[]byte("javascript:"), []byte("<script"), []byte("eval("),
	[]byte("document.write"), []byte("window.open"), []byte("XMLHttpRequest"),
	[]byte("ActiveXObject"), []byte("<?php"), []byte("<%"), []byte("${"),
	[]byte("#{"), []byte("/bin/sh"), []byte("/bin/bash"), []byte("cmd.exe"),
	[]byte("powershell"), []byte("CreateObject"), []byte("WScript.Shell"),
}

// pdfSuspiciousKeywords mirrors file_security.py's PDF-active-content markers.
var pdfSuspiciousKeywords = [][]byte{
	[]byte("/JavaScript"), []byte("/JS"), []byte("/OpenAction"), []byte("/AA"),
	[]byte("/Launch"), []byte("/EmbeddedFile"), []byte("/FileAttachment"),
	[]byte("/Encrypt"), []byte("/URI"), []byte("/SubmitForm"),
}

// nativeExecMagic are magic-byte prefixes of native executable formats.
var nativeExecMagic = [][]byte{
	{0x4D, 0x5A},             // MZ (PE/DOS)
	{0x7F, 'E', 'L', 'F'},    // ELF
	{0xCA, 0xFE, 0xBA, 0xBE}, // Mach-O fat binary / Java class
	{0xFE, 0xED, 0xFA, 0xCE}, // Mach-O 32
	{0xFE, 0xED, 0xFA, 0xCF}, // Mach-O 64
}

var badNameChars = regexp.MustCompile(`[<>:"|?*\x00-\x1f]`)

var urlPattern = regexp.MustCompile(`https?://[^\s)>\]"']+`)

var shortenerHosts = map[string]bool{
	"bit.ly": true, "tinyurl.com": true, "t.co": true, "goo.gl": true,
	"ow.ly": true, "is.gd": true, "buff.ly": true,
}

var suspiciousPorts = map[string]bool{
	"4444": true, "1337": true, "31337": true, "6667": true, "12345": true,
}

// Config is the subset of the global config the validator needs.
type Config struct {
	MaxFileSize       int64
	MaxFilenameLength int
	AllowedExtensions map[string]bool
	AllowedMIMETypes  map[string]bool
	MaxPDFPages       int
	MaxUploadsPerHour int
	MaxUploadsPerDay  int
	EnableQuarantine  bool
	QuarantineDir     string
}

// NewConfig builds a validator.Config from plain slices (as loaded from
// config.Config), indexing the allow-sets for O(1) lookup.
func NewConfig(maxFileSize int64, maxFilenameLen int, exts, mimes []string, maxPages, perHour, perDay int, quarantine bool, quarantineDir string) *Config {
	extSet := make(map[string]bool, len(exts))
	for _, e := range exts {
		extSet[strings.ToLower(e)] = true
	}
	mimeSet := make(map[string]bool, len(mimes))
	for _, m := range mimes {
		mimeSet[strings.ToLower(m)] = true
	}
	return &Config{
		MaxFileSize: maxFileSize, MaxFilenameLength: maxFilenameLen,
		AllowedExtensions: extSet, AllowedMIMETypes: mimeSet, MaxPDFPages: maxPages,
		MaxUploadsPerHour: perHour, MaxUploadsPerDay: perDay,
		EnableQuarantine: quarantine, QuarantineDir: quarantineDir,
	}
}

// Report is the outcome of Validate.
type Report struct {
	DetectedMIME     string
	SHA256           string
	ThreatLevel      ThreatLevel
	Warnings         []string
	ChecksPerformed  []string
	Quarantined      bool
	PageCount        int
	Encrypted        bool
	HasForms         bool
	HasJavaScript    bool
	HasAttachments   bool
	SuspiciousURLs   []string
}

// FileValidator implements C1: validate(file, filename, client_id) -> Report.
type FileValidator struct {
	cfg    *Config
	redis  *redis.Client
	logger *logging.Logger
}

// New constructs a FileValidator. redisClient may be nil, in which case rate
// limiting is skipped (used in tests and for single-shot CLI validation).
func New(cfg *Config, redisClient *redis.Client, logger *logging.Logger) *FileValidator {
	return &FileValidator{cfg: cfg, redis: redisClient, logger: logger}
}

// Validate runs the canonical check cascade of spec.md §4.1, short-circuiting
// on the first fatal failure.
func (v *FileValidator) Validate(ctx context.Context, data []byte, filename, clientID string) (*Report, error) {
	report := &Report{Warnings: []string{}, SuspiciousURLs: []string{}}
	mark := func(check string) { report.ChecksPerformed = append(report.ChecksPerformed, check) }

	// 1. Rate limit
	mark("rate_limit")
	if v.redis != nil && clientID != "" {
		if err := v.checkRateLimit(ctx, clientID); err != nil {
			return report, err
		}
	}

	// 2. Filename hygiene
	mark("filename")
	if err := validateFilename(filename, v.cfg.MaxFilenameLength, v.cfg.AllowedExtensions); err != nil {
		return report, err
	}

	// 3. Size
	mark("size")
	if len(data) == 0 {
		return report, ingesterr.NewValidationError(ingesterr.SubKindEmpty, "uploaded file is empty", nil)
	}
	if int64(len(data)) > v.cfg.MaxFileSize {
		return report, ingesterr.NewValidationError(ingesterr.SubKindTooLarge, "file exceeds maximum size", map[string]interface{}{
			"size": len(data), "max": v.cfg.MaxFileSize,
		})
	}

	// 4. MIME via content sniffing
	mark("mime")
	mt := mimetype.Detect(data)
	report.DetectedMIME = mt.String()
	allowed := false
	for m := mt; m != nil; m = m.Parent() {
		if v.cfg.AllowedMIMETypes[strings.ToLower(m.String())] {
			allowed = true
			break
		}
	}
	if !allowed {
		return report, ingesterr.NewValidationError(ingesterr.SubKindWrongType, "MIME type not allowed", map[string]interface{}{
			"detected_mime": report.DetectedMIME,
		})
	}

	// 5. Signature
	mark("signature")
	if !hasPDFSignature(data) {
		return report, ingesterr.NewValidationError(ingesterr.SubKindBadSignature, "file does not start with a PDF signature", nil)
	}

	// 6. SHA-256 file digest
	mark("sha256")
	sum := sha256.Sum256(data)
	report.SHA256 = hex.EncodeToString(sum[:])

	// 7. Content scan
	mark("content_scan")
	threat, warnings, urls := scanContent(data)
	report.Warnings = append(report.Warnings, warnings...)
	report.SuspiciousURLs = urls

	// 8. PDF structure
	mark("pdf_structure")
	structureWarnings := checkPDFStructure(data)
	report.Warnings = append(report.Warnings, structureWarnings...)
	if len(structureWarnings) > 0 {
		threat = maxThreat(threat, ThreatMedium)
	}

	// 9. PDF semantic
	mark("pdf_semantic")
	sem := analyzeSemantics(data, v.cfg.MaxPDFPages)
	report.PageCount = sem.pageCount
	report.Encrypted = sem.encrypted
	report.HasForms = sem.hasForms
	report.HasJavaScript = sem.hasJavaScript
	report.HasAttachments = sem.hasAttachments
	if sem.pageCount > v.cfg.MaxPDFPages {
		report.Warnings = append(report.Warnings, fmt.Sprintf("page count %d exceeds cap %d", sem.pageCount, v.cfg.MaxPDFPages))
		threat = maxThreat(threat, ThreatMedium)
	}
	if sem.encrypted {
		threat = maxThreat(threat, ThreatMedium)
	}

	report.ThreatLevel = threat

	if maxThreat(threat, ThreatHigh) == threat {
		if v.cfg.EnableQuarantine {
			if err := v.quarantine(data, filename, report); err != nil {
				v.logger.Error("failed to write quarantine artifact", "error", err)
			}
			report.Quarantined = true
			return report, ingesterr.NewValidationError(ingesterr.SubKindMalicious, "file flagged malicious and quarantined", map[string]interface{}{
				"threat_level": string(threat), "warnings": report.Warnings,
			})
		}
		report.Warnings = append(report.Warnings, "quarantine bypassed: quarantine disabled")
		v.logger.Warn("malicious-level file processed with quarantine disabled", "filename", filename, "threat", threat)
	}

	return report, nil
}

// checkRateLimit enforces per-client rolling 1h/24h windows using a Redis
// sorted set keyed by client, scored by upload timestamp (P7).
func (v *FileValidator) checkRateLimit(ctx context.Context, clientID string) error {
	now := time.Now()
	key := fmt.Sprintf("ratelimit:%s", clientID)

	windows := []struct {
		dur time.Duration
		cap int
	}{
		{time.Hour, v.cfg.MaxUploadsPerHour},
		{24 * time.Hour, v.cfg.MaxUploadsPerDay},
	}

	for _, w := range windows {
		cutoff := now.Add(-w.dur)
		if err := v.redis.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff.UnixNano())).Err(); err != nil {
			return fmt.Errorf("rate limit eviction failed: %w", err)
		}
		count, err := v.redis.ZCard(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("rate limit read failed: %w", err)
		}
		if int(count) >= w.cap {
			return ingesterr.NewValidationError(ingesterr.SubKindRateLimitExceeded, "upload rate limit exceeded", map[string]interface{}{
				"window": w.dur.String(), "cap": w.cap,
			})
		}
	}

	member := fmt.Sprintf("%d-%s", now.UnixNano(), clientID)
	if err := v.redis.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		return fmt.Errorf("rate limit record failed: %w", err)
	}
	v.redis.Expire(ctx, key, 25*time.Hour)
	return nil
}

func validateFilename(filename string, maxLen int, allowedExt map[string]bool) error {
	if filename == "" {
		return ingesterr.NewValidationError(ingesterr.SubKindBadName, "filename is empty", nil)
	}
	if len(filename) > maxLen {
		return ingesterr.NewValidationError(ingesterr.SubKindBadName, "filename exceeds maximum length", nil)
	}
	if strings.Contains(filename, "..") || strings.ContainsAny(filename, "/\\") {
		return ingesterr.NewValidationError(ingesterr.SubKindBadName, "filename contains path separators or traversal", nil)
	}
	if badNameChars.MatchString(filename) {
		return ingesterr.NewValidationError(ingesterr.SubKindBadName, "filename contains disallowed characters", nil)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExt[ext] {
		return ingesterr.NewValidationError(ingesterr.SubKindBadName, "file extension not allowed", map[string]interface{}{"extension": ext})
	}
	return nil
}

func hasPDFSignature(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF-1.")) || bytes.HasPrefix(data, []byte("%PDF-2."))
}

func scanContent(data []byte) (ThreatLevel, []string, []string) {
	threat := ThreatSafe
	var warnings []string

	for _, p := range suspiciousPatterns {
		if bytes.Contains(data, p) {
			warnings = append(warnings, fmt.Sprintf("suspicious token found: %s", p))
			threat = maxThreat(threat, ThreatHigh)
		}
	}
	for _, kw := range pdfSuspiciousKeywords {
		if bytes.Contains(data, kw) {
			warnings = append(warnings, fmt.Sprintf("active PDF content marker: %s", kw))
			threat = maxThreat(threat, ThreatMedium)
		}
	}
	for _, magic := range nativeExecMagic {
		if bytes.HasPrefix(data, magic) {
			warnings = append(warnings, "native executable magic bytes detected")
			threat = maxThreat(threat, ThreatCritical)
		}
	}

	urls := extractURLs(data)
	var suspicious []string
	for _, u := range urls {
		if isSuspiciousURL(u) {
			suspicious = append(suspicious, u)
			threat = maxThreat(threat, ThreatMedium)
		}
	}

	return threat, warnings, suspicious
}

func extractURLs(data []byte) []string {
	matches := urlPattern.FindAll(data, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, string(m))
	}
	return out
}

func isSuspiciousURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for host := range shortenerHosts {
		if strings.Contains(lower, host) {
			return true
		}
	}
	for port := range suspiciousPorts {
		if strings.Contains(rawURL, ":"+port) {
			return true
		}
	}
	return false
}

func maxThreat(a, b ThreatLevel) ThreatLevel {
	rank := map[ThreatLevel]int{ThreatSafe: 0, ThreatMedium: 1, ThreatHigh: 2, ThreatCritical: 3}
	if rank[a] >= rank[b] {
		return a
	}
	return b
}

// checkPDFStructure verifies header/EOF presence and sane object/stream
// counts without a full PDF parse (that happens downstream, in
// internal/pdfutil's text extractor).
func checkPDFStructure(data []byte) []string {
	var warnings []string
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		warnings = append(warnings, "missing PDF header")
	}
	if !bytes.Contains(data[max(0, len(data)-2048):], []byte("%%EOF")) {
		warnings = append(warnings, "missing PDF EOF marker")
	}
	objCount := bytes.Count(data, []byte(" obj"))
	streamCount := bytes.Count(data, []byte("stream"))
	const maxObjects = 200000
	const maxStreams = 200000
	if objCount > maxObjects {
		warnings = append(warnings, "object count exceeds sane cap")
	}
	if streamCount > maxStreams {
		warnings = append(warnings, "stream count exceeds sane cap")
	}
	return warnings
}

type semanticInfo struct {
	pageCount      int
	encrypted      bool
	hasForms       bool
	hasJavaScript  bool
	hasAttachments bool
}

// analyzeSemantics does a lightweight scan for high-level PDF semantics
// (page count approximation, encryption/forms/JS/attachments flags) purely
// from byte markers — the exact structural parse is owned by
// internal/pdfutil's PDF text extractor, not by the validator.
func analyzeSemantics(data []byte, maxPages int) semanticInfo {
	info := semanticInfo{}
	info.pageCount = bytes.Count(data, []byte("/Type /Page")) + bytes.Count(data, []byte("/Type/Page"))
	info.encrypted = bytes.Contains(data, []byte("/Encrypt"))
	info.hasForms = bytes.Contains(data, []byte("/AcroForm"))
	info.hasJavaScript = bytes.Contains(data, []byte("/JavaScript")) || bytes.Contains(data, []byte("/JS"))
	info.hasAttachments = bytes.Contains(data, []byte("/EmbeddedFile"))
	return info
}

// quarantine copies the file plus a JSON sidecar report into the quarantine
// directory, mirroring file_security.py's quarantine flow.
func (v *FileValidator) quarantine(data []byte, filename string, report *Report) error {
	if err := os.MkdirAll(v.cfg.QuarantineDir, 0o750); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}
	stamp := time.Now().UTC().Format("20060102T150405.000000000Z")
	base := fmt.Sprintf("%s_%s", stamp, sanitizeForPath(filename))

	filePath := filepath.Join(v.cfg.QuarantineDir, base)
	if err := os.WriteFile(filePath, data, 0o640); err != nil {
		return fmt.Errorf("write quarantined file: %w", err)
	}

	sidecar := map[string]interface{}{
		"original_filename": filename,
		"quarantined_at":    time.Now().UTC(),
		"threat_level":      report.ThreatLevel,
		"warnings":          report.Warnings,
		"sha256":            report.SHA256,
		"detected_mime":     report.DetectedMIME,
	}
	sidecarBytes, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal quarantine sidecar: %w", err)
	}
	return os.WriteFile(filePath+".json", sidecarBytes, 0o640)
}

func sanitizeForPath(name string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return replacer.Replace(name)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
