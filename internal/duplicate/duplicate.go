// Package duplicate implements C2 DuplicateDetector: the three-layer
// file/content/sample-embedding cascade. Grounded on
// original_source/app/duplicate_detector.py's compute_file_hash /
// extract_pdf_metadata_and_text / compute_content_hash /
// extract_sample_text / compute_sample_embedding / compute_embedding_hash
// methods, restructured from the Python class's per-layer check/save method
// pairs into a single cascading Check + a pure-I/O Record, per the
// re-entrance constraint on Pipeline → DuplicateDetector → Embedding →
// Pipeline.
package duplicate

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/refserver/paperingest/internal/clients"
	"github.com/refserver/paperingest/internal/logging"
	"github.com/refserver/paperingest/internal/model"
	"github.com/refserver/paperingest/internal/pdfutil"
	"github.com/refserver/paperingest/internal/storage"
)

const sampleStrategy = "first_last_middle"

// Detector runs the L0/L1/L2 cascade against a RelationalStore.
type Detector struct {
	store     *storage.RelationalStore
	embedding clients.EmbeddingCapability // may be nil: L2 is then skipped
	logger    *logging.Logger
}

func New(store *storage.RelationalStore, embedding clients.EmbeddingCapability, logger *logging.Logger) *Detector {
	return &Detector{store: store, embedding: embedding, logger: logger}
}

// CheckResult is the outcome of Check, including any data computed along
// the way so Record never needs to recompute or re-invoke the embedding
// capability.
type CheckResult struct {
	MatchedDocID string
	Layer        model.DetectionLayer
	Result       model.DetectionResult
	Elapsed      time.Duration

	fileMD5       string
	fileSize      int64
	pdfInfo       *pdfutil.Info
	contentDigest string
	sampleText    string
	sampleVector  []float32
	embeddingDigest string
}

// Check runs the cascade: L0 file hash, L1 content hash, L2 sample-embedding
// hash, short-circuiting on the first hit. Every layer's failure is caught
// and logged; the cascade proceeds to the next layer.
func (d *Detector) Check(ctx context.Context, data []byte, filename string) (*CheckResult, error) {
	start := time.Now()
	res := &CheckResult{fileSize: int64(len(data))}

	var l0, l1, l2 *time.Duration

	// L0: file hash
	l0Start := time.Now()
	res.fileMD5 = md5Hex(data)
	docID0, err0 := d.checkFileHash(ctx, res.fileMD5)
	d0 := time.Since(l0Start)
	l0 = &d0
	if err0 != nil {
		d.logger.Error("L0 file-hash check failed", "error", err0)
	} else if docID0 != "" {
		d.finishLog(ctx, res, filename, model.DetectionDuplicateFound, model.LayerFileHash, docID0, start, l0, l1, l2)
		res.MatchedDocID, res.Layer, res.Result = docID0, model.LayerFileHash, model.DetectionDuplicateFound
		res.Elapsed = time.Since(start)
		return res, nil
	}

	// L1: content hash
	l1Start := time.Now()
	info, err := pdfutil.Extract(data)
	if err != nil {
		d.logger.Error("L1 pdf extraction failed", "error", err)
	} else {
		res.pdfInfo = info
		res.contentDigest = contentDigest(info)
		docID, err := d.checkContentHash(ctx, res.contentDigest)
		if err != nil {
			d.logger.Error("L1 content-hash check failed", "error", err)
		} else if docID != "" {
			d1 := time.Since(l1Start)
			l1 = &d1
			d.finishLog(ctx, res, filename, model.DetectionDuplicateFound, model.LayerContentHash, docID, start, l0, l1, l2)
			res.MatchedDocID, res.Layer, res.Result = docID, model.LayerContentHash, model.DetectionDuplicateFound
			res.Elapsed = time.Since(start)
			return res, nil
		}
	}
	d1 := time.Since(l1Start)
	l1 = &d1

	// L2: sample-embedding hash
	if d.embedding != nil && res.pdfInfo != nil {
		l2Start := time.Now()
		res.sampleText = sampleText(res.pdfInfo)
		if res.sampleText != "" {
			vec, err := d.embedding.Embed(ctx, res.sampleText)
			if err != nil {
				d.logger.Error("L2 embedding failed", "error", err)
			} else {
				res.sampleVector = vec
				res.embeddingDigest = vectorDigest(vec)
				docID, err := d.checkSampleEmbeddingHash(ctx, res.embeddingDigest)
				if err != nil {
					d.logger.Error("L2 sample-embedding-hash check failed", "error", err)
				} else if docID != "" {
					d2 := time.Since(l2Start)
					l2 = &d2
					d.finishLog(ctx, res, filename, model.DetectionDuplicateFound, model.LayerSampleEmbed, docID, start, l0, l1, l2)
					res.MatchedDocID, res.Layer, res.Result = docID, model.LayerSampleEmbed, model.DetectionDuplicateFound
					res.Elapsed = time.Since(start)
					return res, nil
				}
			}
		}
		d2 := time.Since(l2Start)
		l2 = &d2
	}

	d.finishLog(ctx, res, filename, model.DetectionNoDuplicate, model.LayerNone, "", start, l0, l1, l2)
	res.Result, res.Layer = model.DetectionNoDuplicate, model.LayerNone
	res.Elapsed = time.Since(start)
	return res, nil
}

// Record persists the hash rows for a confirmed new Paper, reusing any
// vector/digest material CheckResult already computed rather than
// reinvoking the embedding capability (breaking the cyclic risk of
// Pipeline → DuplicateDetector → Embedding → Pipeline).
func (d *Detector) Record(ctx context.Context, check *CheckResult, docID string) map[string]bool {
	now := time.Now()
	saved := map[string]bool{"file_hash": false, "content_hash": false, "sample_embedding_hash": false}

	if check.fileMD5 != "" {
		if err := d.store.InsertFileHash(ctx, &model.FileHash{
			FileMD5: check.fileMD5, FileSize: check.fileSize, DocID: docID, CreatedAt: now,
		}); err != nil {
			d.logger.Error("failed to save file hash", "error", err)
		} else {
			saved["file_hash"] = true
		}
	}

	if check.pdfInfo != nil && check.contentDigest != "" {
		if err := d.store.InsertContentHash(ctx, &model.ContentHash{
			ContentDigest: check.contentDigest, PDFTitle: check.pdfInfo.Title, PDFAuthor: check.pdfInfo.Author,
			PDFCreator: check.pdfInfo.Creator, FirstThreePages: check.pdfInfo.FirstNPagesText(3),
			PageCount: check.pdfInfo.PageCount, DocID: docID, CreatedAt: now,
		}); err != nil {
			d.logger.Error("failed to save content hash", "error", err)
		} else {
			saved["content_hash"] = true
		}
	}

	if check.sampleVector != nil && check.embeddingDigest != "" {
		vecBytes := float32sToLEBytes(check.sampleVector)
		if err := d.store.InsertSampleEmbeddingHash(ctx, &model.SampleEmbeddingHash{
			EmbeddingDigest: check.embeddingDigest, Strategy: sampleStrategy, SampleText: check.sampleText,
			VectorBytes: vecBytes, Dimension: len(check.sampleVector), DocID: docID, CreatedAt: now,
		}); err != nil {
			d.logger.Error("failed to save sample embedding hash", "error", err)
		} else {
			saved["sample_embedding_hash"] = true
		}
	}

	return saved
}

func (d *Detector) checkFileHash(ctx context.Context, md5 string) (string, error) {
	h, err := d.store.FindFileHash(ctx, md5)
	if err != nil || h == nil {
		return "", err
	}
	return h.DocID, nil
}

func (d *Detector) checkContentHash(ctx context.Context, digest string) (string, error) {
	h, err := d.store.FindContentHash(ctx, digest)
	if err != nil || h == nil {
		return "", err
	}
	return h.DocID, nil
}

func (d *Detector) checkSampleEmbeddingHash(ctx context.Context, digest string) (string, error) {
	h, err := d.store.FindSampleEmbeddingHash(ctx, digest)
	if err != nil || h == nil {
		return "", err
	}
	return h.DocID, nil
}

func (d *Detector) finishLog(ctx context.Context, res *CheckResult, filename string, result model.DetectionResult, layer model.DetectionLayer, matchedDocID string, start time.Time, l0, l1, l2 *time.Duration) {
	elapsed := time.Since(start)
	log := &model.DetectionLog{
		DetectionID:        uuid.New().String(),
		Filename:           filename,
		FileSize:           res.fileSize,
		Result:             result,
		Layer:              layer,
		MatchedDocID:       matchedDocID,
		TotalTime:          elapsed,
		L0Time:             l0,
		L1Time:             l1,
		L2Time:             l2,
		EstimatedTimeSaved: estimatedTimeSaved(result, res.fileSize, elapsed),
		CreatedAt:          time.Now(),
	}
	if err := d.store.InsertDetectionLog(ctx, log); err != nil {
		d.logger.Error("failed to write detection log", "error", err)
	}
}

// estimatedTimeSaved implements spec.md's
// max(0, 60 + file_size_MiB*20 - elapsed) formula.
func estimatedTimeSaved(result model.DetectionResult, fileSize int64, elapsed time.Duration) time.Duration {
	if result != model.DetectionDuplicateFound {
		return 0
	}
	fileSizeMiB := float64(fileSize) / (1024 * 1024)
	seconds := 60 + fileSizeMiB*20 - elapsed.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func contentDigest(info *pdfutil.Info) string {
	text := info.FirstNPagesText(3)
	if len(text) > 5000 {
		text = text[:5000]
	}
	input := fmt.Sprintf("title:%s|author:%s|creator:%s|pages:%d|text:%s",
		info.Title, info.Author, info.Creator, info.PageCount, text)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// sampleText implements the first_last_middle sampling strategy: pages 1,
// N/2, N (deduplicated), up to 1 KiB each, concatenated to <=4 KiB.
func sampleText(info *pdfutil.Info) string {
	n := info.PageCount
	if n == 0 {
		return ""
	}
	pageSet := map[int]bool{0: true}
	if n >= 2 {
		pageSet[n/2-1] = true
		pageSet[n-1] = true
	}

	var pages []int
	for p := range pageSet {
		if p >= 0 && p < len(info.Pages) {
			pages = append(pages, p)
		}
	}
	sortInts(pages)

	var out string
	for _, p := range pages {
		text := info.Pages[p]
		if len(text) > 1024 {
			text = text[:1024]
		}
		out += text + "\n"
	}
	if len(out) > 4096 {
		out = out[:4096]
	}
	return out
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func vectorDigest(vec []float32) string {
	sum := sha256.Sum256(float32sToLEBytes(vec))
	return hex.EncodeToString(sum[:])
}

func float32sToLEBytes(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
