// Package consistency implements C8 ConsistencyChecker: a cross-store
// drift report between the relational Paper table and the Qdrant vector
// store, plus a severity-gated auto-fix pass. Grounded on the teacher's
// internal/storage/storage_manager.go (the same Postgres+Qdrant pairing
// this package audits) and duplicate.CleanupOrphans' orphan-row deletion,
// reused here as the low-severity auto-fix.
package consistency

import (
	"context"
	"fmt"

	"github.com/refserver/paperingest/internal/duplicate"
	"github.com/refserver/paperingest/internal/logging"
	"github.com/refserver/paperingest/internal/storage"
)

// Severity buckets the impact of a detected inconsistency, per spec.md §4.8.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Issue is one detected inconsistency.
type Issue struct {
	Severity    Severity
	Category    string
	DocID       string
	Detail      string
	AutoFixable bool
}

// Report is the full result of a single check pass.
type Report struct {
	PaperCount        int64
	VectorDocCount    int64
	CountsMatch       bool
	Issues            []Issue
	OrphanHashesFound int64
}

// Checker audits the relational store against the vector store.
type Checker struct {
	rel      *storage.RelationalStore
	vec      *storage.VectorStore
	detector *duplicate.Detector
	logger   *logging.Logger
}

func New(rel *storage.RelationalStore, vec *storage.VectorStore, detector *duplicate.Detector, logger *logging.Logger) *Checker {
	return &Checker{rel: rel, vec: vec, detector: detector, logger: logger}
}

// Check produces a drift Report without fixing anything.
func (c *Checker) Check(ctx context.Context) (*Report, error) {
	paperCount, err := c.rel.CountPapers(ctx)
	if err != nil {
		return nil, fmt.Errorf("count papers: %w", err)
	}

	papers, err := c.rel.ListPaperIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list paper identities: %w", err)
	}
	papersByID := make(map[string]storage.PaperIdentity, len(papers))
	for _, p := range papers {
		papersByID[p.DocID] = p
	}

	points, err := c.vec.ScrollAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("scroll vector points: %w", err)
	}
	docVectorsByID := make(map[string]*storage.VectorPoint)
	for _, pt := range points {
		if kind, _ := pt.Metadata["kind"].(string); kind == "document" {
			docVectorsByID[pt.ID] = pt
		}
	}

	report := &Report{PaperCount: paperCount, VectorDocCount: int64(len(docVectorsByID))}
	report.CountsMatch = report.PaperCount == report.VectorDocCount
	if !report.CountsMatch {
		report.Issues = append(report.Issues, Issue{
			Severity: SeverityHigh, Category: "count_parity",
			Detail: fmt.Sprintf("papers=%d vector_documents=%d", report.PaperCount, report.VectorDocCount),
		})
	}

	for docID := range papersByID {
		if _, ok := docVectorsByID[docID]; !ok {
			report.Issues = append(report.Issues, Issue{
				Severity: SeverityHigh, Category: "paper_without_vector", DocID: docID,
				Detail: "paper row has no matching document vector",
			})
		}
	}

	for docID, pt := range docVectorsByID {
		paper, ok := papersByID[docID]
		if !ok {
			report.Issues = append(report.Issues, Issue{
				Severity: SeverityHigh, Category: "vector_without_paper", DocID: docID,
				Detail: "document vector has no matching paper row",
			})
			continue
		}
		vectorContentID, _ := pt.Metadata["content_id"].(string)
		if paper.ContentID != "" && vectorContentID != "" && paper.ContentID != vectorContentID {
			report.Issues = append(report.Issues, Issue{
				Severity: SeverityMedium, Category: "content_id_mismatch", DocID: docID,
				Detail: fmt.Sprintf("paper.content_id=%s vector.content_id=%s", paper.ContentID, vectorContentID),
			})
		}
	}

	report.Issues = append(report.Issues, c.criticalIssues(papersByID, docVectorsByID)...)

	orphans, err := c.rel.CountOrphanHashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("count orphan hashes: %w", err)
	}
	report.OrphanHashesFound = orphans
	if orphans > 0 {
		report.Issues = append(report.Issues, Issue{
			Severity: SeverityLow, Category: "orphan_hash_rows",
			Detail:      fmt.Sprintf("%d file/content/sample-embedding hash rows reference a doc_id with no Paper", orphans),
			AutoFixable: true,
		})
	}

	return report, nil
}

// criticalIssues flags inconsistencies that would make the duplicate
// cascade return the wrong identity: two papers sharing one content_id
// (spec.md's "would cause the pipeline to return wrong identity on
// duplicate hits"). Vector payloads are not examined here.
func (c *Checker) criticalIssues(papersByID map[string]storage.PaperIdentity, docVectorsByID map[string]*storage.VectorPoint) []Issue {
	var issues []Issue
	seenContentID := make(map[string]string) // content_id -> first doc_id
	for docID, p := range papersByID {
		if p.ContentID == "" {
			continue
		}
		if other, ok := seenContentID[p.ContentID]; ok {
			issues = append(issues, Issue{
				Severity: SeverityCritical, Category: "duplicate_content_id",
				DocID:  docID,
				Detail: fmt.Sprintf("content_id %s is shared with paper %s; duplicate detection will match the wrong document", p.ContentID, other),
			})
			continue
		}
		seenContentID[p.ContentID] = docID
	}
	return issues
}

// AutoFix applies every fix at or below maxSeverity. Only "low" (orphan
// hash rows) and "medium" (content_id drift, corrected from the vector's
// payload since the vector write happened first) categories are ever
// fixable; "high" and "critical" issues always require manual
// intervention, matching spec.md's policy that a missing vector is never
// silently re-created from a recomputed embedding.
func (c *Checker) AutoFix(ctx context.Context, report *Report, maxSeverity Severity) (fixed int, err error) {
	allowed := severityRank(maxSeverity)

	for _, issue := range report.Issues {
		if severityRank(issue.Severity) > allowed {
			continue
		}
		switch issue.Category {
		case "content_id_mismatch":
			if err := c.fixContentIDMismatch(ctx, issue); err != nil {
				c.logger.Error("auto-fix failed", "category", issue.Category, "doc_id", issue.DocID, "error", err)
				continue
			}
			fixed++
		}
	}

	if severityRank(SeverityLow) <= allowed {
		n, err := c.detector.CleanupOrphans(ctx)
		if err != nil {
			return fixed, fmt.Errorf("cleanup orphan hashes: %w", err)
		}
		report.OrphanHashesFound = n
		fixed += int(n)
	}

	return fixed, nil
}

func (c *Checker) fixContentIDMismatch(ctx context.Context, issue Issue) error {
	point, err := c.vec.Get(ctx, issue.DocID)
	if err != nil {
		return fmt.Errorf("refetch vector point: %w", err)
	}
	if point == nil {
		return fmt.Errorf("vector point %s vanished since the check ran", issue.DocID)
	}
	contentID, _ := point.Metadata["content_id"].(string)

	paper, err := c.rel.GetPaper(ctx, issue.DocID)
	if err != nil {
		return fmt.Errorf("refetch paper: %w", err)
	}
	paper.ContentID = contentID
	return c.rel.UpsertPaper(ctx, paper)
}

func severityRank(s Severity) int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}
