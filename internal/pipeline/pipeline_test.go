package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/refserver/paperingest/internal/clients"
)

func TestEncodeLayoutPagesProducesValidJSON(t *testing.T) {
	pages := [][]clients.LayoutPageElement{
		{{Type: "title", Bbox: [4]float64{0, 0, 100, 20}, Text: "A Paper"}},
		{{Type: "paragraph", Bbox: [4]float64{0, 25, 100, 200}, Text: "body text"}},
	}

	encoded := encodeLayoutPages(pages)

	var decoded [][]clients.LayoutPageElement
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("encodeLayoutPages output did not round-trip as JSON: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("got %d pages, want 2", len(decoded))
	}
	if decoded[0][0].Type != "title" || decoded[1][0].Type != "paragraph" {
		t.Fatalf("unexpected decoded elements: %+v", decoded)
	}
}

func TestEncodeLayoutPagesEmpty(t *testing.T) {
	encoded := encodeLayoutPages(nil)
	var decoded [][]clients.LayoutPageElement
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("empty input did not produce valid JSON: %v", err)
	}
	if len(decoded) != 0 {
		t.Fatalf("got %d pages, want 0", len(decoded))
	}
}
