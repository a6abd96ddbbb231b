package storage

import (
	"math"
	"testing"
)

func TestEncodeDecodeVectorRoundTrip(t *testing.T) {
	in := []float32{0, 1, -1.5, math.MaxFloat32, -math.MaxFloat32, 3.14159}

	encoded, err := encodeVector(in)
	if err != nil {
		t.Fatalf("encodeVector: %v", err)
	}
	if len(encoded) != len(in)*4 {
		t.Fatalf("encoded length = %d, want %d", len(encoded), len(in)*4)
	}

	decoded, err := decodeVector(encoded)
	if err != nil {
		t.Fatalf("decodeVector: %v", err)
	}
	if len(decoded) != len(in) {
		t.Fatalf("decoded length = %d, want %d", len(decoded), len(in))
	}
	for i := range in {
		if decoded[i] != in[i] {
			t.Errorf("decoded[%d] = %v, want %v", i, decoded[i], in[i])
		}
	}
}

func TestDecodeVectorRejectsMisalignedLength(t *testing.T) {
	if _, err := decodeVector([]byte{1, 2, 3}); err == nil {
		t.Fatal("decodeVector should reject a length that isn't a multiple of 4")
	}
}

func TestEncodeVectorEmpty(t *testing.T) {
	encoded, err := encodeVector(nil)
	if err != nil {
		t.Fatalf("encodeVector(nil): %v", err)
	}
	if len(encoded) != 0 {
		t.Fatalf("expected empty encoding, got %d bytes", len(encoded))
	}
}
