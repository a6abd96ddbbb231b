package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// encodeVector packs a []float32 into a little-endian byte blob for SQLite
// storage (page embeddings are also held in Qdrant; the relational copy is
// kept for CPU-only export/backup without needing a Qdrant round trip).
func encodeVector(v []float32) ([]byte, error) {
	buf := new(bytes.Buffer)
	for _, f := range v {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// decodeVector is the inverse of encodeVector.
func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	r := bytes.NewReader(b)
	for i := range out {
		if err := binary.Read(r, binary.LittleEndian, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
