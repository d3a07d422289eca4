package sqlitevec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/evermem/memsrv/pkg/memerr"
)

// encodeVector packs a vector as a little-endian float32 blob with a uint32
// length prefix.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4+4*len(v))
	binary.LittleEndian.PutUint32(buf, uint32(len(v)))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4+i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob) < 4 {
		return nil, memerr.Database("vector blob too short")
	}
	n := int(binary.LittleEndian.Uint32(blob))
	if len(blob) != 4+4*n {
		return nil, memerr.Database(fmt.Sprintf("vector blob length mismatch: header says %d floats, blob has %d bytes", n, len(blob)))
	}
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4+i*4:]))
	}
	return v, nil
}

// cosineSimilarity returns the cosine of the angle between a and b, clamped
// to [0, 1] to match the contract shared with the pgvector backend. Zero
// vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
