package vision

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// vocabularyFormatVersion is the version byte written first in every
// serialized VocabularyIndex blob; loaders reject any other value.
const vocabularyFormatVersion byte = 1

// Marshal serializes the index to the persisted-state format spec.md §6
// describes: version byte, k, L, W, the level-0 and level-1 centroids,
// per-word idf, and each
// target's sparse word->weight vector.
func (v *VocabularyIndex) Marshal() ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var buf bytes.Buffer
	buf.WriteByte(vocabularyFormatVersion)
	writeInt32(&buf, int32(v.k))
	writeInt32(&buf, int32(v.l))

	w := v.words()
	writeInt32(&buf, int32(w))

	if len(v.centroids) == 2 {
		writeInt32(&buf, int32(len(v.centroids[0])))
		for _, c := range v.centroids[0] {
			writeBytes(&buf, c)
		}
		writeInt32(&buf, int32(len(v.centroids[1])))
		for _, c := range v.centroids[1] {
			writeBytes(&buf, c)
		}
	} else {
		writeInt32(&buf, 0)
		writeInt32(&buf, 0)
	}

	for _, weight := range v.idf {
		writeFloat64(&buf, weight)
	}

	writeInt32(&buf, int32(len(v.vectors)))
	for id, vec := range v.vectors {
		writeString(&buf, id)
		n := vec.Len()
		var entries int32
		for i := 0; i < n; i++ {
			if vec.AtVec(i) != 0 {
				entries++
			}
		}
		writeInt32(&buf, entries)
		for i := 0; i < n; i++ {
			if val := vec.AtVec(i); val != 0 {
				writeInt32(&buf, int32(i))
				writeFloat64(&buf, val)
			}
		}
	}
	return buf.Bytes(), nil
}

// Unmarshal replaces v's contents with a previously Marshal-ed blob.
// Rejects mismatched version bytes per the persisted-state contract.
func (v *VocabularyIndex) Unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	version, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("vision: read vocabulary version: %w", err)
	}
	if version != vocabularyFormatVersion {
		return fmt.Errorf("vision: unsupported vocabulary format version %d", version)
	}

	k, err := readInt32(r)
	if err != nil {
		return err
	}
	l, err := readInt32(r)
	if err != nil {
		return err
	}
	w, err := readInt32(r)
	if err != nil {
		return err
	}

	n0, err := readInt32(r)
	if err != nil {
		return err
	}
	level0 := make([][]byte, n0)
	for i := range level0 {
		level0[i], err = readBytes(r)
		if err != nil {
			return err
		}
	}
	n1, err := readInt32(r)
	if err != nil {
		return err
	}
	level1 := make([][]byte, n1)
	for i := range level1 {
		level1[i], err = readBytes(r)
		if err != nil {
			return err
		}
	}

	idf := make([]float64, w)
	for i := range idf {
		idf[i], err = readFloat64(r)
		if err != nil {
			return err
		}
	}

	nTargets, err := readInt32(r)
	if err != nil {
		return err
	}
	decoded := make(map[string][]float64, nTargets)
	for i := int32(0); i < nTargets; i++ {
		id, err := readString(r)
		if err != nil {
			return err
		}
		entries, err := readInt32(r)
		if err != nil {
			return err
		}
		dense := make([]float64, w)
		for e := int32(0); e < entries; e++ {
			idx, err := readInt32(r)
			if err != nil {
				return err
			}
			val, err := readFloat64(r)
			if err != nil {
				return err
			}
			if int(idx) < len(dense) {
				dense[int(idx)] = val
			}
		}
		decoded[id] = dense
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.k = int(k)
	v.l = int(l)
	v.idf = idf
	v.centroids = [][][]byte{level0, level1}
	v.vectors = make(map[string]*mat.VecDense, len(decoded))
	for id, dense := range decoded {
		v.vectors[id] = mat.NewVecDense(len(dense), dense)
	}
	v.built = true
	return nil
}

func writeInt32(buf *bytes.Buffer, v int32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	buf.Write(tmp[:])
}

func writeFloat64(buf *bytes.Buffer, v float64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v))
	buf.Write(tmp[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeInt32(buf, int32(len(b)))
	buf.Write(b)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func readInt32(r *bytes.Reader) (int32, error) {
	var tmp [4]byte
	if _, err := r.Read(tmp[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(tmp[:])), nil
}

func readFloat64(r *bytes.Reader) (float64, error) {
	var tmp [8]byte
	if _, err := r.Read(tmp[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(tmp[:])), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
