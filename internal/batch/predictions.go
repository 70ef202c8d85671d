package batch

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Prediction is one row of a batch scoring output file. Output CSVs have no
// header and positional columns: row number within the source file, the
// feature vector, and the source file name last. Column meaning is supplied
// by the caller, not the wire format.
type Prediction struct {
	RowNumber  int
	Embedding  []float64
	SourceFile string
}

// ReadPredictions parses a headerless prediction CSV. Rows may have varying
// vector widths across deployments, so only the first and last columns have
// fixed meaning.
func ReadPredictions(r io.Reader) ([]Prediction, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var preds []Prediction
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read prediction row %d: %w", line, err)
		}
		line++

		if len(record) < 3 {
			return nil, fmt.Errorf("prediction row %d has %d columns, want at least 3", line, len(record))
		}

		rowNum, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil {
			return nil, fmt.Errorf("prediction row %d has invalid row number %q: %w", line, record[0], err)
		}

		vector := make([]float64, 0, len(record)-2)
		for _, field := range record[1 : len(record)-1] {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("prediction row %d has invalid vector value %q: %w", line, field, err)
			}
			vector = append(vector, v)
		}

		preds = append(preds, Prediction{
			RowNumber:  rowNum,
			Embedding:  vector,
			SourceFile: strings.TrimSpace(record[len(record)-1]),
		})
	}
	return preds, nil
}

// chunkIndex extracts the chunk ordinal from a chunk file name produced by
// ChunkFileName. Unknown names sort after all known chunks.
func chunkIndex(name string) int {
	base := name
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	base = strings.TrimSuffix(strings.TrimPrefix(base, "input-"), ".csv")
	idx, err := strconv.Atoi(base)
	if err != nil {
		return int(^uint(0) >> 1)
	}
	return idx
}

// SortPredictions orders predictions by originating chunk and row number,
// reconstructing the order of the original input sequence.
func SortPredictions(preds []Prediction) {
	sort.SliceStable(preds, func(i, j int) bool {
		ci, cj := chunkIndex(preds[i].SourceFile), chunkIndex(preds[j].SourceFile)
		if ci != cj {
			return ci < cj
		}
		return preds[i].RowNumber < preds[j].RowNumber
	})
}

// WritePredictions writes predictions in the same headerless positional
// format the platform emits, so merged outputs stay consumable by the same
// readers.
func WritePredictions(w io.Writer, preds []Prediction) error {
	writer := csv.NewWriter(w)
	for _, p := range preds {
		record := make([]string, 0, len(p.Embedding)+2)
		record = append(record, strconv.Itoa(p.RowNumber))
		for _, v := range p.Embedding {
			record = append(record, strconv.FormatFloat(v, 'g', -1, 64))
		}
		record = append(record, p.SourceFile)
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write prediction row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}
