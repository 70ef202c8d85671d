package batch

import (
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DefaultChunkSize is the number of input rows written per chunk file. Batch
// endpoints process one file per mini-batch, so this bounds the unit of work
// on the serving side.
const DefaultChunkSize = 10

// Row is a single batch-input record. Image holds either base64-encoded image
// bytes or a URL; either field may be empty depending on the deployment's
// input signature.
type Row struct {
	Image string
	Text  string
}

// ChunkRows partitions rows into contiguous, non-overlapping chunks of at
// most chunkSize rows, preserving order. The final chunk may be smaller.
func ChunkRows(rows []Row, chunkSize int) ([][]Row, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d, must be positive", chunkSize)
	}

	var chunks [][]Row
	for start := 0; start < len(rows); start += chunkSize {
		end := start + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[start:end])
	}
	return chunks, nil
}

// ChunkFileName returns the deterministic file name for chunk i. Prediction
// outputs reference these names, so the ordering of the original row sequence
// can be reconstructed from them.
func ChunkFileName(i int) string {
	return fmt.Sprintf("input-%05d.csv", i)
}

// WriteChunks writes rows into per-chunk CSV files under dir and returns the
// created file paths in chunk order. Each file carries an "image,text" header
// row.
func WriteChunks(dir string, rows []Row, chunkSize int) ([]string, error) {
	chunks, err := ChunkRows(rows, chunkSize)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory %s: %w", dir, err)
	}

	var paths []string
	for i, chunk := range chunks {
		path := filepath.Join(dir, ChunkFileName(i))
		if err := writeChunkFile(path, chunk); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeChunkFile(path string, rows []Row) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create chunk file %s: %w", path, err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write([]string{"image", "text"}); err != nil {
		return fmt.Errorf("failed to write header to %s: %w", path, err)
	}
	for _, row := range rows {
		if err := w.Write([]string{row.Image, row.Text}); err != nil {
			return fmt.Errorf("failed to write row to %s: %w", path, err)
		}
	}
	w.Flush()
	return w.Error()
}

// ReadRows parses a batch-input CSV with an "image,text" header.
func ReadRows(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read input header: %w", err)
	}
	if len(header) != 2 || header[0] != "image" || header[1] != "text" {
		return nil, fmt.Errorf("unexpected input header %v, want [image text]", header)
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read input row: %w", err)
		}
		rows = append(rows, Row{Image: record[0], Text: record[1]})
	}
	return rows, nil
}

// EncodeImageFile reads a local image and returns its base64 encoding for the
// image column.
func EncodeImageFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read image %s: %w", path, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
