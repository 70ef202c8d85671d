package batch

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadPredictions(t *testing.T) {
	input := strings.Join([]string{
		"0,0.1,0.2,0.3,input-00000.csv",
		"1,0.4,0.5,0.6,input-00000.csv",
	}, "\n")

	preds, err := ReadPredictions(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, preds, 2)

	assert.Equal(t, 0, preds[0].RowNumber)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, preds[0].Embedding)
	assert.Equal(t, "input-00000.csv", preds[0].SourceFile)

	assert.Equal(t, 1, preds[1].RowNumber)
	assert.Equal(t, []float64{0.4, 0.5, 0.6}, preds[1].Embedding)
}

func TestReadPredictions_VariableWidth(t *testing.T) {
	input := "0,1.5,input-00000.csv\n1,2.5,3.5,4.5,5.5,input-00000.csv\n"

	preds, err := ReadPredictions(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.Len(t, preds[0].Embedding, 1)
	assert.Len(t, preds[1].Embedding, 4)
}

func TestReadPredictions_Malformed(t *testing.T) {
	_, err := ReadPredictions(strings.NewReader("not-a-number,0.1,input-00000.csv\n"))
	require.Error(t, err)

	_, err = ReadPredictions(strings.NewReader("0,not-a-float,input-00000.csv\n"))
	require.Error(t, err)

	_, err = ReadPredictions(strings.NewReader("0,input-00000.csv\n"))
	require.Error(t, err, "rows need at least row number, one value, and source file")
}

func TestSortPredictions(t *testing.T) {
	preds := []Prediction{
		{RowNumber: 1, SourceFile: "input-00001.csv"},
		{RowNumber: 0, SourceFile: "input-00001.csv"},
		{RowNumber: 1, SourceFile: "input-00000.csv"},
		{RowNumber: 0, SourceFile: "input-00000.csv"},
	}

	SortPredictions(preds)

	assert.Equal(t, "input-00000.csv", preds[0].SourceFile)
	assert.Equal(t, 0, preds[0].RowNumber)
	assert.Equal(t, "input-00000.csv", preds[1].SourceFile)
	assert.Equal(t, 1, preds[1].RowNumber)
	assert.Equal(t, "input-00001.csv", preds[2].SourceFile)
	assert.Equal(t, 0, preds[2].RowNumber)
}

func TestWritePredictions_RoundTrip(t *testing.T) {
	preds := []Prediction{
		{RowNumber: 0, Embedding: []float64{0.25, -1.5}, SourceFile: "input-00000.csv"},
		{RowNumber: 1, Embedding: []float64{3, 4.125}, SourceFile: "input-00000.csv"},
	}

	var buf bytes.Buffer
	require.NoError(t, WritePredictions(&buf, preds))

	readBack, err := ReadPredictions(&buf)
	require.NoError(t, err)
	assert.Equal(t, preds, readBack)
}
