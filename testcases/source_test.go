package testcases

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDataset(t *testing.T, dir, id, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), []byte(content), 0o644))
}

func TestStaticSourceLoadsDatasets(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, "billing", `[
		{"input": "refund request", "expected_output": "refund confirmed"},
		{"input": "invoice question", "expected_output": "invoice explained", "context": "enterprise customer"}
	]`)
	writeDataset(t, dir, "shipping", `[
		{"input": "where is my order", "expected_output": "tracking link"}
	]`)

	source := NewStaticSource(dir)

	cases, err := source.LoadEvaluationCases(context.Background(), []string{"billing", "shipping"}, 0)
	require.NoError(t, err)
	require.Len(t, cases, 3)
	assert.Equal(t, "refund request", cases[0].Input)
	assert.Equal(t, "enterprise customer", cases[1].Context)

	capped, err := source.LoadEvaluationCases(context.Background(), []string{"billing", "shipping"}, 2)
	require.NoError(t, err)
	assert.Len(t, capped, 2)
}

func TestStaticSourceErrors(t *testing.T) {
	dir := t.TempDir()
	source := NewStaticSource(dir)

	_, err := source.LoadEvaluationCases(context.Background(), nil, 5)
	assert.Error(t, err, "static source needs dataset ids")

	_, err = source.LoadEvaluationCases(context.Background(), []string{"missing"}, 5)
	assert.Error(t, err)

	writeDataset(t, dir, "broken", `{"not": "an array"}`)
	_, err = source.LoadEvaluationCases(context.Background(), []string{"broken"}, 5)
	assert.Error(t, err)
}
