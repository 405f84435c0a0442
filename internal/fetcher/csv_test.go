package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, in string, opts CSVOptions) []Row {
	t.Helper()
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(in), opts)
	var rows []Row
	for row := range rowCh {
		rows = append(rows, row)
	}
	require.NoError(t, <-errCh)
	return rows
}

func TestStreamCSV_Basic(t *testing.T) {
	rows := collect(t, "1,10,pv\n2,20,buy\n", CSVOptions{})

	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Line)
	assert.Equal(t, []string{"1", "10", "pv"}, rows[0].Fields)
	assert.Equal(t, 2, rows[1].Line)
}

func TestStreamCSV_HeaderSkippedButLineNumbersKept(t *testing.T) {
	rows := collect(t, "user_id,price\n1,9.50\n", CSVOptions{HasHeader: true})

	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Line)
	assert.Equal(t, []string{"1", "9.50"}, rows[0].Fields)
}

func TestStreamCSV_TrimSpace(t *testing.T) {
	rows := collect(t, " 1 ,  pv\n", CSVOptions{TrimSpace: true})

	require.Len(t, rows, 1)
	assert.Equal(t, []string{"1", "pv"}, rows[0].Fields)
}

func TestStreamCSV_LimitStopsEarly(t *testing.T) {
	rows := collect(t, "1\n2\n3\n4\n5\n", CSVOptions{Limit: 2})
	assert.Len(t, rows, 2)
}

func TestStreamCSV_VariableFieldCounts(t *testing.T) {
	// Field-count validation belongs to the caller, not the parser.
	rows := collect(t, "1,2,3\n1,2\n", CSVOptions{})

	require.Len(t, rows, 2)
	assert.Len(t, rows[0].Fields, 3)
	assert.Len(t, rows[1].Fields, 2)
}

func TestStreamCSV_CustomDelimiter(t *testing.T) {
	rows := collect(t, "1|pv\n", CSVOptions{Delimiter: '|'})

	require.Len(t, rows, 1)
	assert.Equal(t, []string{"1", "pv"}, rows[0].Fields)
}

func TestStreamCSV_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rowCh, errCh := StreamCSV(ctx, strings.NewReader("1\n2\n"), CSVOptions{})
	for range rowCh {
	}
	err := <-errCh
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context cancelled")
}

func TestStreamCSVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644))

	rowCh, errCh, err := StreamCSVFile(context.Background(), path, CSVOptions{HasHeader: true})
	require.NoError(t, err)

	var rows []Row
	for row := range rowCh {
		rows = append(rows, row)
	}
	require.NoError(t, <-errCh)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"1", "2"}, rows[0].Fields)
}

func TestStreamCSVFile_MissingFile(t *testing.T) {
	_, _, err := StreamCSVFile(context.Background(), "does-not-exist.csv", CSVOptions{})
	require.Error(t, err)
}
