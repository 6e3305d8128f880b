package warehouse

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/ingest"
)

func TestLoad_ReportsPreview(t *testing.T) {
	l := openTestLoader(t)

	res, err := l.Load(t.Context(), ingest.Spec{SourcePath: writeCSV(t, sampleCSV), Table: "transactions"})
	require.NoError(t, err)

	want := "| Time | V1 | Amount | Class |\n" +
		"| --- | --- | --- | --- |\n" +
		"| 0 | -1.3598071336738 | 149.62 | 0 |\n" +
		"| 0 | 1.19185711131486 | 2.69 | 0 |\n" +
		"| 1 | -1.35835406159823 | 378.66 | 1 |\n"
	assert.Equal(t, want, res.Preview)
}

func TestPreview_LimitsRows(t *testing.T) {
	l := openTestLoader(t)
	var csv strings.Builder
	csv.WriteString("id,note\n")
	for i := 1; i <= 8; i++ {
		fmt.Fprintf(&csv, "%d,row %d\n", i, i)
	}
	_, err := l.Load(t.Context(), ingest.Spec{SourcePath: writeCSV(t, csv.String()), Table: "t"})
	require.NoError(t, err)

	got, err := l.Preview(t.Context(), "t", PreviewRows)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(got, "\n"), "\n")
	require.Len(t, lines, 2+PreviewRows)
	assert.Equal(t, "| 1 | row 1 |", lines[2])
	assert.Equal(t, "| 5 | row 5 |", lines[len(lines)-1])
}

func TestPreview_NullsAndPipes(t *testing.T) {
	l := openTestLoader(t)
	_, err := l.Load(t.Context(), ingest.Spec{SourcePath: writeCSV(t, "a,b\n1,\n2,\"x|y\"\n"), Table: "t"})
	require.NoError(t, err)

	got, err := l.Preview(t.Context(), "t", PreviewRows)
	require.NoError(t, err)
	assert.Equal(t, "| a | b |\n| --- | --- |\n| 1 |  |\n| 2 | x\\|y |\n", got)
}

func TestPreview_HeaderOnlyTable(t *testing.T) {
	l := openTestLoader(t)
	res, err := l.Load(t.Context(), ingest.Spec{SourcePath: writeCSV(t, "a,b\n"), Table: "t"})
	require.NoError(t, err)
	assert.Equal(t, "| a | b |\n| --- | --- |\n", res.Preview)
}

func TestPreview_InvalidTable(t *testing.T) {
	l := openTestLoader(t)
	_, err := l.Preview(t.Context(), "x; DROP", PreviewRows)
	assert.ErrorContains(t, err, "invalid table name")
}
