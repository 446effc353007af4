package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openparcels/bisharvest/internal/hash/sha256"
)

func writeSink(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCombineFirstOccurrenceWins(t *testing.T) {
	dir := t.TempDir()
	a := writeSink(t, dir, "property_data_batch_0001.csv",
		"BBL,Primary Address\n1001230045,FIRST COPY\n1000010001,ONLY IN A\n")
	b := writeSink(t, dir, "property_data_batch_0002.csv",
		"BBL,Primary Address\n1001230045,SECOND COPY\n3000500001,ONLY IN B\n")
	dest := filepath.Join(dir, "merged.csv")

	report, err := Combine([]string{a, b}, dest, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 4, report.TotalRows)
	assert.Equal(t, 3, report.UniqueRows)
	require.Len(t, report.Duplicates, 1)
	assert.Equal(t, "1001230045", report.Duplicates[0].BBL.String())
	assert.Equal(t, []string{a, b}, report.Duplicates[0].Stores)

	header, rows, err := readTable(dest)
	require.NoError(t, err)
	assert.Equal(t, []string{"BBL", "Primary Address"}, header)
	require.Len(t, rows, 3)
	// Sorted by BBL, and the duplicate kept its first-seen row.
	assert.Equal(t, []string{"1000010001", "ONLY IN A"}, rows[0])
	assert.Equal(t, []string{"1001230045", "FIRST COPY"}, rows[1])
	assert.Equal(t, []string{"3000500001", "ONLY IN B"}, rows[2])
}

func TestCombineMergesDriftedHeaders(t *testing.T) {
	dir := t.TempDir()
	a := writeSink(t, dir, "a.csv", "BBL,Primary Address\n1000010001,ADDR A\n")
	b := writeSink(t, dir, "b.csv", "BBL,Primary Address,BIN\n2000010001,ADDR B,7654321\n")
	dest := filepath.Join(dir, "merged.csv")

	_, err := Combine([]string{a, b}, dest, zap.NewNop())
	require.NoError(t, err)

	header, rows, err := readTable(dest)
	require.NoError(t, err)
	assert.Equal(t, []string{"BBL", "Primary Address", "BIN"}, header)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"1000010001", "ADDR A", ""}, rows[0])
	assert.Equal(t, []string{"2000010001", "ADDR B", "7654321"}, rows[1])
}

func TestCombineDigestMatchesPublishedFile(t *testing.T) {
	dir := t.TempDir()
	a := writeSink(t, dir, "a.csv", "BBL,BIN\n1000010001,1234567\n")
	dest := filepath.Join(dir, "merged.csv")

	report, err := Combine([]string{a}, dest, zap.NewNop())
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	want, err := sha256.New().Hash(data)
	require.NoError(t, err)
	assert.Equal(t, want, report.Digest)
}

func TestCombineLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	a := writeSink(t, dir, "a.csv", "BBL,BIN\n1000010001,1234567\n")
	destDir := filepath.Join(dir, "out")
	dest := filepath.Join(destDir, "merged.csv")

	_, err := Combine([]string{a}, dest, zap.NewNop())
	require.NoError(t, err)

	entries, err := os.ReadDir(destDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "merged.csv", entries[0].Name())
}

func TestCombineRejectsBadRowKey(t *testing.T) {
	dir := t.TempDir()
	a := writeSink(t, dir, "a.csv", "BBL,BIN\nnot-a-bbl,1234567\n")

	_, err := Combine([]string{a}, filepath.Join(dir, "merged.csv"), zap.NewNop())
	assert.ErrorContains(t, err, "bad row key")
}

func TestCombineNoInputs(t *testing.T) {
	_, err := Combine(nil, filepath.Join(t.TempDir(), "merged.csv"), zap.NewNop())
	assert.ErrorContains(t, err, "no sink files")
}

func TestCombineAllEmptySinks(t *testing.T) {
	dir := t.TempDir()
	a := writeSink(t, dir, "a.csv", "")
	b := writeSink(t, dir, "b.csv", "")
	dest := filepath.Join(dir, "merged.csv")

	_, err := Combine([]string{a, b}, dest, zap.NewNop())
	assert.ErrorContains(t, err, "nothing to merge")

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "no merged file may be published")
}

func TestCheckDuplicates(t *testing.T) {
	dir := t.TempDir()
	a := writeSink(t, dir, "a.csv",
		"BBL,BIN\n1000010001,1111111\n1000010001,1111111\n")
	b := writeSink(t, dir, "b.csv",
		"BBL,BIN\n1000010001,2222222\n3000500001,3333333\n")

	report, err := CheckDuplicates([]string{a, b}, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 4, report.TotalRows)
	assert.Equal(t, 2, report.UniqueRows)
	require.Len(t, report.Duplicates, 1)
	assert.Equal(t, "1000010001", report.Duplicates[0].BBL.String())
	// Seen in a (twice) and in b: the first sighting plus both repeats.
	assert.Equal(t, []string{a, a, b}, report.Duplicates[0].Stores)
	assert.Empty(t, report.Digest, "audit does not publish a file")
}
