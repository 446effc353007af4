package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openparcels/bisharvest/internal/harvest"
)

func record(fields ...string) *harvest.FieldRecord {
	rec := harvest.NewFieldRecord()
	for i := 0; i+1 < len(fields); i += 2 {
		rec.Set(fields[i], fields[i+1])
	}
	return rec
}

func TestCSVSinkFirstRecordFixesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sink.csv")
	sink, err := OpenCSVSink(path, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, sink.Append(context.Background(), mustBBL(t, "1001230045"),
		record("Primary Address", "123 EXAMPLE ST", "BIN", "1234567")))
	require.NoError(t, sink.Close())

	header, rows, err := readTable(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"BBL", "Primary Address", "BIN"}, header)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"1001230045", "123 EXAMPLE ST", "1234567"}, rows[0])
}

func TestCSVSinkDriftedRecordStillLands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sink.csv")
	sink, err := OpenCSVSink(path, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, sink.Append(context.Background(), mustBBL(t, "1001230045"),
		record("Primary Address", "123 EXAMPLE ST", "BIN", "1234567")))
	// Missing BIN, carries an unknown field.
	require.NoError(t, sink.Append(context.Background(), mustBBL(t, "3000500001"),
		record("Primary Address", "50 SIDE AVE", "Landmark Status", "N/A")))
	require.NoError(t, sink.Close())

	header, rows, err := readTable(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"BBL", "Primary Address", "BIN"}, header, "header must not change after the first record")
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"3000500001", "50 SIDE AVE", ""}, rows[1])
}

func TestCSVSinkReopenRestoresState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sink.csv")
	sink, err := OpenCSVSink(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, sink.Append(context.Background(), mustBBL(t, "1001230045"),
		record("Primary Address", "123 EXAMPLE ST")))
	require.NoError(t, sink.Close())

	reopened, err := OpenCSVSink(path, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Len())
	assert.Equal(t, []string{"BBL", "Primary Address"}, reopened.Header())

	require.NoError(t, reopened.Append(context.Background(), mustBBL(t, "3000500001"),
		record("Primary Address", "50 SIDE AVE")))
	require.NoError(t, reopened.Close())

	_, rows, err := readTable(path)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestCSVSinkDuplicateAppendKeepsExistingRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sink.csv")
	sink, err := OpenCSVSink(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, sink.Append(context.Background(), mustBBL(t, "1001230045"),
		record("Primary Address", "123 EXAMPLE ST")))
	require.NoError(t, sink.Close())

	// Resume after a crash that hit between the sink write and the ledger
	// mark: the same parcel is fetched and appended again.
	reopened, err := OpenCSVSink(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, reopened.Append(context.Background(), mustBBL(t, "1001230045"),
		record("Primary Address", "123 EXAMPLE ST REFETCHED")))
	require.NoError(t, reopened.Close())

	_, rows, err := readTable(path)
	require.NoError(t, err)
	require.Len(t, rows, 1, "the replayed append must not add a second row")
	assert.Equal(t, []string{"1001230045", "123 EXAMPLE ST"}, rows[0],
		"the prior durable row wins")
}

func TestCSVSinkCancelledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sink.csv")
	sink, err := OpenCSVSink(path, zap.NewNop())
	require.NoError(t, err)
	defer sink.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = sink.Append(ctx, mustBBL(t, "1001230045"), record("Primary Address", "123 EXAMPLE ST"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileStoresNaming(t *testing.T) {
	dir := t.TempDir()
	stores, err := NewFileStores(dir, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "processed_bbls_batch_0001.txt"), stores.LedgerPath("batch_0001"))
	assert.Equal(t, filepath.Join(dir, "property_data_batch_0001.csv"), stores.SinkPath("batch_0001"))

	ctx := context.Background()
	ledger, err := stores.OpenLedger(ctx, "batch_0001")
	require.NoError(t, err)
	require.NoError(t, ledger.Close())

	sink, err := stores.OpenSink(ctx, "batch_0001")
	require.NoError(t, err)
	require.NoError(t, sink.Append(ctx, mustBBL(t, "1001230045"), record("BIN", "1234567")))
	require.NoError(t, sink.Close())

	sinks, err := stores.ListSinks()
	require.NoError(t, err)
	assert.Equal(t, []string{stores.SinkPath("batch_0001")}, sinks)
}

func TestListSinksExcludesCombinedOutput(t *testing.T) {
	dir := t.TempDir()
	stores, err := NewFileStores(dir, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	sink, err := stores.OpenSink(ctx, "batch_0001")
	require.NoError(t, err)
	require.NoError(t, sink.Append(ctx, mustBBL(t, "1001230045"), record("BIN", "1234567")))
	require.NoError(t, sink.Close())

	// One combine, then audit again: the published merge shares the sink
	// prefix but must never be read back as a batch sink.
	_, err = Combine([]string{stores.SinkPath("batch_0001")}, stores.CombinedPath(), zap.NewNop())
	require.NoError(t, err)

	sinks, err := stores.ListSinks()
	require.NoError(t, err)
	assert.Equal(t, []string{stores.SinkPath("batch_0001")}, sinks)

	report, err := CheckDuplicates(sinks, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, report.Duplicates, "a combine must not turn the audit red")
}
