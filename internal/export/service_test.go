package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rpattn/blacklist/internal/db"
	"github.com/rpattn/blacklist/internal/domain"
	"github.com/rpattn/blacklist/internal/repository"
	"github.com/rpattn/blacklist/internal/repository/sqlitestore"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	gdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "export.db"))
	require.NoError(t, err)
	store, err := sqlitestore.New(gdb)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedEntries(t *testing.T, store repository.Store, entries ...domain.BlacklistEntry) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.WithTx(ctx, func(tx repository.Tx) error {
		_, err := tx.InsertEntries(ctx, entries)
		return err
	}))
}

func readCSV(t *testing.T, data []byte) [][]string {
	t.Helper()
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	return records
}

func TestExportBlacklistOrdersByDomainAcrossPages(t *testing.T) {
	store := openStore(t)
	zeta := domain.NewBlacklistEntry("zeta.org", "Zeta", "spam, lots of it", "spam", 9)
	seedEntries(t, store,
		zeta,
		domain.NewBlacklistEntry("alpha.com", "", "", "", 0),
		domain.NewBlacklistEntry("mid.net", "Mid", "", "phishing", 1),
	)

	service := NewService(store, WithPageSize(2))
	var buf bytes.Buffer
	summary, err := service.ExportBlacklist(context.Background(), &buf)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Rows)
	assert.Equal(t, int64(buf.Len()), summary.Bytes)

	records := readCSV(t, buf.Bytes())
	require.Len(t, records, 4)
	assert.Equal(t, BlacklistColumns, records[0])
	assert.Equal(t, []string{"alpha.com", "mid.net", "zeta.org"}, []string{records[1][2], records[2][2], records[3][2]})
	assert.Equal(t, []string{zeta.ID.String(), "Zeta", "zeta.org", "spam, lots of it", "spam", "9"}, records[3])
	assert.Equal(t, []string{"null", "alpha.com", "", "other", "0"}, records[1][1:])
}

func TestExportBlacklistIsDeterministic(t *testing.T) {
	store := openStore(t)
	seedEntries(t, store,
		domain.NewBlacklistEntry("b.com", "", "", "", 0),
		domain.NewBlacklistEntry("a.com", "", "", "", 0),
	)
	service := NewService(store)

	var first, second bytes.Buffer
	_, err := service.ExportBlacklist(context.Background(), &first)
	require.NoError(t, err)
	_, err = service.ExportBlacklist(context.Background(), &second)
	require.NoError(t, err)

	assert.Equal(t, first.String(), second.String())
}

func TestExportEmptyBlacklistWritesHeader(t *testing.T) {
	service := NewService(openStore(t))
	var buf bytes.Buffer
	summary, err := service.ExportBlacklist(context.Background(), &buf)
	require.NoError(t, err)
	assert.Zero(t, summary.Rows)
	assert.Equal(t, "id,name,domain,reason,category,hit_count\n", buf.String())
}

func TestExportQuarantined(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	job, err := store.Jobs().Create(ctx, domain.NewIngestionJob("list.csv", ""))
	require.NoError(t, err)
	require.NoError(t, store.Quarantine().InsertBatch(ctx, []domain.QuarantinedRecord{
		{JobID: job.ID, RowNumber: 9, Name: "late", Category: "other", ErrorMessage: "Domain is required"},
		{JobID: job.ID, RowNumber: 4, Name: "null", Category: "spam", Reason: "no host", HitCount: 2, ErrorMessage: "Domain is required"},
	}))

	var buf bytes.Buffer
	summary, err := NewService(store).ExportQuarantined(ctx, job.ID, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Rows)

	records := readCSV(t, buf.Bytes())
	require.Len(t, records, 3)
	assert.Equal(t, QuarantineColumns, records[0])
	assert.Equal(t, []string{"4", "", "null", "spam", "no host", "2", "Domain is required"}, records[1])
	assert.Equal(t, "9", records[2][0])

	_, err = NewService(store).ExportQuarantined(ctx, uuid.New(), &buf)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWriteFileReplacesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "blacklist.csv")

	summary, err := WriteFile(path, func(w io.Writer) (Summary, error) {
		_, err := w.Write([]byte("id\n"))
		return Summary{Bytes: 3}, err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.Bytes)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "id\n", string(data))

	_, err = WriteFile(path, func(w io.Writer) (Summary, error) {
		_, _ = w.Write([]byte("partial"))
		return Summary{}, errors.New("boom")
	})
	require.Error(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "id\n", string(data), "a failed export leaves the previous file alone")

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestHandlerServesCSVDownloads(t *testing.T) {
	store := openStore(t)
	seedEntries(t, store, domain.NewBlacklistEntry("a.com", "", "", "", 0))
	handler := NewHTTPHandler(NewService(store))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/blacklist/export", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Disposition"), "attachment; filename=\"blacklist-"))
	assert.Contains(t, rec.Body.String(), ",a.com,")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+uuid.NewString()+"/quarantine/export", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
