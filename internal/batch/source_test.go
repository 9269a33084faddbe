package batch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCSV(t *testing.T) {
	tbl, err := ParseCSV(strings.NewReader("\ufeffclient_ip,user\n1.1.1.1,alice\n2.2.2.2\n3.3.3.3,bob,extra\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"client_ip", "user"}, tbl.Columns)
	assert.Equal(t, 0, tbl.ColumnIndex("client_ip"))
	assert.Equal(t, -1, tbl.ColumnIndex("ip"))
	require.Len(t, tbl.Rows, 3)
	assert.Equal(t, []string{"2.2.2.2", ""}, tbl.Rows[1])
	assert.Equal(t, []string{"3.3.3.3", "bob", "extra"}, tbl.Rows[2])

	_, err = ParseCSV(strings.NewReader(""))
	assert.Error(t, err)

	_, err = ParseCSV(strings.NewReader("client_ip\n\"unterminated\n"))
	assert.Error(t, err)
}

func TestCSVSourceLoad(t *testing.T) {
	_, err := CSVSource{Name: "x.csv"}.Load(context.Background())
	assert.ErrorIs(t, err, ErrReadFailed)

	path := filepath.Join(t.TempDir(), "ips.csv")
	require.NoError(t, os.WriteFile(path, []byte("client_ip\n8.8.8.8\n"), 0o644))
	src := FileSource(path)
	assert.Equal(t, "ips.csv", src.Label())
	tbl, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"8.8.8.8"}}, tbl.Rows)

	_, err = FileSource(filepath.Join(t.TempDir(), "missing.csv")).Load(context.Background())
	assert.ErrorIs(t, err, ErrReadFailed)
}

func TestQuerySourceLoad(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT client_ip, hits, note FROM access_log").
		WithArgs("2024-01-01").
		WillReturnRows(sqlmock.NewRows([]string{"client_ip", "hits", "note"}).
			AddRow("1.1.1.1", int64(42), nil).
			AddRow([]byte("2.2.2.2"), int64(7), "ok"))

	src := QuerySource{DB: db, Name: "access_log", Query: "SELECT client_ip, hits, note FROM access_log WHERE day = ?", Args: []any{"2024-01-01"}}
	tbl, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"client_ip", "hits", "note"}, tbl.Columns)
	assert.Equal(t, [][]string{{"1.1.1.1", "42", ""}, {"2.2.2.2", "7", "ok"}}, tbl.Rows)
	require.NoError(t, mock.ExpectationsWereMet())

	_, err = QuerySource{Name: "nil"}.Load(context.Background())
	assert.Error(t, err)
}

func TestArtifactName(t *testing.T) {
	assert.Equal(t, "processed_a.csv", ArtifactName("a.csv"))
	assert.Equal(t, "processed_access_log.csv", ArtifactName("access_log"))
	assert.Equal(t, "processed_b.csv", ArtifactName("../../etc/b.csv"))
}

func TestDirSinkWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	tbl := &Table{Columns: []string{"client_ip", "country"}, Rows: [][]string{{"1.1.1.1", "Australia, AU"}}}
	require.NoError(t, DirSink{Dir: dir}.Write(context.Background(), "../processed_a.csv", tbl))

	b, err := os.ReadFile(filepath.Join(dir, "processed_a.csv"))
	require.NoError(t, err)
	assert.Equal(t, "client_ip,country\n1.1.1.1,\"Australia, AU\"\n", string(b))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, DirSink{Dir: dir}.Write(ctx, "x.csv", tbl), context.Canceled)
}

func TestEventJSON(t *testing.T) {
	cases := []struct {
		name string
		ev   Event
		want string
	}{
		{"start", Event{Type: EventStart, TotalFiles: 2, TotalIPs: 10},
			`{"type":"start","total_files":2,"total_ips":10}`},
		{"progress", Event{Type: EventProgress, FileIdx: 1, TotalFiles: 2, CurrentFile: "a.csv", FileProgress: 5, FileTotal: 6, TotalProgress: 5, TotalIPs: 10, Percentage: 50, ETASeconds: 3},
			`{"type":"progress","file_idx":1,"total_files":2,"current_file":"a.csv","file_progress":5,"file_total":6,"total_progress":5,"total_ips":10,"percentage":50,"eta_seconds":3}`},
		{"source_error", Event{Type: EventSourceError, Filename: "bad.csv", Message: "Missing client_ip column"},
			`{"type":"source_error","filename":"bad.csv","message":"Missing client_ip column"}`},
		{"source_complete", Event{Type: EventSourceComplete, Filename: "a.csv", Status: StatusSuccess, Message: "Processed 6 IPs"},
			`{"type":"source_complete","filename":"a.csv","status":"success","message":"Processed 6 IPs"}`},
		{"complete", Event{Type: EventComplete}, `{"type":"complete"}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, err := c.ev.MarshalJSON()
			require.NoError(t, err)
			assert.JSONEq(t, c.want, string(b))

			var back Event
			require.NoError(t, back.UnmarshalJSON(b))
			assert.Equal(t, c.ev, back)
		})
	}
}
