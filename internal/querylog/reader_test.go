package querylog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/golang/snappy"
	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	aerrors "github.com/arkilian/partadvisor/internal/errors"
	"github.com/arkilian/partadvisor/internal/storage"
)

func newStore(t *testing.T, objects map[string][]byte) *storage.LocalStorage {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	for key, body := range objects {
		if err := store.Put(context.Background(), key, body); err != nil {
			t.Fatalf("Put %s failed: %v", key, err)
		}
	}
	return store
}

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := io.WriteString(w, s); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func zstdBytes(t *testing.T, s string) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll([]byte(s), nil)
}

func snappyBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := snappy.NewBufferedWriter(&buf)
	if _, err := io.WriteString(w, s); err != nil {
		t.Fatalf("snappy write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("snappy close: %v", err)
	}
	return buf.Bytes()
}

func collect(t *testing.T, r *Reader) ([]string, Stats) {
	t.Helper()
	var sqls []string
	stats, err := r.Each(context.Background(), func(e Entry) error {
		sqls = append(sqls, e.SQL)
		return nil
	})
	if err != nil {
		t.Fatalf("Each failed: %v", err)
	}
	return sqls, stats
}

func TestReader_PlainLines(t *testing.T) {
	log := strings.Join([]string{
		`{"sql":"SELECT a FROM t WHERE b = 1"}`,
		`not json at all`,
		``,
		`{"user":"x"}`,
		`{"sql":""}`,
		`{"sql":42}`,
		`[1,2,3]`,
		`{"sql":"SELECT c FROM t","extra":{"k":1}}`,
	}, "\n")
	store := newStore(t, map[string][]byte{"logs/query.log": []byte(log)})

	sqls, stats := collect(t, NewReader(store, Config{Prefix: "logs/"}, nil))

	want := []string{"SELECT a FROM t WHERE b = 1", "SELECT c FROM t"}
	if diff := cmp.Diff(want, sqls); diff != "" {
		t.Errorf("sql mismatch (-want +got):\n%s", diff)
	}
	wantStats := Stats{Objects: 1, Lines: 7, Malformed: 2, MissingSQL: 3, Emitted: 2}
	if diff := cmp.Diff(wantStats, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestReader_Codecs(t *testing.T) {
	line := func(col string) string {
		return fmt.Sprintf(`{"sql":"SELECT %s FROM t"}`+"\n", col)
	}
	store := newStore(t, map[string][]byte{
		"logs/a.json":        []byte(line("a")),
		"logs/b.json.gz":     gzipBytes(t, line("b")),
		"logs/c.json.zst":    zstdBytes(t, line("c")),
		"logs/d.json.snappy": snappyBytes(t, line("d")),
	})

	sqls, stats := collect(t, NewReader(store, Config{Prefix: "logs/"}, nil))

	want := []string{"SELECT a FROM t", "SELECT b FROM t", "SELECT c FROM t", "SELECT d FROM t"}
	if diff := cmp.Diff(want, sqls); diff != "" {
		t.Errorf("sql mismatch (-want +got):\n%s", diff)
	}
	if stats.Objects != 4 {
		t.Errorf("expected 4 objects, got %d", stats.Objects)
	}
}

func TestReader_StateFilterAndNestedField(t *testing.T) {
	log := strings.Join([]string{
		`{"query":{"text":"SELECT a FROM t"},"state":"FINISHED"}`,
		`{"query":{"text":"SELECT b FROM t"},"state":"FAILED"}`,
		`{"query":{"text":"SELECT c FROM t"},"state":"finished"}`,
		`{"query":{"text":"SELECT d FROM t"}}`,
	}, "\n")
	store := newStore(t, map[string][]byte{"trino.log": []byte(log)})

	r := NewReader(store, Config{
		Keys:           []string{"trino.log"},
		SQLField:       "query.text",
		StateField:     "state",
		AcceptedStates: []string{"FINISHED"},
	}, nil)
	sqls, stats := collect(t, r)

	if diff := cmp.Diff([]string{"SELECT a FROM t", "SELECT c FROM t"}, sqls); diff != "" {
		t.Errorf("sql mismatch (-want +got):\n%s", diff)
	}
	if stats.Filtered != 2 {
		t.Errorf("expected 2 filtered lines, got %d", stats.Filtered)
	}
}

func TestReader_LineTooLong(t *testing.T) {
	long := `{"sql":"SELECT ` + strings.Repeat("x", 200) + ` FROM t"}`
	log := long + "\n" + `{"sql":"SELECT a FROM t"}` + "\n"
	store := newStore(t, map[string][]byte{"q.log": []byte(log)})

	sqls, stats := collect(t, NewReader(store, Config{Keys: []string{"q.log"}, MaxLineBytes: 64}, nil))

	if diff := cmp.Diff([]string{"SELECT a FROM t"}, sqls); diff != "" {
		t.Errorf("sql mismatch (-want +got):\n%s", diff)
	}
	if stats.Malformed != 1 || stats.Lines != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestReader_EntryPosition(t *testing.T) {
	log := "\n" + `{"sql":"SELECT a FROM t"}` + "\r\n" + `{"sql":"SELECT b FROM t"}`
	store := newStore(t, map[string][]byte{"q.log": []byte(log)})

	var entries []Entry
	_, err := NewReader(store, Config{Keys: []string{"q.log"}}, nil).Each(context.Background(), func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		t.Fatalf("Each failed: %v", err)
	}

	want := []Entry{
		{Object: "q.log", Line: 2, SQL: "SELECT a FROM t"},
		{Object: "q.log", Line: 3, SQL: "SELECT b FROM t"},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestReader_CallbackErrorAborts(t *testing.T) {
	log := `{"sql":"SELECT a FROM t"}` + "\n" + `{"sql":"SELECT b FROM t"}` + "\n"
	store := newStore(t, map[string][]byte{"q.log": []byte(log)})

	stop := errors.New("stop")
	calls := 0
	_, err := NewReader(store, Config{Keys: []string{"q.log"}}, nil).Each(context.Background(), func(e Entry) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("expected callback error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestReader_MissingObject(t *testing.T) {
	store := newStore(t, nil)

	_, err := NewReader(store, Config{Keys: []string{"gone.log"}}, nil).Each(context.Background(), func(Entry) error { return nil })
	if aerrors.GetCode(err) != aerrors.CodeReadFailed {
		t.Errorf("expected READ_FAILED, got %v", err)
	}
	if !errors.Is(err, storage.ErrObjectNotFound) {
		t.Errorf("expected the storage cause to be preserved, got %v", err)
	}
}

func TestReader_CorruptCompressedObject(t *testing.T) {
	store := newStore(t, map[string][]byte{"q.log.gz": []byte("definitely not gzip")})

	_, err := NewReader(store, Config{Keys: []string{"q.log.gz"}}, nil).Each(context.Background(), func(Entry) error { return nil })
	if aerrors.GetCategory(err) != aerrors.ErrCategoryLogs {
		t.Errorf("expected LOGS error, got %v", err)
	}
}

type failingLister struct {
	storage.ObjectStorage
}

func (failingLister) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	return nil, errors.New("access denied")
}

func TestReader_ListFailure(t *testing.T) {
	_, err := NewReader(failingLister{}, Config{Prefix: "logs/"}, nil).Each(context.Background(), func(Entry) error { return nil })
	if aerrors.GetCode(err) != aerrors.CodeListFailed {
		t.Errorf("expected LIST_FAILED, got %v", err)
	}
}

func TestReader_Cancelled(t *testing.T) {
	store := newStore(t, map[string][]byte{"q.log": []byte(`{"sql":"SELECT a FROM t"}`)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewReader(store, Config{Keys: []string{"q.log"}}, nil).Each(ctx, func(Entry) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestCodecFor(t *testing.T) {
	tests := map[string]Codec{
		"a.json":         CodecNone,
		"a.json.gz":      CodecGzip,
		"A.LOG.GZ":       CodecGzip,
		"a.zst":          CodecZstd,
		"a.snappy":       CodecSnappy,
		"a.sz":           CodecSnappy,
		"dir.gz/a.jsonl": CodecNone,
	}
	for key, want := range tests {
		if got := CodecFor(key); got != want {
			t.Errorf("CodecFor(%q) = %s, want %s", key, got, want)
		}
	}
}
