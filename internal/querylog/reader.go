// Package querylog streams SQL statements out of JSON-lines query logs held in
// object storage.
package querylog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	aerrors "github.com/arkilian/partadvisor/internal/errors"
	"github.com/arkilian/partadvisor/internal/metrics"
	"github.com/arkilian/partadvisor/internal/storage"
)

// Config selects the log objects and the fields read from each line.
type Config struct {
	// Prefix lists every object under it. Ignored when Keys is set.
	Prefix string `json:"prefix" yaml:"prefix"`

	// Keys is an explicit list of objects to read, in the given order.
	Keys []string `json:"keys" yaml:"keys"`

	// SQLField is the gjson path of the SQL text (default "sql")
	SQLField string `json:"sql_field" yaml:"sql_field"`

	// StateField is an optional gjson path of the query state, e.g. "state"
	StateField string `json:"state_field" yaml:"state_field"`

	// AcceptedStates keeps only lines whose state matches one of these (case-insensitive)
	AcceptedStates []string `json:"accepted_states" yaml:"accepted_states"`

	// MaxLineBytes bounds a single line; longer lines are dropped as malformed (default 4 MiB)
	MaxLineBytes int `json:"max_line_bytes" yaml:"max_line_bytes"`
}

// DefaultConfig returns the default log reader configuration.
func DefaultConfig() Config {
	return Config{
		SQLField:     "sql",
		MaxLineBytes: 4 << 20,
	}
}

// Entry is one accepted log line.
type Entry struct {
	Object string
	Line   int
	SQL    string
}

// Stats counts what happened to every line read.
type Stats struct {
	Objects    int64 `json:"objects"`
	Lines      int64 `json:"lines"`
	Malformed  int64 `json:"malformed"`
	MissingSQL int64 `json:"missing_sql"`
	Filtered   int64 `json:"filtered"`
	Emitted    int64 `json:"emitted"`
}

// Reader reads query logs from object storage.
type Reader struct {
	store  storage.ObjectStorage
	cfg    Config
	logger *slog.Logger
}

// NewReader creates a log reader. A nil logger discards output.
func NewReader(store storage.ObjectStorage, cfg Config, logger *slog.Logger) *Reader {
	if cfg.SQLField == "" {
		cfg.SQLField = "sql"
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultConfig().MaxLineBytes
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reader{store: store, cfg: cfg, logger: logger}
}

// Keys returns the objects to read: the explicit key list, or everything under
// the prefix in lexicographic order.
func (r *Reader) Keys(ctx context.Context) ([]string, error) {
	if len(r.cfg.Keys) > 0 {
		keys := make([]string, len(r.cfg.Keys))
		copy(keys, r.cfg.Keys)
		return keys, nil
	}
	keys, err := r.store.ListObjects(ctx, r.cfg.Prefix)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, aerrors.NewLogsError(aerrors.CodeListFailed,
			fmt.Sprintf("listing query logs under %q", r.cfg.Prefix), err)
	}
	return keys, nil
}

// Each streams every accepted entry to fn, object by object. Malformed lines,
// lines without SQL and lines rejected by the state filter are counted and
// skipped. A read failure or an error from fn aborts the walk.
func (r *Reader) Each(ctx context.Context, fn func(Entry) error) (Stats, error) {
	var stats Stats

	keys, err := r.Keys(ctx)
	if err != nil {
		return stats, err
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := r.readObject(ctx, key, &stats, fn); err != nil {
			return stats, err
		}
		stats.Objects++
	}

	r.logger.Debug("querylog: read complete",
		"objects", stats.Objects,
		"lines", stats.Lines,
		"emitted", stats.Emitted,
		"malformed", stats.Malformed,
		"missing_sql", stats.MissingSQL,
		"filtered", stats.Filtered)
	return stats, nil
}

func (r *Reader) readObject(ctx context.Context, key string, stats *Stats, fn func(Entry) error) error {
	body, err := r.store.Get(ctx, key)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return aerrors.NewLogsError(aerrors.CodeReadFailed, fmt.Sprintf("opening %s", key), err)
	}
	defer body.Close()

	rc, err := Decompress(CodecFor(key), body)
	if err != nil {
		return aerrors.NewLogsError(aerrors.CodeReadFailed, fmt.Sprintf("decoding %s", key), err)
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, r.cfg.MaxLineBytes)
	lineNo := 0
	for {
		line, tooLong, err := readLine(br)
		if len(line) > 0 || tooLong || err == nil {
			lineNo++
		}
		line = bytes.TrimSpace(line)
		switch {
		case tooLong:
			stats.Lines++
			stats.Malformed++
			metrics.LogLinesTotal.WithLabelValues("malformed").Inc()
		case len(line) > 0:
			stats.Lines++
			if cbErr := r.handleLine(key, lineNo, line, stats, fn); cbErr != nil {
				return cbErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return aerrors.NewLogsError(aerrors.CodeReadFailed, fmt.Sprintf("reading %s", key), err)
		}
	}
}

func (r *Reader) handleLine(key string, lineNo int, line []byte, stats *Stats, fn func(Entry) error) error {
	if !gjson.ValidBytes(line) || line[0] != '{' {
		stats.Malformed++
		metrics.LogLinesTotal.WithLabelValues("malformed").Inc()
		return nil
	}

	if r.cfg.StateField != "" && len(r.cfg.AcceptedStates) > 0 {
		state := gjson.GetBytes(line, r.cfg.StateField).String()
		if !accepted(state, r.cfg.AcceptedStates) {
			stats.Filtered++
			metrics.LogLinesTotal.WithLabelValues("filtered").Inc()
			return nil
		}
	}

	sql := gjson.GetBytes(line, r.cfg.SQLField)
	if !sql.Exists() || sql.Type != gjson.String || strings.TrimSpace(sql.Str) == "" {
		stats.MissingSQL++
		metrics.LogLinesTotal.WithLabelValues("missing_sql").Inc()
		return nil
	}

	stats.Emitted++
	metrics.LogLinesTotal.WithLabelValues("emitted").Inc()
	return fn(Entry{Object: key, Line: lineNo, SQL: sql.Str})
}

func accepted(state string, states []string) bool {
	for _, s := range states {
		if strings.EqualFold(state, s) {
			return true
		}
	}
	return false
}

// readLine returns the next line without its terminator. A line longer than
// the reader's buffer is consumed and reported with tooLong set.
func readLine(br *bufio.Reader) (line []byte, tooLong bool, err error) {
	line, err = br.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = br.ReadSlice('\n')
		}
		return nil, true, err
	}
	return bytes.TrimRight(line, "\r\n"), false, err
}
