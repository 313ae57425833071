package history

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Status is the outcome of a send attempt
type Status string

const (
	StatusSentOK    Status = "SENT_OK"
	StatusErrorSend Status = "ERROR_SEND"
)

// Format selects how rows are written to the ledger file
type Format string

const (
	// FormatQuoted writes RFC 4180 rows, quoting fields when needed
	FormatQuoted Format = "quoted"
	// FormatLegacy writes bare comma-joined fields with commas and line
	// breaks in name and details replaced by spaces
	FormatLegacy Format = "legacy"
)

// TimestampLayout is the ledger timestamp format (UTC, millisecond precision)
const TimestampLayout = "2006-01-02 15:04:05.000"

// MaxTail is the largest number of rows Tail returns
const MaxTail = 5000

var header = []string{"timestamp", "phone", "name", "status", "details"}

// legacyReplacer keeps a legacy row on one line with five fields
var legacyReplacer = strings.NewReplacer(",", " ", "\r", " ", "\n", " ")

// Row is one send attempt
type Row struct {
	Timestamp string `json:"timestamp"`
	Phone     string `json:"phone"`
	Name      string `json:"name"`
	Status    Status `json:"status"`
	Details   string `json:"details"`
}

// Ledger is an append-only CSV log of send attempts
type Ledger struct {
	path   string
	format Format
	now    func() time.Time

	mu sync.Mutex
}

// NewLedger creates a ledger writing to path
func NewLedger(path string, format Format) *Ledger {
	if format == "" {
		format = FormatQuoted
	}
	return &Ledger{
		path:   path,
		format: format,
		now:    time.Now,
	}
}

// Path returns the ledger file path
func (l *Ledger) Path() string {
	return l.path
}

// Append writes one row, creating the file with a header if needed.
// An empty Timestamp is filled with the current time.
func (l *Ledger) Append(row Row) error {
	if row.Timestamp == "" {
		row.Timestamp = l.now().UTC().Format(TimestampLayout)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat history: %w", err)
	}

	var buf bytes.Buffer
	if info.Size() == 0 {
		buf.WriteString(strings.Join(header, ",") + "\n")
	}

	fields := []string{row.Timestamp, row.Phone, row.Name, string(row.Status), row.Details}
	switch l.format {
	case FormatLegacy:
		fields[2] = legacyReplacer.Replace(fields[2])
		fields[4] = legacyReplacer.Replace(fields[4])
		buf.WriteString(strings.Join(fields, ",") + "\n")
	default:
		w := csv.NewWriter(&buf)
		if err := w.Write(fields); err != nil {
			return fmt.Errorf("failed to encode history row: %w", err)
		}
		w.Flush()
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return nil
}

// Tail returns the last limit rows in chronological order.
// limit is clamped to [1, MaxTail]. A missing file yields no rows.
func (l *Ledger) Tail(limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 1
	}
	if limit > MaxTail {
		limit = MaxTail
	}

	l.mu.Lock()
	f, err := os.Open(l.path)
	if err != nil {
		l.mu.Unlock()
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	rows, err := readRows(f)
	f.Close()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return rows, nil
}

// readRows parses both quoted and legacy rows, skipping the header and
// rows without a timestamp or phone.
func readRows(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	var rows []Row
	first := true
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read history: %w", err)
		}

		if first {
			first = false
			if len(rec) > 0 && rec[0] == header[0] {
				continue
			}
		}

		for len(rec) < len(header) {
			rec = append(rec, "")
		}
		if rec[0] == "" || rec[1] == "" {
			continue
		}

		rows = append(rows, Row{
			Timestamp: rec[0],
			Phone:     rec[1],
			Name:      rec[2],
			Status:    Status(rec[3]),
			Details:   rec[4],
		})
	}

	return rows, nil
}

// LastWave returns the trailing run of SENT_OK rows in chronological order
func LastWave(rows []Row) []Row {
	i := len(rows)
	for i > 0 && rows[i-1].Status == StatusSentOK {
		i--
	}
	return rows[i:]
}

// UniquePhones returns the distinct phones of rows in first-seen order
func UniquePhones(rows []Row) []string {
	seen := make(map[string]struct{}, len(rows))
	phones := make([]string, 0, len(rows))
	for _, r := range rows {
		if _, ok := seen[r.Phone]; ok {
			continue
		}
		seen[r.Phone] = struct{}{}
		phones = append(phones, r.Phone)
	}
	return phones
}
