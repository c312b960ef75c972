package source

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/you/modpipe/internal/core"
)

// File reads message records from a delimited input file. Iteration is lazy
// and restartable: row ids are derived from the row position (or an explicit
// id column), so re-reading the same file yields the same ids and checkpoint
// lookups stay valid.
type File struct {
	Path string
}

func New(path string) *File { return &File{Path: path} }

// Handler receives each well-formed record in input order. Returning an
// error stops iteration.
type Handler func(rec core.MessageRecord) error

// SkipHandler receives malformed rows. The record carries the row-derived id
// and whatever fields could be read, so the skip can still be checkpointed.
type SkipHandler func(rec core.MessageRecord, reason string)

// Each streams the file through fn. Malformed rows (unreadable, missing
// user_id) go to skip and never abort the batch; only I/O level failures and
// handler errors do.
func (f *File) Each(skip SkipHandler, fn Handler) error {
	file, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("source: open input: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("source: read header: %w", err)
	}
	cols, err := mapColumns(header)
	if err != nil {
		return err
	}

	base := filepath.Base(f.Path)
	row := 0
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		row++
		id := rowID(base, fields, cols, row)
		if err != nil {
			if skip != nil {
				skip(core.MessageRecord{ID: id, Status: core.StatusPending}, fmt.Sprintf("unreadable row: %v", err))
			}
			continue
		}

		rec := core.MessageRecord{
			ID:      id,
			UserID:  strings.TrimSpace(field(fields, cols.userID)),
			RawText: field(fields, cols.message),
			Status:  core.StatusPending,
		}
		if cols.language >= 0 {
			rec.Language = strings.ToLower(strings.TrimSpace(field(fields, cols.language)))
		}

		if rec.UserID == "" {
			if skip != nil {
				skip(rec, "missing user_id")
			}
			continue
		}
		if cols.message >= len(fields) {
			if skip != nil {
				skip(rec, "missing message field")
			}
			continue
		}

		if err := fn(rec); err != nil {
			return err
		}
	}
}

type columns struct {
	userID   int
	message  int
	language int
	id       int
}

func mapColumns(header []string) (columns, error) {
	cols := columns{userID: -1, message: -1, language: -1, id: -1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "user_id":
			cols.userID = i
		case "message":
			cols.message = i
		case "language":
			cols.language = i
		case "id":
			cols.id = i
		}
	}
	if cols.userID < 0 || cols.message < 0 {
		return cols, fmt.Errorf("source: header must contain user_id and message columns, got %v", header)
	}
	return cols, nil
}

func rowID(base string, fields []string, cols columns, row int) string {
	if cols.id >= 0 {
		if v := strings.TrimSpace(field(fields, cols.id)); v != "" {
			return v
		}
	}
	return fmt.Sprintf("%s:%d", base, row)
}

func field(fields []string, idx int) string {
	if idx < 0 || idx >= len(fields) {
		return ""
	}
	return fields[idx]
}
