package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/you/modpipe/internal/core"
)

// Writer renders finalized user aggregates to a CSV file, one row per user.
// Finalize already orders aggregates by user id, so output over identical
// input is byte-identical across runs.
type Writer struct {
	Path string
}

func New(path string) *Writer { return &Writer{Path: path} }

func (w *Writer) Write(aggs []core.UserAggregate) error {
	file, err := os.Create(w.Path)
	if err != nil {
		return fmt.Errorf("report: create output: %w", err)
	}
	defer file.Close()

	cw := csv.NewWriter(file)
	if err := cw.Write([]string{"user_id", "total_messages", "score", "flagged"}); err != nil {
		return fmt.Errorf("report: write header: %w", err)
	}
	for _, agg := range aggs {
		row := []string{
			agg.UserID,
			strconv.FormatInt(agg.MessageCount, 10),
			strconv.FormatFloat(agg.Score, 'f', -1, 64),
			strconv.FormatBool(agg.Flagged),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("report: write row for %s: %w", agg.UserID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("report: flush: %w", err)
	}
	return file.Sync()
}
