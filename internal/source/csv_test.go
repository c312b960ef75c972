package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/you/modpipe/internal/core"
)

func writeInput(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return path
}

func collect(t *testing.T, f *File) (recs []core.MessageRecord, skips []string) {
	t.Helper()
	err := f.Each(
		func(_ core.MessageRecord, reason string) { skips = append(skips, reason) },
		func(rec core.MessageRecord) error {
			recs = append(recs, rec)
			return nil
		},
	)
	if err != nil {
		t.Fatalf("each: %v", err)
	}
	return recs, skips
}

func TestEachYieldsRowsInOrderWithStableIDs(t *testing.T) {
	path := writeInput(t, "batch.csv", "user_id,message\n28391029,\"I don't believe the speaker!\"\n28391029,\"I totally agree. Great video essay!\"\n42432992,\"You can't make this up!\"\n")

	recs, skips := collect(t, New(path))
	if len(skips) != 0 {
		t.Fatalf("unexpected skips: %v", skips)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].ID != "batch.csv:1" || recs[2].ID != "batch.csv:3" {
		t.Fatalf("unexpected ids: %q %q", recs[0].ID, recs[2].ID)
	}
	if recs[0].UserID != "28391029" || recs[2].UserID != "42432992" {
		t.Fatalf("unexpected users: %+v", recs)
	}
	if recs[0].RawText != "I don't believe the speaker!" {
		t.Fatalf("unexpected text: %q", recs[0].RawText)
	}

	again, _ := collect(t, New(path))
	for i := range recs {
		if recs[i].ID != again[i].ID {
			t.Fatalf("ids changed across re-reads: %q vs %q", recs[i].ID, again[i].ID)
		}
	}
}

func TestEachUsesExplicitIDColumn(t *testing.T) {
	path := writeInput(t, "batch.csv", "id,user_id,message\nmsg-7,u1,hello\n,u2,fallback row\n")

	recs, _ := collect(t, New(path))
	if recs[0].ID != "msg-7" {
		t.Fatalf("expected explicit id, got %q", recs[0].ID)
	}
	if recs[1].ID != "batch.csv:2" {
		t.Fatalf("expected positional fallback id, got %q", recs[1].ID)
	}
}

func TestEachSkipsMalformedRowsWithoutAborting(t *testing.T) {
	path := writeInput(t, "batch.csv", "user_id,message,language\nu1,hello,en\n,orphan message,\nu2,nice day,fr\nu3\n")

	recs, skips := collect(t, New(path))
	if len(recs) != 2 {
		t.Fatalf("expected 2 well-formed records, got %+v", recs)
	}
	if recs[1].Language != "fr" {
		t.Fatalf("expected language from column, got %q", recs[1].Language)
	}
	if len(skips) != 2 {
		t.Fatalf("expected 2 skips, got %v", skips)
	}
	if skips[0] != "missing user_id" {
		t.Fatalf("unexpected first skip reason: %q", skips[0])
	}
}

func TestEachRejectsHeaderWithoutRequiredColumns(t *testing.T) {
	path := writeInput(t, "batch.csv", "user,text\nu1,hello\n")

	err := New(path).Each(nil, func(core.MessageRecord) error { return nil })
	if err == nil {
		t.Fatalf("expected header error")
	}
}

func TestEachPropagatesHandlerError(t *testing.T) {
	path := writeInput(t, "batch.csv", "user_id,message\nu1,a\nu2,b\n")

	seen := 0
	err := New(path).Each(nil, func(core.MessageRecord) error {
		seen++
		return os.ErrClosed
	})
	if err == nil {
		t.Fatalf("expected handler error to propagate")
	}
	if seen != 1 {
		t.Fatalf("iteration should stop at first handler error, saw %d rows", seen)
	}
}
