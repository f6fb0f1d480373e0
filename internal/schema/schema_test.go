package schema

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestRender(t *testing.T) {
	tables := []Table{
		{
			Name: "artists",
			Columns: []Column{
				{Name: "id", DataType: "integer", Nullable: false},
				{Name: "name", DataType: "text", Nullable: false},
				{Name: "nationality", DataType: "text", Nullable: true},
			},
			SampleRows: [][]string{
				{"1", "Claude Monet", "French"},
				{"2", "Pablo Picasso", "Spanish"},
			},
		},
		{
			Name: "artworks",
			Columns: []Column{
				{Name: "id", DataType: "integer", Nullable: false},
				{Name: "title", DataType: "text", Nullable: true},
			},
		},
	}

	got := Render(tables)

	for _, want := range []string{
		"CREATE TABLE artists (",
		"\tid INTEGER NOT NULL,",
		"\tnationality TEXT\n",
		"2 rows from artists table:",
		"1\tClaude Monet\tFrench",
		"CREATE TABLE artworks (",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("rendered schema missing %q:\n%s", want, got)
		}
	}

	// No sample block for tables without rows.
	if strings.Contains(got, "rows from artworks table") {
		t.Errorf("unexpected sample block for empty table:\n%s", got)
	}
}

func TestRender_Empty(t *testing.T) {
	if got := Render(nil); got != "" {
		t.Errorf("expected empty render, got %q", got)
	}
}

func TestFormatValue(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "NULL"},
		{"bytes", []byte("hello"), "hello"},
		{"long bytes truncated", []byte(strings.Repeat("x", 150)), strings.Repeat("x", 100) + "..."},
		{"time", ts, "2024-05-01T12:00:00Z"},
		{"int", int64(42), "42"},
		{"string", "plain", "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatValue(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInspectorSetDBDuringDescribe(t *testing.T) {
	open := func() *sql.DB {
		db, err := sql.Open("pgx", "postgres://u:p@localhost:1/none")
		if err != nil {
			t.Fatalf("sql.Open: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		return db
	}

	insp := NewInspector(open(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	fresh := open()

	// A credential rotation swaps the connection from the renewer goroutine
	// while Describe runs on a request goroutine. Query errors are expected
	// (the handles point nowhere); only safe interleaving is under test.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 25; i++ {
			insp.SetDB(fresh)
		}
	}()
	for i := 0; i < 25; i++ {
		_, _ = insp.Describe(context.Background())
	}
	<-done
}
