package db

import (
	"context"
	"path/filepath"
	"testing"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		url        string
		wantDriver string
		wantSource string
		wantErr    bool
	}{
		{"sqlite://criteria.db", "sqlite3", "criteria.db", false},
		{"sqlite:///var/lib/criteria.db", "sqlite3", "/var/lib/criteria.db", false},
		{"postgres://app@db:5432/criteria?sslmode=disable", "postgres", "postgres://app@db:5432/criteria?sslmode=disable", false},
		{"postgresql://db/criteria", "postgres", "postgresql://db/criteria", false},
		{"mysql://db/criteria", "", "", true},
		{"://bad", "", "", true},
	}

	for _, tt := range tests {
		driver, source, err := parseURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			continue
		}
		if driver != tt.wantDriver || source != tt.wantSource {
			t.Errorf("parseURL(%q) = %q, %q, want %q, %q", tt.url, driver, source, tt.wantDriver, tt.wantSource)
		}
	}
}

func TestOpenAndQueries_SQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "criteria.db")

	conn, err := Open(ctx, "sqlite://"+path)
	if err != nil {
		t.Fatalf("Open() error = %v, want nil", err)
	}
	defer conn.Close()

	q, err := LoadQueries(conn)
	if err != nil {
		t.Fatalf("LoadQueries() error = %v, want nil", err)
	}
	if err := q.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v, want nil", err)
	}

	if err := q.Get(ctx, "no-such-query", new(int)); err == nil {
		t.Error("Get() with unknown query error = nil, want error")
	}
}
