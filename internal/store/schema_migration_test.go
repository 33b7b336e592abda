package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitMigrationEncodesTreeInvariants(t *testing.T) {
	migrationPath := filepath.Join("..", "..", "db", "migrations", "0001_init.up.sql")
	sqlBytes, err := os.ReadFile(migrationPath)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	expectedSnippets := []string{
		"CONSTRAINT blocks_sibling_order UNIQUE NULLS NOT DISTINCT (page_id, parent_id, sort_order)",
		"DEFERRABLE INITIALLY DEFERRED",
		"FOREIGN KEY (parent_id, page_id) REFERENCES blocks (id, page_id) ON DELETE CASCADE",
		"FOREIGN KEY (parent_id, page_id) REFERENCES comments (id, page_id) ON DELETE CASCADE",
	}
	for _, snippet := range expectedSnippets {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}

	for _, blockType := range BlockTypes {
		if !strings.Contains(sqlText, "'"+blockType+"'") {
			t.Fatalf("block type %q missing from blocks.type check", blockType)
		}
	}
}

func TestValidBlockType(t *testing.T) {
	cases := map[string]bool{
		"text":     true,
		"heading3": true,
		"checkbox": true,
		"heading4": false,
		"":         false,
		"TEXT":     false,
	}
	for input, want := range cases {
		if got := ValidBlockType(input); got != want {
			t.Fatalf("ValidBlockType(%q) = %v, want %v", input, got, want)
		}
	}
}
