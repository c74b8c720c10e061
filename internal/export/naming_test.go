package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/heimdex/heimdex-render/internal/timeline"
)

func TestArtifactBaseName(t *testing.T) {
	long := strings.Repeat("é", MaxArtifactBase+20)
	tests := []struct {
		name, fallback string
		want           string
	}{
		{"Launch Teaser", "p1", "Launch_Teaser"},
		{"  Q3 Recap\t(final) ", "p1", "Q3_Recap(final)"},
		{"a\x00b\nc", "p1", "abc"},
		{"promo: v2/cut?", "p1", "promo__v2_cut_"},
		{"Übersicht 2026", "p1", "Übersicht_2026"},
		{"", "teaser-7", "teaser-7"},
		{"...", "teaser-7", "teaser-7"},
		{"\x01\x02", "", "export"},
		{" _._ ", "..", "export"},
		{long, "p1", strings.Repeat("é", MaxArtifactBase)},
	}
	for _, tt := range tests {
		if got := ArtifactBaseName(tt.name, tt.fallback); got != tt.want {
			t.Errorf("ArtifactBaseName(%q, %q) = %q, want %q", tt.name, tt.fallback, got, tt.want)
		}
	}
}

func TestArtifactName_PerFormat(t *testing.T) {
	p := &timeline.Project{ID: "p1", Name: "Launch Teaser"}
	tests := []struct {
		format Format
		want   string
	}{
		{FormatVideo, "Launch_Teaser.mp4"},
		{FormatImageSequence, "Launch_Teaser.zip"},
		{FormatSnapshot, "Launch_Teaser.json"},
	}
	for _, tt := range tests {
		if got := artifactName(p, tt.format); got != tt.want {
			t.Errorf("artifactName(%s) = %q, want %q", tt.format, got, tt.want)
		}
	}
	if got := artifactName(nil, FormatVideo); got != "export.mp4" {
		t.Errorf("artifactName(nil) = %q, want export.mp4", got)
	}
}

func TestCheckPathSegment(t *testing.T) {
	tests := []struct {
		seg     string
		maxLen  int
		wantErr bool
	}{
		{"Launch_Teaser.mp4", 120, false},
		{"0b9f3c1e-7d2a-4c59-9a0e-1f2d3c4b5a69", 64, false},
		{"", 64, true},
		{".", 64, true},
		{"..", 64, true},
		{"../a.mp4", 120, true},
		{"sub/a.mp4", 120, true},
		{`sub\a.mp4`, 120, true},
		{"with space.mp4", 120, true},
		{"abcdefghijklm", 12, true},
	}
	for _, tt := range tests {
		err := CheckPathSegment(tt.seg, tt.maxLen)
		if (err != nil) != tt.wantErr {
			t.Errorf("CheckPathSegment(%q) = %v, wantErr %v", tt.seg, err, tt.wantErr)
		}
	}
}

func TestCheckOutputDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "artifact.mp4")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name    string
		dir     string
		wantErr string
	}{
		{"existing", dir, ""},
		{"unset", " ", "not set"},
		{"missing", filepath.Join(dir, "missing"), "does not exist"},
		{"unclean", dir + "/./sub", "not a clean path"},
		{"parent reference", "../exports", "not a clean path"},
		{"file", file, "is a file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckOutputDir(tt.dir)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("CheckOutputDir(%q) = %v", tt.dir, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("CheckOutputDir(%q) = %v, want %q", tt.dir, err, tt.wantErr)
			}
		})
	}
}
