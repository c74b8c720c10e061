package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zip"
)

const (
	archiveFrameDir = "frames/"
	manifestName    = "manifest.json"
)

// Manifest describes an image-sequence archive.
type Manifest struct {
	ProjectID    string    `json:"project_id"`
	ProjectName  string    `json:"project_name"`
	FPS          float64   `json:"fps"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	FrameCount   int       `json:"frame_count"`
	FramePattern string    `json:"frame_pattern"`
	Audio        string    `json:"audio,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type archiveEntry struct {
	name string
	data []byte
}

// buildArchive packages frames in index order followed by the optional
// audio track and the manifest. JPEG payloads are stored uncompressed;
// the audio track and manifest are deflated.
func buildArchive(m Manifest, frames []archiveEntry, audio []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	add := func(name string, method uint16, data []byte) error {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   method,
			Modified: m.CreatedAt,
		})
		if err != nil {
			return fmt.Errorf("add %s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		return nil
	}

	for _, f := range frames {
		if err := add(archiveFrameDir+f.name, zip.Store, f.data); err != nil {
			return nil, err
		}
	}
	if audio != nil {
		if err := add(m.Audio, zip.Deflate, audio); err != nil {
			return nil, err
		}
	}

	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := add(manifestName, zip.Deflate, manifest); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), nil
}
