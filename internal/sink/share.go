package sink

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-render/internal/export"
)

// SharePath is the public route prefix that resolves share tokens.
const SharePath = "/shares/"

// ShareSink keeps the artifact locally and mints a token that the public
// share route resolves.
type ShareSink struct {
	files   *DirSink
	baseURL string
}

func NewShareSink(files *DirSink, baseURL string) *ShareSink {
	return &ShareSink{files: files, baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *ShareSink) Deliver(ctx context.Context, exportID string, a *export.Artifact) (*export.Delivery, error) {
	d, err := s.files.Deliver(ctx, exportID, a)
	if err != nil {
		return nil, err
	}
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	d.ShareToken = token
	d.Location = s.baseURL + SharePath + token
	return d, nil
}
