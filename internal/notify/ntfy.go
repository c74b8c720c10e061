package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/heimdex/heimdex-render/internal/config"
	"github.com/heimdex/heimdex-render/internal/export"
)

var userAgent = "Heimdex-Render/" + config.Version

// NewSummary builds the end-of-export notifier. Without a topic it
// returns a notifier that does nothing.
func NewSummary(cfg config.NtfyConfig, logger *slog.Logger) export.SummaryNotifier {
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return noopSummary{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	endpoint := topic
	if !strings.HasPrefix(topic, "http://") && !strings.HasPrefix(topic, "https://") {
		endpoint = strings.TrimRight(cfg.Server, "/") + "/" + topic
	}
	return &ntfySummary{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfySummary struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func (n *ntfySummary) Summarize(ctx context.Context, projectName string, res *export.Result) {
	if err := n.send(ctx, summaryPayload(projectName, res)); err != nil {
		n.logger.Warn("failed to send export summary", "export_id", res.ExportID, "error", err)
	}
}

func summaryPayload(projectName string, res *export.Result) payload {
	name := strings.TrimSpace(projectName)
	if name == "" {
		name = res.ProjectID
	}
	elapsed := res.Elapsed.Round(time.Second)

	switch res.Status {
	case export.StatusSucceeded:
		msg := fmt.Sprintf("✅ %s exported as %s (%s) in %s", name, res.Config.Format, humanize.Bytes(uint64(res.Artifact.Size())), elapsed)
		if res.Delivery != nil && res.Delivery.Location != "" {
			msg += "\n" + res.Delivery.Location
		}
		if n := len(res.Warnings); n > 0 {
			msg += fmt.Sprintf("\n%d warning(s)", n)
		}
		return payload{
			title:   "Heimdex Render - Export Complete",
			message: msg,
			tags:    []string{"heimdex", "export", "completed"},
		}
	case export.StatusPartial:
		reason := "destination unavailable"
		if n := len(res.Warnings); n > 0 {
			reason = res.Warnings[n-1].Error()
		}
		return payload{
			title:    "Heimdex Render - Export Not Delivered",
			message:  fmt.Sprintf("⚠️ %s rendered but was not delivered to %s: %s", name, res.Config.Destination, reason),
			tags:     []string{"heimdex", "export", "partial"},
			priority: "high",
		}
	default:
		reason := "unknown"
		if res.Err != nil {
			reason = strings.TrimSpace(res.Err.Error())
		}
		return payload{
			title:    "Heimdex Render - Export Failed",
			message:  fmt.Sprintf("❌ %s failed: %s", name, reason),
			tags:     []string{"heimdex", "export", "failed"},
			priority: "high",
		}
	}
}

func (n *ntfySummary) send(ctx context.Context, data payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopSummary struct{}

func (noopSummary) Summarize(context.Context, string, *export.Result) {}
