package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/heimdex/heimdex-render/internal/config"
	"github.com/heimdex/heimdex-render/internal/export"
)

func drain(ch <-chan export.Progress) []export.Progress {
	var out []export.Progress
	for p := range ch {
		out = append(out, p)
	}
	return out
}

func TestHub_DeliversUntilDone(t *testing.T) {
	h := NewHub(8, nil)
	sub := h.Subscribe("e1")
	other := h.Subscribe("e2")
	defer other.Close()

	h.Publish(export.Progress{ExportID: "e1", Percentage: 10})
	h.Publish(export.Progress{ExportID: "e2", Percentage: 50})
	h.Publish(export.Progress{ExportID: "e1", Percentage: 100, Done: true})

	got := drain(sub.Updates())
	if len(got) != 2 || got[1].Percentage != 100 || !got[1].Done {
		t.Fatalf("updates = %+v, want 10 then done", got)
	}
	if h.Subscribers("e1") != 0 {
		t.Error("finished export still has subscribers")
	}
	if h.Subscribers("e2") != 1 {
		t.Error("other export lost its subscriber")
	}
}

func TestHub_DropsOldestWhenFull(t *testing.T) {
	h := NewHub(2, nil)
	sub := h.Subscribe("e1")
	for i := 1; i <= 5; i++ {
		h.Publish(export.Progress{ExportID: "e1", Percentage: float64(i * 10)})
	}
	sub.Close()

	got := drain(sub.Updates())
	if len(got) != 2 || got[0].Percentage != 40 || got[1].Percentage != 50 {
		t.Fatalf("updates = %+v, want the newest two", got)
	}
}

func TestHub_LateSubscriberSeesLatest(t *testing.T) {
	h := NewHub(4, nil)
	h.Publish(export.Progress{ExportID: "e1", Percentage: 30})

	sub := h.Subscribe("e1")
	select {
	case p := <-sub.Updates():
		if p.Percentage != 30 {
			t.Errorf("first update = %v, want 30", p.Percentage)
		}
	case <-time.After(time.Second):
		t.Fatal("late subscriber got nothing")
	}
	sub.Close()
	sub.Close()

	h.Publish(export.Progress{ExportID: "e1", Percentage: 100, Done: true})
	done := h.Subscribe("e1")
	got := drain(done.Updates())
	if len(got) != 1 || !got[0].Done {
		t.Fatalf("subscriber after completion = %+v, want the terminal update then close", got)
	}

	h.Publish(export.Progress{ExportID: "e1", Percentage: 0, Message: "stale"})
	if p, _ := h.Latest("e1"); !p.Done {
		t.Error("updates after completion must be ignored")
	}
}

func TestNewSummary_NoopWithoutTopic(t *testing.T) {
	s := NewSummary(config.NtfyConfig{Server: "https://ntfy.sh"}, nil)
	if _, ok := s.(noopSummary); !ok {
		t.Fatalf("NewSummary without topic = %T, want noop", s)
	}
	s.Summarize(context.Background(), "x", &export.Result{})
}

func TestSummary_Payloads(t *testing.T) {
	tests := []struct {
		name          string
		res           *export.Result
		expectTitle   string
		expectMessage string
		expectTags    string
		expectPrio    string
	}{
		{
			name: "succeeded",
			res: &export.Result{
				Status:   export.StatusSucceeded,
				Config:   export.Config{Format: export.FormatVideo, Destination: export.DestinationRemote},
				Artifact: &export.Artifact{Data: make([]byte, 2_000_000)},
				Delivery: &export.Delivery{Location: "s3://exports/e1/Teaser.mp4"},
				Elapsed:  12 * time.Second,
			},
			expectTitle:   "Heimdex Render - Export Complete",
			expectMessage: "✅ Teaser exported as video (2.0 MB) in 12s\ns3://exports/e1/Teaser.mp4",
			expectTags:    "heimdex,export,completed",
		},
		{
			name: "partial",
			res: &export.Result{
				Status:   export.StatusPartial,
				Config:   export.Config{Format: export.FormatVideo, Destination: export.DestinationRemote},
				Warnings: []error{errors.New("bucket unreachable")},
			},
			expectTitle:   "Heimdex Render - Export Not Delivered",
			expectMessage: "⚠️ Teaser rendered but was not delivered to remote-upload: bucket unreachable",
			expectTags:    "heimdex,export,partial",
			expectPrio:    "high",
		},
		{
			name:          "failed",
			res:           &export.Result{Status: export.StatusFailed, Err: errors.New("encoder_invocation: exit 1")},
			expectTitle:   "Heimdex Render - Export Failed",
			expectMessage: "❌ Teaser failed: encoder_invocation: exit 1",
			expectTags:    "heimdex,export,failed",
			expectPrio:    "high",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var title, tags, prio, body, path string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				title = r.Header.Get("Title")
				tags = r.Header.Get("Tags")
				prio = r.Header.Get("Priority")
				path = r.URL.Path
				b, _ := io.ReadAll(r.Body)
				body = string(b)
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			s := NewSummary(config.NtfyConfig{Server: server.URL + "/", Topic: "renders"}, nil)
			s.Summarize(context.Background(), "Teaser", tt.res)

			if path != "/renders" {
				t.Errorf("path = %q, want /renders", path)
			}
			if title != tt.expectTitle || tags != tt.expectTags || prio != tt.expectPrio {
				t.Errorf("headers = %q %q %q", title, tags, prio)
			}
			if body != tt.expectMessage {
				t.Errorf("message = %q, want %q", body, tt.expectMessage)
			}
		})
	}
}

func TestSummary_FullURLTopic(t *testing.T) {
	hit := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = strings.HasSuffix(r.URL.Path, "/custom")
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	s := NewSummary(config.NtfyConfig{Server: "https://unused.example", Topic: server.URL + "/custom"}, nil)
	s.Summarize(context.Background(), "Teaser", &export.Result{Status: export.StatusFailed})
	if !hit {
		t.Error("full URL topic should be used as the endpoint")
	}
}
