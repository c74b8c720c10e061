package export

import (
	"fmt"
	"math"
	"sync"
)

// Progress is one update of an export's completion.
type Progress struct {
	ExportID   string  `json:"export_id"`
	Percentage float64 `json:"percentage"`
	Message    string  `json:"message"`
	State      string  `json:"state"`
	Done       bool    `json:"done"`
}

// Notifier receives progress updates. Delivery is best effort and must
// not block the pipeline.
type Notifier interface {
	Notify(Progress)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Progress)

func (f NotifierFunc) Notify(p Progress) { f(p) }

type noopNotifier struct{}

func (noopNotifier) Notify(Progress) {}

// Overall percentage bands per run stage.
const (
	pctStart       = 0
	pctFramesStart = 5
	pctFramesEnd   = 80
	pctAudioDone   = 85
	pctEncodeDone  = 95
	pctFinalized   = 98
	pctDone        = 100
)

// frameBand maps the n-th verified frame of total into the frame band.
func frameBand(done, total int) float64 {
	if total <= 0 {
		return pctFramesEnd
	}
	return pctFramesStart + float64(pctFramesEnd-pctFramesStart)*float64(done)/float64(total)
}

// tracker is the single writer of a session's progress. Percentages never
// go backwards.
type tracker struct {
	exportID string
	notifier Notifier

	mu      sync.Mutex
	current Progress
}

func newTracker(exportID string, n Notifier) *tracker {
	if n == nil {
		n = noopNotifier{}
	}
	return &tracker{
		exportID: exportID,
		notifier: n,
		current:  Progress{ExportID: exportID, State: StateIdle.String()},
	}
}

func (t *tracker) set(pct float64, state State, msg string) {
	t.mu.Lock()
	if math.IsNaN(pct) {
		pct = t.current.Percentage
	}
	pct = math.Max(0, math.Min(pctDone, pct))
	if pct < t.current.Percentage {
		pct = t.current.Percentage
	}
	t.current = Progress{
		ExportID:   t.exportID,
		Percentage: math.Round(pct*10) / 10,
		Message:    msg,
		State:      state.String(),
		Done:       state.Terminal(),
	}
	snapshot := t.current
	t.mu.Unlock()

	t.notifier.Notify(snapshot)
}

func (t *tracker) get() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// timecode renders a frame index as HH:MM:SS:FF for progress messages.
func timecode(frame int, fps float64) string {
	rate := int(math.Round(fps))
	if rate <= 0 {
		rate = DefaultFPS
	}
	frames := frame % rate
	totalSeconds := frame / rate
	seconds := totalSeconds % 60
	totalMinutes := totalSeconds / 60
	minutes := totalMinutes % 60
	hours := totalMinutes / 60
	return fmt.Sprintf("%02d:%02d:%02d:%02d", hours, minutes, seconds, frames)
}
