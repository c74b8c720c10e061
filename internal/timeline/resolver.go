package timeline

import "sort"

// VisibleElements returns the elements active at t, ordered by layer with
// ties kept in document order. Audio elements are included; painting code
// skips them.
func VisibleElements(p *Project, t float64) []Element {
	if p == nil {
		return []Element{}
	}

	visible := make([]Element, 0, len(p.Elements))
	for _, e := range p.Elements {
		if e.ActiveAt(t) {
			visible = append(visible, e)
		}
	}

	// SliceStable preserves the original index for equal layers.
	sort.SliceStable(visible, func(i, j int) bool {
		return visible[i].Layer < visible[j].Layer
	})
	return visible
}

// FrameCount is the number of frames needed to cover the effective
// duration at fps.
func FrameCount(p *Project, fps float64) int {
	if p == nil || fps <= 0 {
		return 0
	}
	return SpanCount(p.EffectiveDuration(), fps)
}

// SpanCount is the number of whole units at rate per second needed to
// cover seconds. Products within 1e-9 of an integer are not rounded up,
// so 0.1s at 44100 Hz is 4410 samples rather than 4411.
func SpanCount(seconds, rate float64) int {
	n := seconds * rate
	if !(n > 0) {
		return 0
	}
	count := int(n)
	if float64(count) < n-1e-9 {
		count++
	}
	return count
}

// FrameTime maps a frame index to its timeline instant.
func FrameTime(index int, fps float64) float64 {
	return float64(index) / fps
}
