// Package ffmpeg runs the ffmpeg and ffprobe executables as subprocesses
// and parses their results. It is the only place the agent shells out to
// the media toolchain.
package ffmpeg

import "time"

// RunResult is the structured outcome of one ffmpeg/ffprobe invocation.
type RunResult struct {
	ExitCode   int           `json:"exit_code"`
	StderrTail string        `json:"stderr_tail,omitempty"` // last N bytes of stderr
	Duration   time.Duration `json:"duration"`
}

// IsSuccess returns true when the subprocess exited cleanly.
func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 }

// ProbeResult is the subset of ffprobe output the export pipeline needs.
type ProbeResult struct {
	Duration    float64
	Width       int
	Height      int
	Codec       string
	FrameRate   float64
	AudioCodec  string
	AudioSample int
	HasVideo    bool
	HasAudio    bool
}

// Capabilities reports which encoder features are usable on this machine.
type Capabilities struct {
	FFmpegVersion  string    `json:"ffmpeg_version"`
	FFprobeVersion string    `json:"ffprobe_version"`
	HasFFmpeg      bool      `json:"has_ffmpeg"`
	HasFFprobe     bool      `json:"has_ffprobe"`
	HasLibx264     bool      `json:"has_libx264"`
	HasAAC         bool      `json:"has_aac"`
	ProbedAt       time.Time `json:"probed_at"`
}

// CanEncodeVideo reports whether video exports can be produced.
func (c Capabilities) CanEncodeVideo() bool {
	return c.HasFFmpeg && c.HasLibx264
}

type probeJSON struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		SampleRate   string `json:"sample_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}
