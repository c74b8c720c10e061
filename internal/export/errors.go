package export

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures. Whether a kind is fatal depends on
// where it occurs; see Fatal.
type Kind string

const (
	KindAssetDecode       Kind = "asset_decode"
	KindStagingWrite      Kind = "staging_write"
	KindAudioMixdown      Kind = "audio_mixdown"
	KindEncoderInvocation Kind = "encoder_invocation"
	KindArtifactMissing   Kind = "artifact_missing"
	KindDestination       Kind = "destination"
	KindInvalidConfig     Kind = "invalid_config"
	KindCanceled          Kind = "canceled"
	// KindInternal marks a pipeline stage that panicked.
	KindInternal Kind = "internal"
)

// Sentinels for errors.Is; any *Error of the same kind matches.
var (
	ErrAssetDecode       = &Error{Kind: KindAssetDecode}
	ErrStagingWrite      = &Error{Kind: KindStagingWrite}
	ErrAudioMixdown      = &Error{Kind: KindAudioMixdown}
	ErrEncoderInvocation = &Error{Kind: KindEncoderInvocation}
	ErrArtifactMissing   = &Error{Kind: KindArtifactMissing}
	ErrDestination       = &Error{Kind: KindDestination}
	ErrInvalidConfig     = &Error{Kind: KindInvalidConfig}
	ErrCanceled          = &Error{Kind: KindCanceled}
	ErrInternal          = &Error{Kind: KindInternal}
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Fatal reports whether a failure of this kind aborts a run.
func (k Kind) Fatal() bool {
	switch k {
	case KindStagingWrite, KindEncoderInvocation, KindArtifactMissing, KindInvalidConfig, KindCanceled, KindInternal:
		return true
	case KindAssetDecode, KindAudioMixdown, KindDestination:
		return false
	default:
		return true
	}
}

// KindOf extracts the kind of err, or "" for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
