package message

import "errors"

var (
	errUnknownBlockType = errors.New("message: unknown content block type")

	// ErrStreamingUnsupported is returned by a Client whose provider/model
	// combination cannot stream and was asked to.
	ErrStreamingUnsupported = errors.New("message: streaming unsupported for this model")
	// ErrRateLimited is wrapped into adapter errors so callers can use
	// errors.Is to detect 429-class responses regardless of provider.
	ErrRateLimited = errors.New("message: rate limited")
)
