package crawler

import (
	"errors"
	"fmt"
)

// Error taxonomy for per-job failures. None of these stop the worker loop.
var (
	ErrQueueUnavailable = errors.New("queue unavailable")
	ErrAckFailed        = errors.New("ack failed")
	ErrSaveFailed       = errors.New("save failed")
	ErrPublishFailed    = errors.New("publish failed")
	ErrRenderTimeout    = errors.New("render timeout")
	ErrRenderFailed     = errors.New("render failed")
	ErrRendererClosed   = errors.New("renderer closed")
)

// AckError reports a non-success response to an acknowledgement.
type AckError struct {
	Status int
	Body   string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("error deleting message: %d\n%s", e.Status, e.Body)
}

// Is lets errors.Is(err, ErrAckFailed) match.
func (e *AckError) Is(target error) bool {
	return target == ErrAckFailed
}

// SaveError reports a non-success response from the content store.
type SaveError struct {
	Status int
	Body   string
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("error submitting page content: %d\n%s", e.Status, e.Body)
}

// Is lets errors.Is(err, ErrSaveFailed) match.
func (e *SaveError) Is(target error) bool {
	return target == ErrSaveFailed
}
