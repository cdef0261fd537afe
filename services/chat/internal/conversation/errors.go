package conversation

import "errors"

var (
	ErrEmptyTurn       = errors.New("message must contain text or an attachment")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotUserMessage  = errors.New("only your own messages can be edited")
	ErrNotModelMessage = errors.New("only model responses can be read aloud")
	ErrNothingToSpeak  = errors.New("message has no text to read aloud yet")
	ErrEmptyAudio      = errors.New("audio recording is empty")
	ErrRateLimited     = errors.New("Too many messages. Please wait a moment and try again.")

	errNoImage = errors.New("no image returned")
	errNoVideo = errors.New("no video returned")
)

// GatewayError marks a failed gateway call outside a turn, where there is no
// placeholder message to carry the failure.
type GatewayError struct {
	Err error
}

func (e *GatewayError) Error() string { return e.Err.Error() }

func (e *GatewayError) Unwrap() error { return e.Err }
