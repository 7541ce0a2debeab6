package wire

import (
	"errors"
	"fmt"
)

// ErrMalformedLocator is returned for a peer locator that is not
// "<topicId>@<accountId>".
var ErrMalformedLocator = errors.New("wire: malformed peer locator")

// Layer names the envelope layer at which parsing failed.
type Layer string

const (
	LayerEnvelope Layer = "envelope"
	LayerPayload  Layer = "payload"
)

// maxRawExcerpt bounds the raw content kept on a ParseError for diagnostics.
const maxRawExcerpt = 512

// ParseError reports topic contents that could not be decoded.
type ParseError struct {
	Layer  Layer
	Reason string
	Raw    string // raw contents, truncated to maxRawExcerpt bytes
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: malformed %s: %s: %v", e.Layer, e.Reason, e.Err)
	}
	return fmt.Sprintf("wire: malformed %s: %s", e.Layer, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err is, or wraps, a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

func newParseError(layer Layer, raw []byte, reason string, err error) *ParseError {
	excerpt := string(raw)
	if len(excerpt) > maxRawExcerpt {
		excerpt = excerpt[:maxRawExcerpt]
	}
	return &ParseError{Layer: layer, Reason: reason, Raw: excerpt, Err: err}
}
