package wire

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// PeerLocator identifies a peer by the topic it listens on and the account
// that owns it. Its wire form is "<topicId>@<accountId>".
type PeerLocator struct {
	TopicID   string
	AccountID string
}

// ParsePeerLocator parses the wire form of a peer locator.
// Input is NFC normalised and trimmed first so that visually identical
// locators map to the same peer identity.
func ParsePeerLocator(raw string) (PeerLocator, error) {
	s := norm.NFC.String(strings.TrimSpace(raw))
	if s == "" {
		return PeerLocator{}, fmt.Errorf("%w: empty", ErrMalformedLocator)
	}
	if strings.Count(s, "@") != 1 {
		return PeerLocator{}, fmt.Errorf("%w: %q must contain exactly one '@'", ErrMalformedLocator, s)
	}
	if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return PeerLocator{}, fmt.Errorf("%w: %q contains whitespace", ErrMalformedLocator, s)
	}
	topic, account, _ := strings.Cut(s, "@")
	if topic == "" || account == "" {
		return PeerLocator{}, fmt.Errorf("%w: %q has an empty topic or account", ErrMalformedLocator, s)
	}
	return PeerLocator{TopicID: topic, AccountID: account}, nil
}

// String returns the wire form.
func (l PeerLocator) String() string {
	return l.TopicID + "@" + l.AccountID
}
