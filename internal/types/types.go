package types

import (
	"errors"
	"strings"
)

// DocumentID identifies a collaborative document.
type DocumentID string

// SessionID identifies one client connection to a document.
type SessionID string

// ErrInvalidDocumentID is returned for identifiers that cannot be used as a
// storage key or URL path segment.
var ErrInvalidDocumentID = errors.New("invalid document id")

const maxDocumentIDLength = 256

// ParseDocumentID validates a raw identifier taken from a request.
func ParseDocumentID(raw string) (DocumentID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxDocumentIDLength {
		return "", ErrInvalidDocumentID
	}
	if strings.ContainsAny(raw, "/\\?#") || strings.Contains(raw, "..") {
		return "", ErrInvalidDocumentID
	}
	return DocumentID(raw), nil
}

func (id DocumentID) String() string { return string(id) }
