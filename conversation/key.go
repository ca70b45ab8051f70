package conversation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Separator joins the two participant identifiers of a conversation key.
// ValidateIdentifier keeps it out of identifiers so keys always split cleanly.
const Separator = "_"

var (
	// ErrMalformedKey indicates a key that does not split into two non-empty halves.
	ErrMalformedKey = errors.New("conversation: malformed key")
	// ErrInvalidIdentifier indicates an identifier that cannot address the store.
	ErrInvalidIdentifier = errors.New("conversation: invalid identifier")
)

// reservedChars cannot appear inside an identifier: the key separator, the
// path separator and the characters the store reserves in keys.
const reservedChars = Separator + "/.$#[]"

// Key is the canonical address of a two-party conversation.
type Key string

func (k Key) String() string {
	return string(k)
}

// DeriveKey returns the symmetric key for a and b.
//
// DeriveKey(a, b) == DeriveKey(b, a), and DeriveKey(x, x) is the self-chat key "x_x".
func DeriveKey(a, b string) Key {
	pair := []string{a, b}
	sort.Strings(pair)
	return Key(pair[0] + Separator + pair[1])
}

// Split returns the two participants of key in stored (ascending) order.
func Split(key Key) (string, string, error) {
	parts := strings.Split(string(key), Separator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedKey, string(key))
	}
	return parts[0], parts[1], nil
}

// PeerOf returns the participant of key that is not self.
//
// For a self-chat both halves equal self and self is returned. ok is false
// when self is not a participant or the key is malformed.
func PeerOf(key Key, self string) (string, bool) {
	a, b, err := Split(key)
	if err != nil {
		return "", false
	}
	switch self {
	case a:
		return b, true
	case b:
		return a, true
	default:
		return "", false
	}
}

// Includes reports whether self participates in key.
func Includes(key Key, self string) bool {
	_, ok := PeerOf(key, self)
	return ok
}

// ValidateIdentifier checks that id can be used as a participant identifier.
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if strings.TrimSpace(id) != id {
		return fmt.Errorf("%w: %q has surrounding whitespace", ErrInvalidIdentifier, id)
	}
	if i := strings.IndexAny(id, reservedChars); i >= 0 {
		return fmt.Errorf("%w: %q contains reserved character %q", ErrInvalidIdentifier, id, id[i])
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%w: %q is not valid UTF-8", ErrInvalidIdentifier, id)
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %q contains a control character", ErrInvalidIdentifier, id)
		}
		// MaxRune bounds prefix range queries over identifiers.
		if r == unicode.MaxRune {
			return fmt.Errorf("%w: %q contains U+10FFFF", ErrInvalidIdentifier, id)
		}
	}
	return nil
}
