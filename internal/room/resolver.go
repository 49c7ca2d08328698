// Package room maps subscription destinations to canonical room identifiers.
package room

import (
	"strings"
	"unicode"
)

// InvalidRoom is the placeholder room for destinations that cannot be parsed.
// Bookkeeping proceeds against it like any other room.
const InvalidRoom = "InvalidRoomId"

const (
	DefaultSubscribePrefix = "/sub/chat/room/"
	DefaultPublishPrefix   = "/pub/chat/room/"
)

// Resolver extracts the room identifier that follows one of its prefixes.
type Resolver struct {
	prefixes []string
}

// NewResolver builds a resolver for the given destination prefixes. Without
// prefixes it accepts the default subscribe and publish prefixes.
func NewResolver(prefixes ...string) Resolver {
	if len(prefixes) == 0 {
		prefixes = []string{DefaultSubscribePrefix, DefaultPublishPrefix}
	}
	return Resolver{prefixes: prefixes}
}

// Resolve never fails: anything that is not "<prefix><room>" with a single
// non-empty path segment yields InvalidRoom.
func (r Resolver) Resolve(destination string) string {
	dest := strings.TrimSpace(destination)
	for _, prefix := range r.prefixes {
		id, ok := strings.CutPrefix(dest, prefix)
		if !ok {
			continue
		}
		if validID(id) {
			return id
		}
		return InvalidRoom
	}
	return InvalidRoom
}

func validID(id string) bool {
	if id == "" || strings.Contains(id, "/") {
		return false
	}
	return !strings.ContainsFunc(id, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	})
}

var defaultResolver = NewResolver()

// Resolve maps a destination with the default prefixes.
func Resolve(destination string) string {
	return defaultResolver.Resolve(destination)
}
