package tid

import "github.com/bluesky-social/indigo/atproto/syntax"

var c = syntax.NewTIDClock(0)

// TID returns a fresh timestamp identifier. TIDs sort by creation time.
func TID() string {
	return c.Next().String()
}
