package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewIntentID returns a sortable payment intent id; it doubles as the
// correlation key for the provider push.
func NewIntentID() string {
	return "pi_" + newULID()
}

// NewConnHandle identifies one live chat connection.
func NewConnHandle() string {
	return "conn_" + newULID()
}

func newULID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
