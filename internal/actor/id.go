package actor

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MaxNameLength is the longest name accepted by IDFromName through the
// router.
const MaxNameLength = 32

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)

	hexID = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
)

// ID addresses one actor instance within a namespace.
type ID string

func (id ID) String() string { return string(id) }

func newULID() ID {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return ID(strings.ToLower(id.String()))
}

// IsValidID reports whether s is a canonical actor id: a ULID as minted by
// NewUniqueID or the 64 hex digits produced by IDFromName.
func IsValidID(s string) bool {
	if hexID.MatchString(s) {
		return true
	}
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// IsValidName reports whether s may be hashed into an id.
func IsValidName(s string) bool {
	return s != "" && len(s) <= MaxNameLength
}

func hashName(namespace, name string) ID {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	return ID(hex.EncodeToString(sum[:]))
}
