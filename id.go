package florin

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// NewID returns a time-ordered unique id for database records.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ExecFileID builds the cache key for a sandbox artifact. The prefix routes
// FileManager lookups to the execution-artifact tier.
func ExecFileID(filename string) string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("exec_%s_%s", uuid.NewString()[:8], filename)
	}
	return fmt.Sprintf("exec_%s_%s", hex.EncodeToString(b[:]), filename)
}
