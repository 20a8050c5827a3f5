package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// TempPrefix marks client-generated placeholder ids. They exist only in
// local state until the durable store acknowledges the create.
const TempPrefix = "tmp_"

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// TempID returns a placeholder shape id for optimistic creates.
func TempID() string {
	return TempPrefix + uuid.NewString()
}

// IsTempID reports whether id was produced by TempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// SessionID identifies one live client connection for presence ownership.
func SessionID() string {
	return "ses_" + uuid.NewString()
}
