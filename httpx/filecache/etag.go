package filecache

import (
	"crypto/md5"
	"encoding/hex"
)

// ETag returns a quoted hex digest of content. MD5 is enough for validating
// cached copies; it is not used as a security boundary.
func ETag(content []byte) string {
	sum := md5.Sum(content)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
