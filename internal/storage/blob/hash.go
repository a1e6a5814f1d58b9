package blob

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

const (
	metaHash     = "blake3"
	metaHashAlgo = "hash-algo"
)

func contentHash(data []byte) string {
	h := blake3.New()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyContent reports whether data matches the content hash recorded in
// props. Blobs written without a hash always verify.
func VerifyContent(props Properties, data []byte) bool {
	want, ok := props.Metadata[metaHash]
	if !ok {
		return true
	}
	return want == contentHash(data)
}
