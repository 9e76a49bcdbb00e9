package kurir

import (
	"crypto/sha256"
	"hash/fnv"
	"net/http"
	"strconv"
)

// RequestKey derives the coalescing key for a request. GET requests are
// keyed by identifier alone so they share cache entries; other methods mix
// in the method and, when a body is present, a digest of it.
func RequestKey(req *FetchRequest) string {
	if req.method == http.MethodGet {
		return string(req.identifier)
	}

	h := fnv.New64a()
	h.Write([]byte(req.method))
	h.Write([]byte{0})
	h.Write([]byte(req.identifier))
	if len(req.body) > 0 {
		sum := sha256.Sum256(req.body)
		h.Write([]byte{0})
		h.Write(sum[:])
	}
	return req.method + ":" + strconv.FormatUint(h.Sum64(), 16)
}

// coalescable reports whether concurrent identical requests may share one
// network call. GET is handled by the cache, so only the remaining safe
// methods qualify.
func coalescable(method string) bool {
	switch method {
	case http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}
