package cachestatus

import "fmt"

// CacheName is the cache identifier used in the Cache-Status header (RFC 9211).
const CacheName = "CacheWorker"

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache was able to select a fresh response for the
	// request, but the request's semantics (e.g., Cache-Control request
	// directives) did not allow its use.
	FwdReasonRequest FwdReason = "request"
)

// CacheStatus describes how the cache handled a request.
// Responses are never served from the cache, so there is no hit status.
type CacheStatus struct {
	FwdReason FwdReason
	Stored    bool
	detail    string
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.FwdReason = reason
}

// Store marks that the forwarded response was written to the cache.
func (cs *CacheStatus) Store() {
	cs.Stored = true
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs CacheStatus) String() string {
	status := CacheName
	if cs.FwdReason != "" {
		status = fmt.Sprintf("%s; fwd=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status += "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
