package upstream

import "errors"

// ErrTransient covers network timeouts, connection errors, and 5xx
// responses from the upstream's JSON-RPC endpoint.
var ErrTransient = errors.New("upstream: transient error")

// ErrAuth indicates the cached session id was rejected; the client
// invalidates its session and the caller may retry once.
var ErrAuth = errors.New("upstream: authentication error")

// ErrRateLimited is returned for an HTTP 429 response. The Worker aborts
// the cycle on it and counts it as a breaker failure, the same as any
// other upstream error; it is not exempted from the breaker.
var ErrRateLimited = errors.New("upstream: rate limited")

// ErrMalformed indicates the JSON-RPC response could not be parsed or
// carried an RPC-level error the client does not otherwise classify.
var ErrMalformed = errors.New("upstream: malformed response")
