package utils

import (
	"net/http"
	"time"
)

// HTTPClient is shared by all chain RPC calls. Per-attempt deadlines are
// enforced by the retry executor; this is the hard transport cap.
var HTTPClient = &http.Client{
	Timeout: 30 * time.Second,
}
