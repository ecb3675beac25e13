package chain

import (
	"errors"
	"fmt"
	"net"
)

// HTTPError is a non-200 response from the RPC node.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("rpc: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryable is true for rate limiting and server errors.
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc: error %d: %s", e.Code, e.Message)
}

func isRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsRetryable()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
