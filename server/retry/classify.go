package retry

import (
	"context"
	"net"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/reclaimhq/reclaim/server/reclaim"
)

// retryableStatusCodes are the upstream HTTP statuses that have a possibility
// of succeeding on a retry. Everything else (e.g. 4xx business-rule
// rejections) is terminal.
var retryableStatusCodes = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

var retryableMessages = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
	"temporarily unavailable",
	"no such host",
}

// Retryable determines whether an integration call error can be retried. By
// default errors are considered non-retryable; only failures that we know
// have a possibility of succeeding on a retry return true.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var se reclaim.ErrWithStatusCode
	if errors.As(err, &se) {
		return retryableStatusCodes[se.StatusCode()]
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableMessages {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
