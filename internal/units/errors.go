package units

import (
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/canonical/lxd/shared/api"
)

// IsTransient returns whether err is a failure to reach LXD worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return api.StatusErrorCheck(err, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout)
}
