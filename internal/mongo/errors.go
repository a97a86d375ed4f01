package mongo

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/juju/mgo/v3"
)

// Server error codes seen while an election or a shutdown is in progress.
var transientCodes = map[int]bool{
	6:     true, // HostUnreachable
	7:     true, // HostNotFound
	89:    true, // NetworkTimeout
	91:    true, // ShutdownInProgress
	189:   true, // PrimarySteppedDown
	9001:  true, // SocketException
	11600: true, // InterruptedAtShutdown
	11602: true, // InterruptedDueToReplStateChange
}

// Server error codes returned when a primary-only command reaches another member.
var notPrimaryCodes = map[int]bool{
	10107: true, // NotWritablePrimary
	13435: true, // NotPrimaryNoSecondaryOk
	13436: true, // NotPrimaryOrSecondary
}

var transientMessages = []string{
	"no reachable servers",
	"connection reset",
	"connection refused",
	"broken pipe",
	"i/o timeout",
	"closed explicitly",
}

// IsTransient returns whether err is a connectivity failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if IsExpectedDisconnect(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var queryErr *mgo.QueryError
	if errors.As(err, &queryErr) {
		return transientCodes[queryErr.Code]
	}

	msg := err.Error()
	for _, transient := range transientMessages {
		if strings.Contains(msg, transient) {
			return true
		}
	}

	return false
}

// IsExpectedDisconnect returns whether err is the connection drop a member causes when it steps down.
func IsExpectedDisconnect(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET)
}

// IsNotPrimary returns whether err reports that the member is not the primary.
func IsNotPrimary(err error) bool {
	if err == nil {
		return false
	}

	var queryErr *mgo.QueryError
	if errors.As(err, &queryErr) && notPrimaryCodes[queryErr.Code] {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "not master") || strings.Contains(msg, "not primary")
}
