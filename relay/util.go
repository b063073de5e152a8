package relay

import (
	"net"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/roverlink/transport"
)

// ReasonString formats disconnect reason for humans.
// Well known network errors are shortened for easier log reading.
func ReasonString(err error) string {
	if err == nil {
		return "closed"
	}
	cause := errors.Cause(err)
	if cause == transport.ErrClosed {
		return "closed by remote"
	}
	estr := err.Error()
	if neterr, ok := cause.(net.Error); ok && neterr.Timeout() {
		return "timeout"
	} else if strings.HasSuffix(estr, "i/o timeout") {
		return "timeout"
	} else if strings.HasSuffix(estr, "connection reset by peer") {
		return "closed by remote"
	}
	return estr
}
