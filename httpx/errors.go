package httpx

import (
	"errors"
	"fmt"
	"io/fs"

	"dqx0.com/go/reactor/httpx/cgi"
	"dqx0.com/go/reactor/httpx/filecache"
)

var (
	ErrFraming         = errors.New("httpx: malformed request")
	ErrHeaderTooLarge  = errors.New("httpx: header too large")
	ErrBodyTooLarge    = errors.New("httpx: body too large")
	ErrRoute           = errors.New("httpx: route resolution")
	ErrPathTraversal   = fmt.Errorf("%w: path escapes document root", ErrRoute)
	ErrNotFound        = fmt.Errorf("%w: not found", ErrRoute)
	ErrBadTarget       = fmt.Errorf("%w: unsupported request target", ErrRoute)
	ErrMethod          = errors.New("httpx: method not allowed")
	ErrUpstreamConnect = errors.New("httpx: upstream connect failed")
	ErrBusy            = errors.New("httpx: worker queue full")
	ErrServerClosed    = errors.New("httpx: server closed")

	// ErrInterpreter is returned by the CGI bridge.
	ErrInterpreter = cgi.ErrInterpreter
)

// statusFor maps an error from the request path to a response status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrFraming),
		errors.Is(err, ErrHeaderTooLarge),
		errors.Is(err, ErrBodyTooLarge),
		errors.Is(err, ErrPathTraversal),
		errors.Is(err, ErrBadTarget):
		return 400
	case errors.Is(err, ErrNotFound),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, filecache.ErrIsDir):
		return 404
	case errors.Is(err, ErrMethod):
		return 405
	default:
		return 500
	}
}
