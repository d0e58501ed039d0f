package httpx

import (
	"strconv"

	"dqx0.com/go/reactor/httpx/internal/http1"
)

// Response is a complete response waiting to be serialized. Every response
// is followed by closing the connection.
type Response struct {
	Status int
	Header Header
	Body   []byte
}

// Bytes renders r in wire form.
func (r *Response) Bytes() []byte {
	return http1.Build(r.Status, r.Header, r.Body)
}

// headOnly returns r with its body removed and the length it would have had.
func (r *Response) headOnly() *Response {
	h := r.Header.Clone()
	if r.Status != 304 && !h.Has("Content-Length") {
		h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	}
	return &Response{Status: r.Status, Header: h}
}

func textResponse(status int, msg string) *Response {
	return &Response{
		Status: status,
		Header: Header{{Name: "Content-Type", Value: "text/plain; charset=utf-8"}},
		Body:   []byte(msg + "\n"),
	}
}

func errorResponse(err error) *Response {
	code := statusFor(err)
	r := textResponse(code, http1.Reason(code))
	if code == 405 {
		r.Header.Add("Allow", "GET, HEAD")
	}
	return r
}
