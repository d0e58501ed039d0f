// Package cgi runs an external interpreter for one request following the CGI
// environment contract and splits its output into headers and body.
package cgi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dqx0.com/go/reactor/httpx/internal/http1"
)

// ErrInterpreter reports a failed invocation: the interpreter could not be
// started, exited non-zero, or produced no output.
var ErrInterpreter = errors.New("cgi: interpreter failure")

// DefaultInherit lists the variables copied from the server's environment.
var DefaultInherit = []string{"PATH", "HOME", "USER"}

// Request is what the bridge needs from an inbound request.
type Request struct {
	Script     string // absolute script path
	Method     string
	Path       string // decoded request path
	Target     string // request-target as received
	Query      string
	Proto      string
	Header     http1.Header // lowercased names
	Body       []byte
	RemoteAddr string
}

// Result is the interpreter's response split into parts.
type Result struct {
	Status int
	Header http1.Header // lowercased names, status removed
	Body   []byte
	Stderr []byte
}

type Bridge struct {
	Interpreter string
	ServerName  string
	ServerPort  string
	Timeout     time.Duration
	Inherit     []string
}

// Env builds the child environment for r.
func (b *Bridge) Env(r *Request) []string {
	env := []string{
		"REQUEST_METHOD=" + r.Method,
		"SCRIPT_FILENAME=" + r.Script,
		"SCRIPT_NAME=" + r.Path,
		"PATH_INFO=",
		"QUERY_STRING=" + r.Query,
		"REQUEST_URI=" + r.Target,
		"CONTENT_LENGTH=" + strconv.Itoa(len(r.Body)),
	}
	if ct := r.Header.Get("content-type"); ct != "" {
		env = append(env, "CONTENT_TYPE="+ct)
	}
	proto := r.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	env = append(env,
		"SERVER_PROTOCOL="+proto,
		"SERVER_NAME="+b.ServerName,
		"SERVER_PORT="+b.ServerPort,
		"GATEWAY_INTERFACE=CGI/1.1",
		"REDIRECT_STATUS=200",
	)
	if r.RemoteAddr != "" {
		env = append(env, "REMOTE_ADDR="+r.RemoteAddr)
	}
	for _, f := range r.Header {
		env = append(env, "HTTP_"+strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))+"="+f.Value)
	}
	inherit := b.Inherit
	if inherit == nil {
		inherit = DefaultInherit
	}
	for _, k := range inherit {
		env = append(env, k+"="+os.Getenv(k))
	}
	return env
}

// Invoke runs the interpreter for r and waits for it. The working directory
// is the script's directory and the body is piped to stdin when the method
// carries one.
func (b *Bridge) Invoke(ctx context.Context, r *Request) (*Result, error) {
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, b.Interpreter)
	cmd.Dir = filepath.Dir(r.Script)
	cmd.WaitDelay = time.Second
	cmd.Env = b.Env(r)
	if len(r.Body) > 0 && r.Method != "GET" && r.Method != "HEAD" {
		cmd.Stdin = bytes.NewReader(r.Body)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v: %s", ErrInterpreter, r.Script, err, bytes.TrimSpace(stderr.Bytes()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("%w: %s: no output", ErrInterpreter, r.Script)
	}
	hdr, body := ParseOutput(stdout.Bytes())
	res := &Result{Status: 200, Header: hdr, Body: body, Stderr: stderr.Bytes()}
	if s := hdr.Get("status"); s != "" {
		code, _, _ := strings.Cut(s, " ")
		if n, err := strconv.Atoi(code); err == nil && http1.KnownStatus(n) {
			res.Status = n
		}
		res.Header.Del("status")
	} else if hdr.Has("location") {
		res.Status = 302
	}
	return res, nil
}

// ParseOutput splits interpreter output on the first header/body delimiter.
// Without a delimiter the whole output is the body.
func ParseOutput(out []byte) (http1.Header, []byte) {
	i := bytes.Index(out, http1.Delimiter)
	if i < 0 {
		return nil, out
	}
	var hdr http1.Header
	for _, line := range strings.Split(string(out[:i]), "\r\n") {
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		hdr = append(hdr, http1.Field{Name: strings.ToLower(name), Value: value})
	}
	return hdr, out[i+len(http1.Delimiter):]
}
