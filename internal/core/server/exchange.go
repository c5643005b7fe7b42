package server

import (
	"context"
	"net/http"
)

// exchange adapts an inbound *http.Request to rules.Request and collects
// the rewrites and answers actions make. The original request is never
// modified; the proxy works on a clone carrying the rewritten target.
type exchange struct {
	req *http.Request

	path       string
	rawQuery   string
	redirected bool
	headers    http.Header

	answered bool
	status   int
	body     string
	location string
}

func newExchange(r *http.Request) *exchange {
	return &exchange{
		req:      r,
		path:     r.URL.Path,
		rawQuery: r.URL.RawQuery,
		headers:  make(http.Header),
	}
}

func (x *exchange) Path() string       { return x.path }
func (x *exchange) RawQuery() string   { return x.rawQuery }
func (x *exchange) ServerName() string { return x.req.Host }
func (x *exchange) Method() string     { return x.req.Method }

// IsSubrequest is always false; the host never issues subrequests.
func (x *exchange) IsSubrequest() bool { return false }

// IsInternalRedirect reports whether an action has rewritten the path.
func (x *exchange) IsInternalRedirect() bool { return x.redirected }

func (x *exchange) SetPath(path string) {
	if path != x.path {
		x.path = path
		x.redirected = true
	}
}

func (x *exchange) SetQuery(rawQuery string) { x.rawQuery = rawQuery }

// SetHeader records a header for the upstream request, or for the response
// when the host answers itself.
func (x *exchange) SetHeader(name, value string) { x.headers.Set(name, value) }

func (x *exchange) Respond(status int, body string) {
	x.answered = true
	x.status = status
	x.body = body
	x.location = ""
}

func (x *exchange) Redirect(status int, location string) {
	x.answered = true
	x.status = status
	x.body = ""
	x.location = location
}

// upstreamRequest clones the original request with the rewritten path,
// query and recorded headers applied.
func (x *exchange) upstreamRequest(ctx context.Context) *http.Request {
	out := x.req.Clone(ctx)
	out.URL.Path = x.path
	out.URL.RawPath = ""
	out.URL.RawQuery = x.rawQuery
	for name, values := range x.headers {
		out.Header[name] = values
	}
	return out
}

// writeAnswer writes the response recorded by Respond or Redirect.
func (x *exchange) writeAnswer(w http.ResponseWriter) {
	for name, values := range x.headers {
		w.Header()[name] = values
	}
	if x.location != "" {
		w.Header().Set("Location", x.location)
	}
	if x.body != "" && w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(x.status)
	if x.body != "" {
		_, _ = w.Write([]byte(x.body))
	}
}
