package rules

import (
	"net/url"
	"strings"
)

// Request is the read-only view of an inbound request consumed by predicates
// and condition modules. Hosts adapt their native request type to it.
type Request interface {
	Path() string
	RawQuery() string
	ServerName() string
	Method() string
	IsSubrequest() bool
	IsInternalRedirect() bool
}

// StaticRequest is a value implementation of Request for tests, dry runs
// and hosts that snapshot request attributes up front.
type StaticRequest struct {
	RequestPath      string
	Query            string
	Host             string
	HTTPMethod       string
	Subrequest       bool
	InternalRedirect bool
}

func (r StaticRequest) Path() string             { return r.RequestPath }
func (r StaticRequest) RawQuery() string         { return r.Query }
func (r StaticRequest) ServerName() string       { return r.Host }
func (r StaticRequest) Method() string           { return r.HTTPMethod }
func (r StaticRequest) IsSubrequest() bool       { return r.Subrequest }
func (r StaticRequest) IsInternalRedirect() bool { return r.InternalRedirect }

// ArgValue is one occurrence of a query argument. HasValue is false for a
// bare "?name" and true for "?name=" (empty value) or "?name=v".
type ArgValue struct {
	Value    string
	HasValue bool
}

// QueryArgs maps argument names to their occurrences in request order.
type QueryArgs map[string][]ArgValue

// ParseQuery splits a raw query string into QueryArgs. Unlike url.ParseQuery
// it keeps bare names distinct from empty values and never fails: segments
// that cannot be unescaped are kept verbatim.
func ParseQuery(raw string) QueryArgs {
	args := make(QueryArgs)
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		name, value, hasValue := strings.Cut(part, "=")
		name = unescape(name)
		if name == "" {
			continue
		}
		arg := ArgValue{HasValue: hasValue}
		if hasValue {
			arg.Value = unescape(value)
		}
		args[name] = append(args[name], arg)
	}
	return args
}

// Has reports whether name occurs at all, with or without a value.
func (q QueryArgs) Has(name string) bool {
	_, ok := q[name]
	return ok
}

// HasValue reports whether some occurrence of name carries exactly value.
// Bare occurrences never match, not even an empty value.
func (q QueryArgs) HasValue(name, value string) bool {
	for _, v := range q[name] {
		if v.HasValue && v.Value == value {
			return true
		}
	}
	return false
}

// First returns the first value of name; bare occurrences yield "".
func (q QueryArgs) First(name string) (string, bool) {
	vals, ok := q[name]
	if !ok {
		return "", false
	}
	return vals[0].Value, true
}

func unescape(s string) string {
	if !strings.ContainsAny(s, "%+") {
		return s
	}
	u, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return u
}
