// Package filter decides whether a destination host may be reached. The
// policy is default-deny: a host is accepted only if it is whitelisted and
// not blacklisted.
package filter

import (
	"context"
	"fmt"
)

// Decision is the outcome of a filter check.
type Decision int

const (
	Reject Decision = iota
	Accept
)

func (d Decision) String() string {
	if d == Accept {
		return "accept"
	}
	return "reject"
}

// Kind names one of the two lists.
type Kind string

const (
	Blacklist Kind = "blacklist"
	Whitelist Kind = "whitelist"
)

// ParseKind validates a list name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Blacklist, Whitelist:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown filter list %q (want blacklist or whitelist)", s)
	}
}

// ForbiddenResponse is written to the client when a host is rejected.
var ForbiddenResponse = []byte("HTTP/1.1 403 Forbidden\r\n" +
	"Content-Type: text/html\r\n" +
	"\r\n" +
	"<html><body><h1>Forbidden</h1><p>You are not allowed to access this resource.</p></body></html>\r\n")

// ForbiddenContentType is the content type logged for a rejected request.
const ForbiddenContentType = "text/html"

// Store answers list membership queries. Matching is exact on the host
// string; there is no wildcard or suffix matching.
type Store interface {
	IsBlacklisted(ctx context.Context, host string) (bool, error)
	IsWhitelisted(ctx context.Context, host string) (bool, error)
}

// Admin edits list contents.
type Admin interface {
	Add(ctx context.Context, address string, kind Kind) error
	Remove(ctx context.Context, address string, kind Kind) error
	List(ctx context.Context, kind Kind) ([]string, error)
}

// Filter applies the accept/reject policy on top of a Store. It keeps no
// state of its own; every call queries the store.
type Filter struct {
	store Store
}

// New creates a filter backed by store.
func New(store Store) *Filter {
	return &Filter{store: store}
}

// Decide returns Accept only if host is whitelisted and not blacklisted. A
// store failure yields Reject together with the error.
func (f *Filter) Decide(ctx context.Context, host string) (Decision, error) {
	blacklisted, err := f.store.IsBlacklisted(ctx, host)
	if err != nil {
		return Reject, fmt.Errorf("blacklist lookup for %s: %w", host, err)
	}
	if blacklisted {
		return Reject, nil
	}

	whitelisted, err := f.store.IsWhitelisted(ctx, host)
	if err != nil {
		return Reject, fmt.Errorf("whitelist lookup for %s: %w", host, err)
	}
	if !whitelisted {
		return Reject, nil
	}
	return Accept, nil
}
