// Package accessgate implements the composite checks applied before a
// token is issued or resolved: referer allow-listing, per-client
// fixed-window rate limiting and anti-forgery validation on the
// authoring path. The three checks are independent; handlers compose the
// subset their request class needs.
package accessgate

import "errors"

var (
	ErrRefererRejected = errors.New("referer rejected")
	ErrRateLimited     = errors.New("rate limited")
	ErrBadCSRFToken    = errors.New("invalid anti-forgery token")
)
