// Package webhook guards outbound webhook requests against server-side
// request forgery.
//
// Guard.Check parses a URL, enforces the scheme policy (https only unless
// relaxed for development), resolves the hostname with a bounded timeout and
// rejects any URL that resolves to a loopback, private, link-local,
// unique-local or unspecified address. Resolution failure is a rejection.
//
// Guard.Client returns an HTTP client whose dialer performs the same check
// at connect time and dials the validated IP directly, closing the window
// between validation and use.
package webhook
