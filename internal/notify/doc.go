// Package notify manages notification channels and their delivery.
//
// Channel configs are validated against a JSON schema per channel type.
// Sensitive values (webhook URLs that embed tokens, signing secrets, SMTP
// passwords) are encrypted with secretbox before they reach the store, and
// an update that leaves a sensitive value empty keeps the stored one.
//
// Every dispatch, including test sends, re-validates the destination with
// the webhook guard immediately before the request and connects through the
// guard's pinned client.
package notify
