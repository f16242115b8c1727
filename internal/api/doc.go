// Package api implements the HTTP handlers for the chat service: conversation
// listings and read receipts, attachment uploads with progress reporting, and
// the presence roster.
package api
