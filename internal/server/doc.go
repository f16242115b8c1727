// Package server assembles the HTTP surface: route registration, CORS for
// the browser client, request identifiers, metrics, and access logging.
package server
