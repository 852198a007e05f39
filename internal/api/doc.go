// Package api exposes the REST surface for submitting chat messages,
// polling their processing state and issuing access tokens. Metrics and
// health probes are served from the same listener.
package api
