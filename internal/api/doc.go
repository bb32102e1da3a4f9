// Package api exposes the HTTP surface of the market engine: the live event
// stream of a buyer run, the settlement control surface, budget status, run
// history, and Prometheus metrics.
package api
