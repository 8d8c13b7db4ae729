// Package dedupe provides a time-based cache of delivered message IDs so an
// agent can suppress re-delivery within a configurable window.
package dedupe
