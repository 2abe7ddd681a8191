// Package dedupe suppresses repeated actions for the same key within a time
// window. The gateway uses it so that at most one presence notification per
// conversation reaches the bridge per window.
package dedupe
