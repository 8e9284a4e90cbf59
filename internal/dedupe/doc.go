// Package dedupe tracks operation ids recently delivered to the gateway so an
// operation replayed by a caller inside the window is not sent twice.
package dedupe
