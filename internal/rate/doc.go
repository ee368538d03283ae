// Package rate implements the Redis fixed-window counters that throttle
// login and refresh traffic.
//
// Counters live under three key families: per-email login attempts,
// per-IP login attempts, and per-session refresh attempts. The first
// increment in a window arms the key TTL; the counter disappears with
// the window, so there is nothing to sweep.
package rate
