// Package ratelimit bounds how often a client may open gateway sessions.
//
// Each key (normally the client IP) owns a token bucket that starts full
// and refills at capacity tokens per window:
//
//	limiter := ratelimit.New(10, time.Minute)
//	defer limiter.Close()
//
//	if !limiter.Allow(clientIP) {
//	    // reject with 429
//	}
//
// Buckets that have refilled completely are dropped after a window of
// inactivity, so the limiter's memory follows the set of active clients.
package ratelimit
