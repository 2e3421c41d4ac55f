// Package governance coordinates the runtime safety controls applied to
// inbound traffic: per-identity fixed-window rate limiting, heuristic risk
// scoring, temporary IP blocking, and the retry policy used for outbound
// proxy calls.
//
// The security chain depends on these primitives to protect the gateway and
// its upstream targets without introducing extra infrastructure coupling.
package governance
