// Package headerorder is a sliding-window rate limiter keyed by the order of request header names
//
// Automated clients tend to reuse one fixed HTTP client configuration, so every request they send
// carries the same header names in the same order. Browsers and other real user agents vary more.
// The limiter groups requests by that ordering (values are ignored), records a timestamp for every
// tracked request, and reports a group as blocked once enough of its timestamps fall inside the window.
//
// The window widens as a group keeps sending: with the back-off factor enabled the width is the base
// window plus BackOff.Compute over the group's whole history, so a persistent sender stays blocked longer.
//
// What this does NOT do:
//   - share state between processes or survive restarts
//   - look at header values
//   - bound memory on its own, the ledger only shrinks when WithIdleTTL is set and Sweep/Run is used
//
// Capturing the header order from a live connection is the job of package wireorder, the HTTP
// decision and response is package guard.
package headerorder
