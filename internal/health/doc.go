// Package health has the liveness and readiness probes and their HTTP handlers.
//
// Probes compose with [All] and [Any]. [Fixed] is a static probe and [CheckFunc] adapts a function.
// [ShutdownGate] fails readiness as soon as draining starts so load balancers stop routing before
// in-flight requests finish. [Latch] fails until something, the first policy load for example,
// opens it.
package health
