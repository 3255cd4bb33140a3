package headerorder

// DefaultBackOffStepMilliseconds is how much the window grows per tracked request over the threshold
const DefaultBackOffStepMilliseconds = 1000

// BackOff computes the extra window width in milliseconds for one key.
// sequence is the full stored history for the key, oldest first. It is a read-only view into the
// ledger that is only valid for the duration of the call: do not retain or modify it.
type BackOff interface {
	Compute(threshold int, sequence []int64) int64
}

// BackOffFunc adapts a function into a BackOff
type BackOffFunc func(threshold int, sequence []int64) int64

func (f BackOffFunc) Compute(threshold int, sequence []int64) int64 { return f(threshold, sequence) }

// LinearBackOff adds StepMilliseconds for every stored attempt beyond the threshold.
// Below the threshold the result is negative and narrows the window.
type LinearBackOff struct {
	StepMilliseconds int64
}

func (b LinearBackOff) Compute(threshold int, sequence []int64) int64 {
	return b.StepMilliseconds * int64(len(sequence)-threshold)
}
