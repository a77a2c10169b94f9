package harness

// Verdict classifies the outcome of one conformance iteration. Fatal device
// errors are not verdicts; they are returned as ordinary errors and must be
// reported by the enclosing framework as infrastructure failures.
type Verdict int

const (
	Pass Verdict = iota
	Fail
	TimedOut
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Result is the verdict of one iteration with a human-readable reason.
type Result struct {
	Verdict Verdict
	Reason  string
}

func passed() Result {
	return Result{Verdict: Pass, Reason: "output matches expected"}
}

func failed(reason string) Result {
	return Result{Verdict: Fail, Reason: reason}
}

func timedOut(reason string) Result {
	return Result{Verdict: TimedOut, Reason: reason}
}
