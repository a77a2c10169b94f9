package harness

import (
	"bytes"
	"fmt"
)

// mismatchReason is the fixed failure message for output mismatches. No
// byte-level diff is reported here; a mismatch on any output fails the
// whole iteration.
const mismatchReason = "output doesn't match with expected"

// verifyOutputs compares each output buffer's post-execution bytes against
// the expected bytes from the specification. It must only be called after
// the completion signal was observed; reading output memory earlier is
// undefined. Invalidate failures are fatal, mismatches are not.
func verifyOutputs(expected []Buffer, outputs []*deviceBuffer) (Result, error) {
	for i, exp := range expected {
		got, err := outputs[i].read(exp.NumBytes())
		if err != nil {
			return Result{}, fmt.Errorf("output %d: %w", i, err)
		}
		if !bytes.Equal(exp.Data, got) {
			return failed(mismatchReason), nil
		}
	}
	return passed(), nil
}
