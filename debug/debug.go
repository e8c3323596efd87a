// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: debug.go — cold-path error logging helper (fmt-free)
//
// Purpose:
//   - Logs infrequent error paths with one small string allocation per
//     message.
//   - Used only in cold paths: region allocation failures, resize phases,
//     bench harness lifecycle messages.
//
// Notes:
//   - Avoids fmt.Sprintf to minimize footprint and latency.
//   - The slab fast path never logs; per-operation outcomes are boolean
//     returns by contract.
//
// ⚠️ Never invoke in hot loops — use only in failure diagnostics.
// ─────────────────────────────────────────────────────────────────────────────

package debug

import "percpuslab/utils"

// DropError logs error messages without fmt; the message is built by string
// concatenation. It writes directly to stderr, bypassing any log framework.
//
//go:nosplit
//go:inline
func DropError(prefix string, err error) {
	if err != nil {
		msg := prefix + ": " + err.Error() + "\n"
		utils.PrintWarning(msg)
	} else {
		msg := prefix + "\n"
		utils.PrintWarning(msg)
	}
}

// DropMessage logs debug messages without fmt; the message is built by
// string concatenation.
// Used for cold-path diagnostics: init, drain, resize, shutdown.
//
//go:nosplit
//go:inline
func DropMessage(prefix, message string) {
	msg := prefix + ": " + message + "\n"
	utils.PrintWarning(msg)
}
