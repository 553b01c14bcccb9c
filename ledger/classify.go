package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/certanchor/certanchor/certerrors"
)

// classify maps a raw provider error into the fixed taxonomy. Classification
// happens exactly once, here; callers never re-classify.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if isTimeout(err) {
		return fmt.Errorf("%w: %v", certerrors.ErrLTransient, err)
	}

	msg := strings.ToLower(err.Error())

	// nonce/replacement failures mean a competing transaction won; retrying
	// with the same nonce cannot succeed.
	for _, terminal := range []string{
		"nonce too low",
		"nonce expired",
		"replacement transaction underpriced",
		"already known",
	} {
		if strings.Contains(msg, terminal) {
			return fmt.Errorf("%w: %v", certerrors.ErrLTerminal, err)
		}
	}

	// a revert with a reason string is a business rejection; the reason is
	// surfaced verbatim.
	if reason, ok := revertReason(err.Error()); ok {
		return certerrors.Reject(reason)
	}

	return fmt.Errorf("%w: %v", certerrors.ErrLFailure, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded")
}

// revertReason extracts the structured reason from an "execution reverted"
// provider error, if present.
func revertReason(msg string) (string, bool) {
	const marker = "execution reverted"
	idx := strings.Index(strings.ToLower(msg), marker)
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimSpace(msg[idx+len(marker):])
	rest = strings.TrimPrefix(rest, ":")
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "execution reverted", true
	}
	return rest, true
}
