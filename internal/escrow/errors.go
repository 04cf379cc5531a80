package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"escrowdash/internal/session"
	"escrowdash/internal/wallet"
)

var (
	ErrWalletNotConnected = session.ErrNotConnected
	ErrWrongNetwork       = session.ErrWrongNetwork
	// ErrReadUnavailable means the current state cannot be determined, not that it is empty.
	ErrReadUnavailable = errors.New("escrow state unavailable")
)

// RemoteRejectedError is the contract (or node) declining a write. Reason is shown verbatim.
type RemoteRejectedError struct {
	Reason string
	Err    error
}

func (e *RemoteRejectedError) Error() string {
	return fmt.Sprintf("rejected by contract: %s", e.Reason)
}

func (e *RemoteRejectedError) Unwrap() error { return e.Err }

// classifyWriteError sorts a failed submission into the write error taxonomy.
func classifyWriteError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, wallet.ErrUserRejected):
		return fmt.Errorf("%w: %v", wallet.ErrUserRejected, err)
	}
	return &RemoteRejectedError{Reason: revertReason(err), Err: err}
}

func revertReason(err error) string {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data, ok := dataErr.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(data); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil && reason != "" {
					return reason
				}
			}
		}
	}

	msg := err.Error()
	if i := strings.Index(msg, "execution reverted: "); i >= 0 {
		return msg[i+len("execution reverted: "):]
	}
	return msg
}
