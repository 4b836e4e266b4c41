package lottery

import "errors"

// Error taxonomy shared by every layer. Callers wrap these with context and
// match them with errors.Is.
var (
	// ErrNetworkMismatch means the connection targets a chain other than the
	// configured one. Fatal to the session until the user switches networks.
	ErrNetworkMismatch = errors.New("network mismatch")

	// ErrUserRejected means the wallet prompt was declined. The user may retry.
	ErrUserRejected = errors.New("user rejected request")

	// ErrTransactionFailed means a mutating call was rejected by the ledger.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrTransactionTimeout means a submitted transaction was not included
	// within the bounded wait.
	ErrTransactionTimeout = errors.New("transaction inclusion timeout")

	// ErrReadFailure marks a failed read against the ledger or the index.
	ErrReadFailure = errors.New("read failure")
)
