package dispatch

import "errors"

var (
	// ErrNoDistributors means the fleet was empty at admission time.
	ErrNoDistributors = errors.New("no distributors available")

	// ErrQueueClosed is returned by Enqueue after a queue has quit.
	ErrQueueClosed = errors.New("distributor queue closed")

	// ErrAdmissionFailed wraps an enqueue rejection; the unadmitted
	// operations stay at the head of the pending buffer.
	ErrAdmissionFailed = errors.New("admission failed")

	// ErrBatchPermanentlyFailed means a retry budget was exhausted with no
	// progress and the batch was dropped.
	ErrBatchPermanentlyFailed = errors.New("batch permanently failed")
)
