package ticker

import "context"

// Lease is an exclusive, process-wide right to run the ticker.
type Lease interface {
	// Lost yields an error once if the connection backing the lease fails.
	Lost() <-chan error
	// Release gives the lease up. It is safe to call more than once.
	Release(ctx context.Context) error
}

// LeaseAcquirer makes non-blocking lease attempts. ok is false when another
// process holds the lease; that is not an error.
type LeaseAcquirer interface {
	TryAcquire(ctx context.Context) (lease Lease, ok bool, err error)
}

// LocalLease is an always-granted lease for single-process deployments.
type LocalLease struct{}

func (LocalLease) TryAcquire(context.Context) (Lease, bool, error) {
	return localLease{}, true, nil
}

type localLease struct{}

func (localLease) Lost() <-chan error            { return nil }
func (localLease) Release(context.Context) error { return nil }
