package health

import (
	"context"
	"errors"
	"fmt"
)

// StreamLister is satisfied by *ledger.Ledger.
type StreamLister interface {
	Streams(ctx context.Context) ([]string, error)
}

// VersionSource is satisfied by *pricing.Registry.
type VersionSource interface {
	Latest() uint64
}

// AuditStatus is satisfied by *audit.Auditor.
type AuditStatus interface {
	LastError() error
}

// LedgerCheck fails when the ledger backend cannot list its streams.
func LedgerCheck(l StreamLister) CheckFunc {
	return func(ctx context.Context) error {
		if _, err := l.Streams(ctx); err != nil {
			return fmt.Errorf("ledger unavailable: %w", err)
		}
		return nil
	}
}

// PricingCheck fails until at least one pricing version is published.
func PricingCheck(r VersionSource) CheckFunc {
	return func(ctx context.Context) error {
		if r.Latest() == 0 {
			return errors.New("no pricing versions published")
		}
		return nil
	}
}

// AuditCheck fails while the most recent audit run reported a broken chain
// or a replay divergence.
func AuditCheck(a AuditStatus) CheckFunc {
	return func(ctx context.Context) error {
		if err := a.LastError(); err != nil {
			return fmt.Errorf("last audit failed: %w", err)
		}
		return nil
	}
}
