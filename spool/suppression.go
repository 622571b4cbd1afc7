package spool

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mjl-/bstore"
)

// ErrSuppressed is returned at submission for recipients on the suppression
// list.
var ErrSuppressed = errors.New("address is on suppression list")

// Suppression is a recipient address we should not attempt to deliver to,
// typically added after a permanent failure indicating the mailbox does not
// exist.
type Suppression struct {
	ID      int64
	Created time.Time `bstore:"default now"`

	// Unicode. Address with any catchall localpart separator removed, dots
	// removed and lower-cased. For matching.
	BaseAddress string `bstore:"nonzero,unique"`

	// Address as it appeared on a message, for display.
	OriginalAddress string `bstore:"nonzero"`

	Reason string
}

// baseAddress normalizes an address for suppression matching.
func baseAddress(addr string) string {
	lp, dom, ok := strings.Cut(addr, "@")
	if !ok {
		return strings.ToLower(addr)
	}
	lp, _, _ = strings.Cut(lp, "+")
	lp, _, _ = strings.Cut(lp, "-")
	lp = strings.ReplaceAll(lp, ".", "")
	return strings.ToLower(lp + "@" + dom)
}

// SuppressionList returns all suppressions.
func SuppressionList(ctx context.Context) ([]Suppression, error) {
	return bstore.QueryDB[Suppression](ctx, DB).List()
}

// SuppressionLookup looks up a suppression for an address. Returns a nil
// suppression if not found.
func SuppressionLookup(ctx context.Context, address string) (*Suppression, error) {
	q := bstore.QueryDB[Suppression](ctx, DB)
	q.FilterNonzero(Suppression{BaseAddress: baseAddress(address)})
	sup, err := q.Get()
	if err == bstore.ErrAbsent {
		return nil, nil
	}
	return &sup, err
}

// SuppressionAdd adds a suppression for an address. Adding an address whose
// base address is already present returns an error from bstore.
func SuppressionAdd(ctx context.Context, address, reason string) error {
	sup := Suppression{
		BaseAddress:     baseAddress(address),
		OriginalAddress: address,
		Reason:          reason,
	}
	return DB.Insert(ctx, &sup)
}

// SuppressionRemove removes the suppression matching the base address of
// address. Returns bstore.ErrAbsent if there was none.
func SuppressionRemove(ctx context.Context, address string) error {
	q := bstore.QueryDB[Suppression](ctx, DB)
	q.FilterNonzero(Suppression{BaseAddress: baseAddress(address)})
	n, err := q.Delete()
	if err != nil {
		return err
	}
	if n == 0 {
		return bstore.ErrAbsent
	}
	return nil
}
