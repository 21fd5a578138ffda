package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrInvalidState    = errors.New("invalid auction state")
	ErrInvalidAuction  = errors.New("invalid auction parameters")
	ErrInvalidAmount   = errors.New("invalid bid amount")
	ErrBidTooLow       = errors.New("bid too low")
	ErrBidderRejected  = errors.New("bidder rejected by registry")
	ErrConflict        = errors.New("concurrent modification, retry with fresh state")
	ErrVersionConflict = errors.New("version conflict")
	ErrTransferFailed  = errors.New("ownership transfer failed")
	ErrPaymentFailed   = errors.New("payment failed")
	ErrPaymentPending  = errors.New("payment pending confirmation")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrRateLimited     = errors.New("rate limited")
	ErrLockHeld        = errors.New("lock already held")
)

// SettlementStep names the external step a settlement attempt stopped at.
type SettlementStep string

const (
	StepOwnershipTransfer SettlementStep = "ownership_transfer"
	StepPayment           SettlementStep = "payment"
)

// SettlementError reports which settlement step failed. The auction stays
// closed and Settle may be called again.
type SettlementError struct {
	AuctionID string
	Step      SettlementStep
	Err       error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement of auction %s failed at %s: %v", e.AuctionID, e.Step, e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }
