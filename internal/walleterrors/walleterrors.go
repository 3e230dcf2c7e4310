// Package walleterrors collects the stable error vocabulary the heritage
// wallet engine, PSBT builder, and sync algorithm return, so callers can
// match on a sentinel or typed error rather than parsing a message string.
package walleterrors

import (
	"errors"
	"fmt"
)

// Policy errors - heritage config and account key pool.
var (
	ErrInvalidAccountXPub               = errors.New("walleterrors: invalid account extended public key")
	ErrHeritageConfigAlreadyUsed         = errors.New("walleterrors: heritage config already used by an obsolete sub-wallet")
	ErrSubwalletConfigAlreadyMarkedUsed  = errors.New("walleterrors: sub-wallet config already marked used")
	ErrUnexpectedCurrentSubwalletConfig  = errors.New("walleterrors: current sub-wallet config changed concurrently")
	ErrMissingUnusedAccountXPub          = errors.New("walleterrors: no unused account extended public key available")
)

// PSBT errors.
var (
	ErrMissingCurrentSubwalletConfig  = errors.New("walleterrors: no current sub-wallet config exists")
	ErrUnsyncedWallet                 = errors.New("walleterrors: wallet has never been synced")
	ErrInvalidSpendingConfigForHeir   = errors.New("walleterrors: heir spends must use drain-to-address spending")
	ErrFailToExtractPolicy            = errors.New("walleterrors: failed to extract spend policy from descriptor")
)

// Sync errors.
var (
	ErrBlockchainProvider = errors.New("walleterrors: blockchain backend error")
)

// Address errors.
var (
	ErrInvalidAddressNetwork      = errors.New("walleterrors: address belongs to a different network")
	ErrFailedToResetAddressIndex = errors.New("walleterrors: failed to reset address index")
)

// Config errors.
var (
	ErrInvalidBlockInclusionObjective = errors.New("walleterrors: stored block inclusion objective out of range")
)

// SubwalletConfigAlreadyExistError is returned when a sub-wallet config is
// about to be written to a SubwalletConfig(Id) key that is already occupied.
type SubwalletConfigAlreadyExistError struct {
	SubwalletID uint32
}

func (e *SubwalletConfigAlreadyExistError) Error() string {
	return fmt.Sprintf("walleterrors: sub-wallet config %d already exists", e.SubwalletID)
}

// AccountXPubInexistantError is returned when the account key pool no longer
// holds the unused key an in-progress operation expected, detecting
// concurrent consumption by another writer.
type AccountXPubInexistantError struct {
	AccountID uint32
}

func (e *AccountXPubInexistantError) Error() string {
	return fmt.Sprintf("walleterrors: account extended public key %d no longer in the unused pool", e.AccountID)
}

// InvalidBackupError wraps a reason a backup document failed to restore.
type InvalidBackupError struct {
	Reason string
}

func (e *InvalidBackupError) Error() string {
	return fmt.Sprintf("walleterrors: invalid backup: %s", e.Reason)
}

// PsbtCreationError wraps an underlying failure building or finalizing a
// PSBT, carrying the original error for %w-style unwrapping.
type PsbtCreationError struct {
	Reason error
}

func (e *PsbtCreationError) Error() string {
	return fmt.Sprintf("walleterrors: psbt creation failed: %v", e.Reason)
}

func (e *PsbtCreationError) Unwrap() error { return e.Reason }

// SyncError wraps an underlying failure during a sync pass.
type SyncError struct {
	Reason error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("walleterrors: sync failed: %v", e.Reason)
}

func (e *SyncError) Unwrap() error { return e.Reason }
