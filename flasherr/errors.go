package flasherr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/iotaledger/flashd/ledger"
)

// Kind classifies a channel protocol failure.
type Kind uint8

const (
	// InvalidTransferObject is returned for malformed transfer requests.
	InvalidTransferObject Kind = iota + 1

	// InsufficientFunds is returned when a transfer exceeds the deposit
	// available to it.
	InsufficientFunds

	// InvalidTransfersArray is returned when a bundle is asked to carry
	// outputs it cannot represent.
	InvalidTransfersArray

	// InvalidSignatures is returned when an input of a chain is not
	// validly signed, or when signature fragments cannot be merged.
	InvalidSignatures

	// AddressOveruse is returned when a tree node has reached its maximum
	// number of uses. When surfaced from Compose it is a signal to grow
	// the tree and retry.
	AddressOveruse

	// AddressNotFound is returned when a chain references addresses that
	// are not a contiguous stretch of the active branch.
	AddressNotFound

	// InputUndefined is returned when a chain has no input to spend.
	InputUndefined

	// InvalidInput is returned when a chain regresses channel history.
	InvalidInput

	// BalanceNotPassed is returned when a relay bundle does not pass the
	// entire balance to the next node.
	BalanceNotPassed

	// RemainderIncreased is returned when a chain returns more value to
	// the remainder than the previously applied chain.
	RemainderIncreased

	// TooManyBundles is returned when a chain is longer than the branch it
	// claims to relay down.
	TooManyBundles

	// NullValue is returned when a required value is missing or zero.
	NullValue
)

// String returns the name of the error kind.
func (k Kind) String() string {
	switch k {
	case InvalidTransferObject:
		return "invalid transfer object"
	case InsufficientFunds:
		return "insufficient funds"
	case InvalidTransfersArray:
		return "invalid transfers array"
	case InvalidSignatures:
		return "invalid signatures"
	case AddressOveruse:
		return "address overuse"
	case AddressNotFound:
		return "address not found"
	case InputUndefined:
		return "input undefined"
	case InvalidInput:
		return "invalid input"
	case BalanceNotPassed:
		return "balance not passed"
	case RemainderIncreased:
		return "remainder increased"
	case TooManyBundles:
		return "too many bundles"
	case NullValue:
		return "null value"
	default:
		return fmt.Sprintf("unknown kind %d", uint8(k))
	}
}

var (
	ErrInvalidTransferObject = &Error{Kind: InvalidTransferObject}
	ErrInsufficientFunds     = &Error{Kind: InsufficientFunds}
	ErrInvalidTransfersArray = &Error{Kind: InvalidTransfersArray}
	ErrInvalidSignatures     = &Error{Kind: InvalidSignatures}
	ErrAddressOveruse        = &Error{Kind: AddressOveruse}
	ErrAddressNotFound       = &Error{Kind: AddressNotFound}
	ErrInputUndefined        = &Error{Kind: InputUndefined}
	ErrInvalidInput          = &Error{Kind: InvalidInput}
	ErrBalanceNotPassed      = &Error{Kind: BalanceNotPassed}
	ErrRemainderIncreased    = &Error{Kind: RemainderIncreased}
	ErrTooManyBundles        = &Error{Kind: TooManyBundles}
	ErrNullValue             = &Error{Kind: NullValue}
)

// Error is a channel protocol failure. It carries the kind of failure along
// with the offending address and value when they are known.
type Error struct {
	Kind Kind

	// Address is the address the failure relates to, if any.
	Address ledger.Address

	// Value is the amount the failure relates to, if any.
	Value ledger.Amount

	msg string
}

// A compile time check to ensure Error implements the error interface.
var _ error = (*Error)(nil)

// New creates an error of the given kind with a formatted detail message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind: kind,
		msg:  fmt.Sprintf(format, args...),
	}
}

// WithAddress returns a copy of the error that references addr.
func (e *Error) WithAddress(addr ledger.Address) *Error {
	c := *e
	c.Address = addr

	return &c
}

// WithValue returns a copy of the error that references value.
func (e *Error) WithValue(value ledger.Amount) *Error {
	c := *e
	c.Value = value

	return &c
}

// Error returns a human readable description of the failure.
//
// NOTE: Part of the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.msg != "" {
		b.WriteString(": ")
		b.WriteString(e.msg)
	}
	if e.Address != "" {
		fmt.Fprintf(&b, " (address=%v)", e.Address)
	}
	if e.Value != 0 {
		fmt.Fprintf(&b, " (value=%v)", e.Value)
	}

	return b.String()
}

// Is reports whether target is an *Error of the same kind, which lets the
// package level sentinels be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind
}

// KindOf extracts the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if !errors.As(err, &fe) {
		return 0, false
	}

	return fe.Kind, true
}

// Is reports whether err carries a failure of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Recoverable reports whether the caller can retry the failed operation
// after growing the address tree. Every other kind is terminal for the
// attempted chain.
func Recoverable(err error) bool {
	return Is(err, AddressOveruse)
}
