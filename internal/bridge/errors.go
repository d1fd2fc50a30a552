package bridge

import (
	"errors"
	"fmt"
)

// TrapError occurs when the guest traps or exits during a call.
// The module is unusable afterwards.
type TrapError struct {
	Op  string
	Err error
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("engine trapped during %s: %v", e.Op, e.Err)
}

func (e *TrapError) Unwrap() error {
	return e.Err
}

// IsTrap reports whether err contains a *TrapError.
func IsTrap(err error) bool {
	var te *TrapError
	return errors.As(err, &te)
}

// ABIMismatchError occurs when a vtable slot does not point at a function
// of the expected signature.
type ABIMismatchError struct {
	Slot   string
	Index  uint32
	Reason string
}

func (e *ABIMismatchError) Error() string {
	return fmt.Sprintf("ABI mismatch for slot '%s' (table index %d): %s", e.Slot, e.Index, e.Reason)
}

// LayoutError occurs when a layout fails validation.
type LayoutError struct {
	Slot    string
	Message string
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("invalid layout slot '%s': %s", e.Slot, e.Message)
}
