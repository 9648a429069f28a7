package util

import "fmt"

// KernelError describes a failure raised by one of the kernel modules.
type KernelError struct {
	// The module where the error occurred.
	Module string

	Message string
	Err     error
}

func (e *KernelError) Error() string {
	if e.Module == "" {
		return e.Message
	}
	return e.Module + ": " + e.Message
}

func (e *KernelError) Unwrap() error {
	return e.Err
}

// NewError returns a KernelError for module.
func NewError(module, message string) *KernelError {
	return &KernelError{Module: module, Message: message}
}

// Wrap annotates err with the module and message that observed it.
func Wrap(module, message string, err error) *KernelError {
	return &KernelError{Module: module, Message: fmt.Sprintf("%s: %v", message, err), Err: err}
}

// Panic aborts with a KernelError. It is used for contract violations and for
// conditions the kernel cannot recover from, never for runtime failures a
// caller is expected to handle.
func Panic(module, format string, args ...any) {
	panic(&KernelError{Module: module, Message: fmt.Sprintf(format, args...)})
}
