package formats

import "fmt"

// FormatAlreadyRegisteredError occurs when registering a duplicate name.
type FormatAlreadyRegisteredError struct {
	Name string
}

func (e *FormatAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("format '%s' is already registered", e.Name)
}

// UnknownFormatError occurs when a format name is not registered.
type UnknownFormatError struct {
	Name string
}

func (e *UnknownFormatError) Error() string {
	return fmt.Sprintf("unknown format '%s'", e.Name)
}
