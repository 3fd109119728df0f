package analysis

import (
	"errors"
	"fmt"
)

// ErrDataFormat matches every *DataFormatError via errors.Is.
var ErrDataFormat = errors.New("data format error")

// DataFormatError reports input the sampler refuses: unparseable, empty or oversized.
type DataFormatError struct {
	Name   string
	Reason string
	Err    error
}

func (e *DataFormatError) Error() string {
	msg := "invalid data file"
	if e.Name != "" {
		msg += " " + e.Name
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *DataFormatError) Unwrap() error { return e.Err }

func (e *DataFormatError) Is(target error) bool { return target == ErrDataFormat }
