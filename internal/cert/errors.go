package cert

import (
	"errors"
	"fmt"
)

var (
	ErrIssuance            = errors.New("certificate issuance failed")
	ErrCertificateNotFound = errors.New("certificate not found")
	ErrInvalidCSR          = errors.New("invalid certificate signing request")
)

// IssuanceError is returned when a leaf certificate could not be issued.
type IssuanceError struct {
	NodeID string
	Reason string
	Err    error
}

func (e *IssuanceError) Error() string {
	msg := fmt.Sprintf("issue certificate for node %s: %s", e.NodeID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IssuanceError) Is(target error) bool {
	return target == ErrIssuance
}

func (e *IssuanceError) Unwrap() error {
	return e.Err
}
