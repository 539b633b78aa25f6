package mapping

import "errors"

var (
	ErrNotFound          = errors.New("mapping not found")
	ErrInvalidTransition = errors.New("invalid mapping state transition")
	ErrDuplicateDeviceID = errors.New("device user id already mapped on terminal")
	ErrStaleSequence     = errors.New("mapping sequence would regress")
	ErrAmbiguous         = errors.New("natural key maps to several identities")
)
