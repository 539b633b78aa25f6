package photo

import "errors"

var (
	ErrUnchanged = errors.New("photo unchanged since last accepted upload")
	ErrNoMapping = errors.New("identity is not mapped on terminal")
	ErrNoPhoto   = errors.New("terminal has no photo for identity")
)
