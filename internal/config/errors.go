package config

import "errors"

// ErrInvalid is returned when the loaded configuration cannot be used.
var ErrInvalid = errors.New("invalid configuration")
