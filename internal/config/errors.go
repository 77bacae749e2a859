package config

import "codeberg.org/mutker/hdrvideo/internal/errors"

const (
	ErrInvalidConfig   = errors.ErrInvalidConfig
	ErrBindFlags       = errors.ErrBindFlags
	ErrReadConfig      = errors.ErrReadConfig
	ErrInvalidLogLevel = errors.ErrInvalidLogLevel
)
