package storage

import "errors"

var (
	ErrNotFound     = errors.New("record not found")
	ErrUnknownTable = errors.New("unknown table")
	ErrMissingKey   = errors.New("row is missing its conflict key")
)
