package repo

import "errors"

var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("already exists")
	ErrImmutable = errors.New("record is immutable")
)
