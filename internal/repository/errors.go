package repository

import "errors"

// ErrNotFound возвращается, когда запись отсутствует.
var ErrNotFound = errors.New("not found")
