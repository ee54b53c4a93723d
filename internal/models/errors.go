package models

import "errors"

// Store-level outcomes the settlement engine branches on.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conditional update matched no row")
	ErrInsufficientFunds = errors.New("insufficient funds")
)
