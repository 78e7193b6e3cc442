package service

import "errors"

var (
	ErrValidation        = errors.New("invalid command")
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderTerminal     = errors.New("order already completed")
	ErrLockNotAcquired   = errors.New("lock not acquired")
	ErrDuplicateRequest  = errors.New("duplicate request")
)
