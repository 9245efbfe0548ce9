package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInvalidInput      = errors.New("invalid input")
	ErrDecomposition     = errors.New("decomposition failed")
	ErrProvisioning      = errors.New("provisioning failed")
	ErrPersistence       = errors.New("persistence failed")
)
