package service

import "errors"

var (
	ErrEmptyContract    = errors.New("contract text is empty")
	ErrContractTooLarge = errors.New("contract text exceeds maximum size")
	ErrQuotaExceeded    = errors.New("token quota exceeded")
	ErrAnalysisNotFound = errors.New("analysis not found")
)
