package services

import "errors"

var (
	ErrPlanNotFound    = errors.New("plan not found")
	ErrOrderNotFound   = errors.New("order not found")
	ErrEsimNotFound    = errors.New("esim profile not found")
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrOrderNotPayable means the order already reached a terminal paid
	// state and cannot take another payment attempt.
	ErrOrderNotPayable = errors.New("order is not payable")

	// ErrOrderNotPaid guards activation: only paid orders get an eSIM.
	ErrOrderNotPaid = errors.New("order is not paid")

	// ErrProvisioningFailed wraps upstream provisioning failures once no
	// inventory was available. The reserved/paid state of the order is
	// unchanged and the call can be retried.
	ErrProvisioningFailed = errors.New("esim provisioning failed")
)
