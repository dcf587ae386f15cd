package reimbursement

import "errors"

var (
	// ErrEmptyEmployeeID is returned when an employee id is empty.
	ErrEmptyEmployeeID = errors.New("reimbursement: empty employee id")
	// ErrInvalidInterval is returned when a session interval is malformed.
	ErrInvalidInterval = errors.New("reimbursement: invalid interval")
	// ErrInvalidEnergy is returned when an energy quantity is negative or not finite.
	ErrInvalidEnergy = errors.New("reimbursement: invalid energy")
	// ErrNilLocation is returned when no time zone is supplied.
	ErrNilLocation = errors.New("reimbursement: nil location")
	// ErrUnknownPolicy is returned for a policy outside the supported set.
	ErrUnknownPolicy = errors.New("reimbursement: unknown policy")
	// ErrInvalidPolicyParams is returned when policy parameters are missing or out of range.
	ErrInvalidPolicyParams = errors.New("reimbursement: invalid policy params")
	// ErrNoSettings is returned when an employee has no usable settings.
	ErrNoSettings = errors.New("reimbursement: no employee settings")
	// ErrInvalidProfile is returned when a net tariff profile is malformed.
	ErrInvalidProfile = errors.New("reimbursement: invalid net profile")
)
