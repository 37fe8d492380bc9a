package services

// Error taxonomy for the registry. Every rejection carries a stable code
// so callers can tell "retry later" (rate_limited, paused) from "never
// retry with this input" (already_consumed, invalid_attestation,
// transfer_disabled). Errors are matched with errors.Is against a zero
// value of the type.

// ValidationError covers malformed input and failed attestation checks.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }
func (e *ValidationError) Code() string  { return "invalid_attestation" }
func (e *ValidationError) Is(err error) bool {
	_, ok := err.(*ValidationError)
	return ok
}

// NotIssuerError: the caller is not an active allow-listed issuer, or
// presented a capability from a stale issuer generation.
type NotIssuerError struct {
	msg string
}

func (e *NotIssuerError) Error() string { return e.msg }
func (e *NotIssuerError) Code() string  { return "not_issuer" }
func (e *NotIssuerError) Is(err error) bool {
	_, ok := err.(*NotIssuerError)
	return ok
}

// NotAdminError: the caller lacks the administrative capability.
type NotAdminError struct {
	msg string
}

func (e *NotAdminError) Error() string { return e.msg }
func (e *NotAdminError) Code() string  { return "not_admin" }
func (e *NotAdminError) Is(err error) bool {
	_, ok := err.(*NotAdminError)
	return ok
}

// NotOwnerOrIssuerError: revocation attempted by someone other than the
// original issuer or an admin.
type NotOwnerOrIssuerError struct {
	msg string
}

func (e *NotOwnerOrIssuerError) Error() string { return e.msg }
func (e *NotOwnerOrIssuerError) Code() string  { return "not_owner_or_issuer" }
func (e *NotOwnerOrIssuerError) Is(err error) bool {
	_, ok := err.(*NotOwnerOrIssuerError)
	return ok
}

// AlreadyConsumedError: the attestation claim was used before.
// Consumption is permanent.
type AlreadyConsumedError struct {
	msg string
}

func (e *AlreadyConsumedError) Error() string { return e.msg }
func (e *AlreadyConsumedError) Code() string  { return "already_consumed" }
func (e *AlreadyConsumedError) Is(err error) bool {
	_, ok := err.(*AlreadyConsumedError)
	return ok
}

// UnsafeExpiryError: the claim expires within the safety margin.
type UnsafeExpiryError struct {
	msg string
}

func (e *UnsafeExpiryError) Error() string { return e.msg }
func (e *UnsafeExpiryError) Code() string  { return "unsafe_expiry" }
func (e *UnsafeExpiryError) Is(err error) bool {
	_, ok := err.(*UnsafeExpiryError)
	return ok
}

// RateLimitedError: the issuer exhausted its per-epoch quota.
type RateLimitedError struct {
	msg string
}

func (e *RateLimitedError) Error() string { return e.msg }
func (e *RateLimitedError) Code() string  { return "rate_limited" }
func (e *RateLimitedError) Is(err error) bool {
	_, ok := err.(*RateLimitedError)
	return ok
}

// RoleCapExceededError: the identity already holds the maximum number of
// live credentials.
type RoleCapExceededError struct {
	msg string
}

func (e *RoleCapExceededError) Error() string { return e.msg }
func (e *RoleCapExceededError) Code() string  { return "role_cap_exceeded" }
func (e *RoleCapExceededError) Is(err error) bool {
	_, ok := err.(*RoleCapExceededError)
	return ok
}

// ExpiredError: the credential is past its expiry or revoked.
type ExpiredError struct {
	msg string
}

func (e *ExpiredError) Error() string { return e.msg }
func (e *ExpiredError) Code() string  { return "expired" }
func (e *ExpiredError) Is(err error) bool {
	_, ok := err.(*ExpiredError)
	return ok
}

// NotFoundError: no such credential or issuer.
type NotFoundError struct {
	msg string
}

func (e *NotFoundError) Error() string { return e.msg }
func (e *NotFoundError) Code() string  { return "not_found" }
func (e *NotFoundError) Is(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// PausedError: the registry is paused; retry after an admin unpauses.
type PausedError struct {
	msg string
}

func (e *PausedError) Error() string { return e.msg }
func (e *PausedError) Code() string  { return "paused" }
func (e *PausedError) Is(err error) bool {
	_, ok := err.(*PausedError)
	return ok
}

// TransferDisabledError: credentials are non-transferable, without
// exception.
type TransferDisabledError struct{}

func (e *TransferDisabledError) Error() string { return "credentials are non-transferable" }
func (e *TransferDisabledError) Code() string  { return "transfer_disabled" }
func (e *TransferDisabledError) Is(err error) bool {
	_, ok := err.(*TransferDisabledError)
	return ok
}
