package domain

import (
	"time"

	"github.com/google/uuid"
)

// PinCredential stores server-owned transaction PIN security metadata. The
// plaintext PIN never touches this service; only a bcrypt hash is stored.
type PinCredential struct {
	UserID         uuid.UUID  `json:"user_id"`
	PINHash        string     `json:"-"`
	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
}

// DropPasswordAttemptState is the per-(drop, claimant) failed-attempt counter
// for password-locked drops. It is independent of the global PIN lockout.
type DropPasswordAttemptState struct {
	FailedAttempts int
	LockedUntil    *time.Time
}
