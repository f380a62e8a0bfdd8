// Package models defines the domain entities of the tap service: funding
// requests and attempts, quota windows, and reservations.
package models

import (
	"fmt"
	"time"

	"github.com/turtacn/tap/pkg/constants"
)

// Identity is the opaque key under which quota is tracked. It is derived from
// the recipient address or the source IP, prefixed with the scope so different
// dimensions never collide.
type Identity string

// IdentityFromIP derives a quota identity from a source IP.
func IdentityFromIP(ip string) Identity {
	return Identity(fmt.Sprintf("%s:%s", constants.QuotaScopeIP, ip))
}

// IdentityFromAddress derives a quota identity from a recipient address.
func IdentityFromAddress(address string) Identity {
	return Identity(fmt.Sprintf("%s:%s", constants.QuotaScopeAccount, address))
}

// QuotaWindow is the per-identity usage record for one fixed window.
// Used never exceeds Limit at any committed state; the window rolls over
// (Used reset to zero) once WindowStart + the configured duration has passed.
type QuotaWindow struct {
	Identity    Identity
	WindowStart time.Time
	Used        uint64
	Limit       uint64
}

// Remaining returns the unconsumed allowance in this window.
func (w *QuotaWindow) Remaining() uint64 {
	if w.Used >= w.Limit {
		return 0
	}
	return w.Limit - w.Used
}

// ResetAt returns when this window rolls over.
func (w *QuotaWindow) ResetAt(window time.Duration) time.Time {
	return w.WindowStart.Add(window)
}

// Expired reports whether the window has rolled over as of now.
func (w *QuotaWindow) Expired(now time.Time, window time.Duration) bool {
	return !now.Before(w.WindowStart.Add(window))
}

// ReservationToken references one provisional quota increment.
type ReservationToken string

// Reservation is an uncommitted, provisional increment to a QuotaWindow,
// created when a request passes the checker chain and before funding is
// attempted. It is resolved exactly once: committed (quota permanently
// consumed) or released (quota returned). A reservation left unresolved past
// its lease is treated by the store as abandoned and auto-released.
type Reservation struct {
	Token     ReservationToken
	Identity  Identity
	Amount    uint64
	CreatedAt time.Time
	ExpiresAt time.Time

	// Window is the quota window duration in force when the reservation was
	// made; resolution needs it to decide whether the window has rolled over
	// in the meantime.
	Window time.Duration
}

// Resolution is the terminal state of a reservation.
type Resolution string

const (
	// ResolutionCommit permanently consumes the reserved quota.
	ResolutionCommit Resolution = "commit"
	// ResolutionRelease returns the reserved quota to the window.
	ResolutionRelease Resolution = "release"
)
