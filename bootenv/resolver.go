package bootenv

import (
	"strings"
)

// BootSlot identifies which of the two parallel system/application
// installations is currently active.
type BootSlot string

const (
	SlotA BootSlot = "A"
	SlotB BootSlot = "B"
)

// RebootState is the update_reboot_state boot-env field, an integer in
// 0..12. Only two values carry special meaning (see ResolveImage).
type RebootState uint8

const (
	// RollbackAppFwRebootPending marks a combined firmware+application
	// update whose rollback has already been recorded.
	RollbackAppFwRebootPending RebootState = 9
	// IncompleteAppFwRollback marks the same window from the other side
	// of the rollback.
	IncompleteAppFwRollback RebootState = 12
)

// AppImage is the application image file chosen by slot resolution.
type AppImage string

const (
	AppImageA AppImage = "app_a.squashfs"
	AppImageB AppImage = "app_b.squashfs"
)

// Inputs are the seven boot-env variables ResolveImage needs, already
// validated against their allowed sets (spec §4.4 table). Read is the
// one place in fsstack that talks to a bootenv.Reader; everything
// downstream of it is a pure function over these seven values.
type Inputs struct {
	Application      BootSlot
	BootOrder        string // "A B" or "B A"
	BootOrderOld     string // "A B" or "B A"
	RaucCmd          string // "rauc.slot=A" or "rauc.slot=B"
	BootALeft        uint8  // 0..3
	BootBLeft        uint8  // 0..3
	UpdateRebootState RebootState
}

var (
	allowedSlots      = []string{"A", "B"}
	allowedBootOrders = []string{"A B", "B A"}
	allowedRaucCmds   = []string{"rauc.slot=A", "rauc.slot=B"}
	allowedLeft       = []uint8{0, 1, 2, 3}
)

// allowedRebootStates is 0..12 inclusive.
func allowedRebootStates() []uint8 {
	out := make([]uint8, 13)
	for i := range out {
		out[i] = uint8(i)
	}

	return out
}

// Read fetches and validates all seven boot-env variables from r, failing
// with EnvVarNotAllowed on the first one outside its allowed set.
func Read(r Reader) (Inputs, error) {
	var in Inputs

	application, err := r.GetAllowedString("application", allowedSlots)
	if err != nil {
		return in, err
	}

	in.Application = BootSlot(application)

	if in.BootOrder, err = r.GetAllowedString("BOOT_ORDER", allowedBootOrders); err != nil {
		return in, err
	}

	if in.BootOrderOld, err = r.GetAllowedString("BOOT_ORDER_OLD", allowedBootOrders); err != nil {
		return in, err
	}

	if in.RaucCmd, err = r.GetAllowedString("rauc_cmd", allowedRaucCmds); err != nil {
		return in, err
	}

	if in.BootALeft, err = r.GetAllowedUint8("BOOT_A_LEFT", allowedLeft); err != nil {
		return in, err
	}

	if in.BootBLeft, err = r.GetAllowedUint8("BOOT_B_LEFT", allowedLeft); err != nil {
		return in, err
	}

	state, err := r.GetAllowedUint8("update_reboot_state", allowedRebootStates())
	if err != nil {
		return in, err
	}

	in.UpdateRebootState = RebootState(state)

	return in, nil
}

// rebootFailed implements spec §4.4's failure-detection predicate:
//
//	current_slot == first(BOOT_ORDER_OLD)
//	  AND (BOOT_A_LEFT == 0 OR BOOT_B_LEFT == 0)
//	  AND BOOT_ORDER != BOOT_ORDER_OLD
func rebootFailed(in Inputs) bool {
	currentSlot := lastField(in.RaucCmd, "=")
	firstOld := firstField(in.BootOrderOld, " ")

	return currentSlot == firstOld &&
		(in.BootALeft == 0 || in.BootBLeft == 0) &&
		in.BootOrder != in.BootOrderOld
}

// ResolveImage is the pure function at the heart of the slot/rollback
// resolver: for any of the 2*2*2*2*4*4*13 = 3328 combinations of Inputs in
// their allowed ranges, it returns exactly one of {app_a, app_b} and is
// deterministic (spec §8 invariant 1).
//
// The asymmetry in the failed-reboot branch is deliberate (spec §4.4): a
// failed reboot flips the nominal application->image mapping unless the
// in-progress rollback has already been recorded in update_reboot_state
// (9 or 12), in which case the nominal mapping is kept.
func ResolveImage(in Inputs) AppImage {
	if !rebootFailed(in) {
		return nominalImage(in.Application)
	}

	switch in.UpdateRebootState {
	case RollbackAppFwRebootPending, IncompleteAppFwRollback:
		if in.Application == SlotB {
			return AppImageB
		}

		return AppImageA
	default:
		if in.Application == SlotA {
			return AppImageB
		}

		return AppImageA
	}
}

func nominalImage(application BootSlot) AppImage {
	if application == SlotA {
		return AppImageA
	}

	return AppImageB
}

func firstField(s, sep string) string {
	parts := strings.SplitN(s, sep, 2)
	return parts[0]
}

func lastField(s, sep string) string {
	parts := strings.Split(s, sep)
	return parts[len(parts)-1]
}
