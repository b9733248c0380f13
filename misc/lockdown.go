package misc

import (
	"errors"

	"github.com/mailcore/imapsource/lalog"
)

// EmergencyLockDown is a global flag checked by periodic background tasks;
// they should stop functioning as soon as the flag turns true.
var EmergencyLockDown bool

// ErrEmergencyLockDown is surfaced by a periodic task that stops because of
// EmergencyLockDown.
var ErrEmergencyLockDown = errors.New("LOCKED DOWN")

// TriggerEmergencyLockDown turns on EmergencyLockDown, so that any running
// Periodic task will observe it before its next invocation of Func and stop.
// There is no way to cancel the lock-down other than restarting the process.
func TriggerEmergencyLockDown() {
	lalog.DefaultLogger.Warning("TriggerEmergencyLockDown", nil, "background tasks will stop ASAP")
	EmergencyLockDown = true
}
