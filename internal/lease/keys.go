// SPDX-License-Identifier: MIT

package lease

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/parkwell/spotd/internal/model"
)

const (
	guardPrefix = "spot_lease:"
	metaPrefix  = "lease_data:"
)

// GuardKey is the exclusive-hold key for one (spot, date). Lease keys
// are always date-qualified; a spot can be leased independently per day.
func GuardKey(spotID int64, date string) string {
	return fmt.Sprintf("%s%d_%s", guardPrefix, spotID, date)
}

// MetaKey addresses the metadata hash for a reservation.
func MetaKey(reservationID string) string {
	return metaPrefix + reservationID
}

// ScanPattern matches all guard keys for one date.
func ScanPattern(date string) string {
	return guardPrefix + "*_" + date
}

// ParseGuardKey recovers (spot, date) from a guard key. The date part
// is validated YYYY-MM-DD so splitting on the first underscore is safe.
func ParseGuardKey(key string) (spotID int64, date string, ok bool) {
	rest, found := strings.CutPrefix(key, guardPrefix)
	if !found {
		return 0, "", false
	}
	idStr, date, found := strings.Cut(rest, "_")
	if !found || !model.ValidDate(date) {
		return 0, "", false
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return id, date, true
}
