package scd2

import (
	"fmt"
	"sort"

	"github.com/Ramsey-B/fern/pkg/models"
)

// ValidateHistory checks that versions of one key partition time: intervals
// are non-empty and do not overlap, only the last version may be open, the
// current flag marks exactly the open version, and consecutive versions meet
// unless the earlier one was retired.
func ValidateHistory(versions []models.DimensionVersion) error {
	sorted := make([]models.DimensionVersion, len(versions))
	copy(sorted, versions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].EffectiveFrom.Before(sorted[j].EffectiveFrom)
	})

	for i, v := range sorted {
		if v.CurrentFlag != v.IsOpen() {
			return fmt.Errorf("version %d: current_flag=%t but open=%t", v.VersionID, v.CurrentFlag, v.IsOpen())
		}
		if v.EffectiveTo != nil && !v.EffectiveTo.After(v.EffectiveFrom) {
			return fmt.Errorf("version %d: empty interval starting %s", v.VersionID, v.EffectiveFrom)
		}
		if i == len(sorted)-1 {
			break
		}

		next := sorted[i+1]
		if v.IsOpen() {
			return fmt.Errorf("version %d is open but version %d follows it", v.VersionID, next.VersionID)
		}
		switch {
		case next.EffectiveFrom.Before(*v.EffectiveTo):
			return fmt.Errorf("versions %d and %d overlap", v.VersionID, next.VersionID)
		case next.EffectiveFrom.After(*v.EffectiveTo) && v.EndReason != models.EndReasonRetired:
			return fmt.Errorf("gap between versions %d and %d", v.VersionID, next.VersionID)
		}
	}
	return nil
}
