package shared

import "fmt"

// CleaningTickLockKey guards the cleaning timer tick against overlapping runs.
const CleaningTickLockKey = "flourmill:cleaning:tick:lock"

// LocationLockKey builds redis keys for per-location critical sections.
func LocationLockKey(locationID int64) string {
	return fmt.Sprintf("flourmill:location:%d:lock", locationID)
}
