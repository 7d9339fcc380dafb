package shared

import "fmt"

// PeriodLockKey builds the redis key guarding computations of a pay period.
func PeriodLockKey(periodID int64) string {
	return fmt.Sprintf("paie:period:%d:lock", periodID)
}
