package history

import (
	"fmt"
	"time"
)

// FormatAge renders how long before the live file a version was written.
// Units are truncated, never rounded.
func FormatAge(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	secs := int64(d / time.Second)
	if secs == 0 {
		return "latest"
	}
	if secs < 60 {
		return fmt.Sprintf("%d secs ago", secs)
	}
	mins := secs / 60
	if mins < 60 {
		return fmt.Sprintf("%d minutes ago", mins)
	}
	hours := mins / 60
	if hours < 24 {
		return fmt.Sprintf("%d hours ago", hours)
	}
	days := hours / 24
	if days < 30 {
		return fmt.Sprintf("%d days ago", days)
	}
	if months := days / 30; months < 12 {
		return fmt.Sprintf("%d months ago", months)
	}
	return fmt.Sprintf("%d years ago", max(days/365, 1))
}
