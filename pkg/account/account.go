package account

import "time"

// DateFormat is the calendar-date layout used for daily quota resets
const DateFormat = "2006-01-02"

// Account is one credential identity with a per-day download quota.
// Counters are owned exclusively by the Store and mutated only through it.
type Account struct {
	Email             string `json:"email"`
	MaxDailyDownloads int    `json:"max_daily_downloads"`
	DailyDownloads    int    `json:"daily_downloads"`
	LastReset         string `json:"last_reset"`
}

// Usable reports whether the account has quota left for today
func (a Account) Usable() bool {
	return a.DailyDownloads < a.MaxDailyDownloads
}

// Remaining returns the number of downloads left today
func (a Account) Remaining() int {
	if r := a.MaxDailyDownloads - a.DailyDownloads; r > 0 {
		return r
	}
	return 0
}

// needsReset reports whether the stored reset date is before the given day
func (a Account) needsReset(now time.Time) bool {
	return a.LastReset < now.Format(DateFormat)
}
