package participant

import "fmt"

// FormatCountdown renders seconds as m:ss. Negative values render as 0:00.
func FormatCountdown(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
