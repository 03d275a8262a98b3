package buildstate

import "time"

// JobTime is the duration of the current or last step.
func JobTime(jobStart, jobEnd *time.Time, now time.Time) time.Duration {
	switch {
	case jobStart == nil:
		return 0
	case jobEnd != nil:
		return jobEnd.Sub(*jobStart)
	default:
		return now.Sub(*jobStart)
	}
}

// BuildTime is the duration of the whole build. A build still waiting on
// children keeps counting.
func BuildTime(buildStart, buildEnd *time.Time, global State, now time.Time) time.Duration {
	switch {
	case buildStart == nil:
		return 0
	case buildEnd != nil && global != StateWaiting:
		return buildEnd.Sub(*buildStart)
	default:
		return now.Sub(*buildStart)
	}
}

// BuildAge is the time elapsed since the current step started.
func BuildAge(jobStart *time.Time, now time.Time) time.Duration {
	if jobStart == nil {
		return 0
	}

	return now.Sub(*jobStart)
}
