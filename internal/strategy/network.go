package strategy

// SpeedClass buckets the current network into the coarse speed classes the
// planner's window and budget math keys off.
type SpeedClass int

const (
	// SlowCell is a metered, high-latency link; windows stay small and
	// attachments are skipped.
	SlowCell SpeedClass = iota

	// FastCell is a metered but quick link.
	FastCell

	// WiFi is an unmetered link; windows and budgets open wide.
	WiFi
)

// String returns the class name for log output.
func (c SpeedClass) String() string {
	switch c {
	case SlowCell:
		return "SlowCell"
	case FastCell:
		return "FastCell"
	case WiFi:
		return "WiFi"
	default:
		return "Unknown"
	}
}

// spanFactor scales the per-rung base window by network quality.
func (c SpeedClass) spanFactor() uint32 {
	switch c {
	case FastCell:
		return 2
	case WiFi:
		return 3
	default:
		return 1
	}
}

// maxAttachmentSize bounds speculative attachment downloads per class. Zero
// disables them entirely.
func (c SpeedClass) maxAttachmentSize() int64 {
	switch c {
	case FastCell:
		return 256 << 10
	case WiFi:
		return 4 << 20
	default:
		return 0
	}
}
