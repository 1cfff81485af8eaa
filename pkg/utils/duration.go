package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var durationPattern = regexp.MustCompile(`^([0-9]+)([smhdw])?$`)

var unitSeconds = map[string]int64{
	"s": 1,
	"m": 60,
	"h": 3600,
	"d": 86400,
	"w": 604800,
}

// ParseDuration parses age strings like "30", "6m", "1d" or "2w". A bare
// integer is seconds.
func ParseDuration(value string) (time.Duration, error) {
	match := durationPattern.FindStringSubmatch(value)
	if match == nil {
		return 0, fmt.Errorf("invalid duration %q, expected an integer with an optional s/m/h/d/w unit", value)
	}

	amount, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %s", value, err)
	}

	unit := match[2]
	if unit == "" {
		unit = "s"
	}
	return time.Duration(amount*unitSeconds[unit]) * time.Second, nil
}
