// Package rtc converts the host RTC MMIO word pair into a calendar
// DateTime, grounded on original_source/kernel/src/rtc.rs's
// get_host_timestamp/DateTime::from_unix, reimplemented against
// internal/mmiobus's in-process word pair instead of a real MMIO read.
package rtc

import "github.com/trust0-project/havy-os-go/internal/mmiobus"

// DateTime is a UTC calendar timestamp decomposed from a Unix timestamp.
type DateTime struct {
	Year   uint16
	Month  uint8
	Day    uint8
	Hour   uint8
	Minute uint8
	Second uint8
}

func isLeapYear(year int) bool {
	return (year%4 == 0 && year%100 != 0) || year%400 == 0
}

var daysInMonth = [12]int64{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

// FromUnix decomposes a Unix timestamp (seconds since 1970-01-01 UTC) into
// a DateTime, the direct port of original_source's from_unix algorithm.
func FromUnix(timestamp uint64) DateTime {
	days := int64(timestamp / 86400)
	daySeconds := uint32(timestamp % 86400)

	hour := uint8(daySeconds / 3600)
	minute := uint8((daySeconds % 3600) / 60)
	second := uint8(daySeconds % 60)

	year := 1970
	for {
		daysInYear := int64(365)
		if isLeapYear(year) {
			daysInYear = 366
		}
		if days < daysInYear {
			break
		}
		days -= daysInYear
		year++
	}

	months := daysInMonth
	if isLeapYear(year) {
		months[1] = 29
	}

	var month uint8
	for i, dim := range months {
		if days < dim {
			month = uint8(i + 1)
			break
		}
		days -= dim
	}

	return DateTime{
		Year:   uint16(year),
		Month:  month,
		Day:    uint8(days + 1),
		Hour:   hour,
		Minute: minute,
		Second: second,
	}
}

// Now reads the host RTC MMIO word pair from bus and decodes it. Returns
// ok=false if the RTC has never been set (timestamp word pair reads as
// zero), matching original_source's "returns None if RTC is not
// available" contract.
func Now(bus *mmiobus.Bus) (DateTime, bool) {
	low, high := bus.HostRTCWords()
	ts := uint64(high)<<32 | uint64(low)
	if ts == 0 {
		return DateTime{}, false
	}
	return FromUnix(ts), true
}
