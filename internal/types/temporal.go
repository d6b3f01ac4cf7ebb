package types

import (
	"errors"
	"fmt"
	"time"
)

// ceEpoch is the reference instant for Date's days-since-CE encoding:
// 0001-01-01 in the proleptic Gregorian calendar.
var ceEpoch = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)

const nanosPerDay = int64(24 * time.Hour)

// Date is a calendar day encoded as days since CE (0001-01-01).
type Date struct {
	Days int32
}

// DateFromCalendar constructs a Date from a proleptic Gregorian y/m/d.
func DateFromCalendar(year int, month time.Month, day int) Date {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return Date{Days: int32(t.Sub(ceEpoch) / time.Duration(nanosPerDay))}
}

func (d Date) toTime() time.Time {
	return ceEpoch.Add(time.Duration(int64(d.Days) * nanosPerDay))
}

// Calendar decomposes the Date back into year/month/day.
func (d Date) Calendar() (year int, month time.Month, day int) {
	t := d.toTime()
	return t.Year(), t.Month(), t.Day()
}

func (d Date) Compare(o Date) int {
	switch {
	case d.Days < o.Days:
		return -1
	case d.Days > o.Days:
		return 1
	default:
		return 0
	}
}

// TimeOfDay is a wall-clock time encoded as nanoseconds since midnight,
// always within [0, 24h).
type TimeOfDay struct {
	Nanos int64
}

func TimeOfDayFromClock(hour, min, sec, nanos int) TimeOfDay {
	total := int64(hour)*int64(time.Hour) + int64(min)*int64(time.Minute) +
		int64(sec)*int64(time.Second) + int64(nanos)
	return TimeOfDay{Nanos: total}
}

func (t TimeOfDay) Compare(o TimeOfDay) int {
	switch {
	case t.Nanos < o.Nanos:
		return -1
	case t.Nanos > o.Nanos:
		return 1
	default:
		return 0
	}
}

// Timestamp is a point in time encoded as microseconds since the Unix
// epoch (1970-01-01T00:00:00Z).
type Timestamp struct {
	Micros int64
}

func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Micros: t.UnixMicro()}
}

func (ts Timestamp) ToTime() time.Time {
	return time.UnixMicro(ts.Micros).UTC()
}

func (ts Timestamp) Compare(o Timestamp) int {
	switch {
	case ts.Micros < o.Micros:
		return -1
	case ts.Micros > o.Micros:
		return 1
	default:
		return 0
	}
}

// Interval is a calendar interval expressed as (months, days, milliseconds),
// matching PostgreSQL's three-component interval representation.
type Interval struct {
	Months int32
	Days   int32
	Millis int64
}

func (iv Interval) Compare(o Interval) int {
	switch {
	case iv.Months != o.Months:
		return cmpInt32(iv.Months, o.Months)
	case iv.Days != o.Days:
		return cmpInt32(iv.Days, o.Days)
	default:
		return cmpInt64(iv.Millis, o.Millis)
	}
}

func cmpInt32(a, b int32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// ErrIntervalOverflow is returned by AddInterval when the result does not
// fit in the representable Timestamp range.
var ErrIntervalOverflow = errors.New("types: interval arithmetic overflowed representable timestamp range")

// AddInterval adds iv to ts following PostgreSQL semantics: months are added
// first by calendar (clamping the day-of-month to the resulting month's
// last valid day), then days, then milliseconds. Each stage can overflow
// independently; any overflow is reported as ErrIntervalOverflow.
func AddInterval(ts Timestamp, iv Interval) (Timestamp, error) {
	t := ts.ToTime()

	if iv.Months != 0 {
		var err error
		t, err = addMonthsClamped(t, int(iv.Months))
		if err != nil {
			return Timestamp{}, err
		}
	}

	if iv.Days != 0 {
		shifted := t.AddDate(0, 0, int(iv.Days))
		if !sameWallClock(t, shifted, int(iv.Days)) {
			return Timestamp{}, fmt.Errorf("%w: day component", ErrIntervalOverflow)
		}
		t = shifted
	}

	if iv.Millis != 0 {
		d := time.Duration(iv.Millis) * time.Millisecond
		if iv.Millis != 0 && int64(d/time.Millisecond) != iv.Millis {
			return Timestamp{}, fmt.Errorf("%w: millisecond component", ErrIntervalOverflow)
		}
		t = t.Add(d)
	}

	result := TimestampFromTime(t)
	if !withinMicroRange(t) {
		return Timestamp{}, fmt.Errorf("%w: result exceeds representable range", ErrIntervalOverflow)
	}
	return result, nil
}

func addMonthsClamped(t time.Time, months int) (time.Time, error) {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	nanos := t.Nanosecond()

	totalMonths := int(month) - 1 + months
	newYear := year + totalMonths/12
	newMonth := totalMonths % 12
	if newMonth < 0 {
		newMonth += 12
		newYear--
	}
	newMonth++ // back to 1-12

	lastDay := daysInMonth(newYear, time.Month(newMonth))
	if day > lastDay {
		day = lastDay
	}

	result := time.Date(newYear, time.Month(newMonth), day, hour, min, sec, nanos, time.UTC)
	if !withinMicroRange(result) {
		return time.Time{}, fmt.Errorf("%w: month component", ErrIntervalOverflow)
	}
	return result, nil
}

func daysInMonth(year int, month time.Month) int {
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	lastOfThis := firstOfNext.AddDate(0, 0, -1)
	return lastOfThis.Day()
}

// sameWallClock reports whether adding n days moved the wall clock by
// exactly n calendar days (guards against AddDate silently wrapping at
// time.Time's internal range limits).
func sameWallClock(before, after time.Time, days int) bool {
	expected := before.AddDate(0, 0, days)
	return expected.Equal(after)
}

// withinMicroRange reports whether t's Unix microsecond value fits in an
// int64 without wrapping.
func withinMicroRange(t time.Time) bool {
	sec := t.Unix()
	const maxSec = (1<<63 - 1) / 1_000_000
	const minSec = -maxSec
	return sec < maxSec && sec > minSec
}

// TruncUnit names a temporal truncation granularity.
type TruncUnit string

const (
	TruncMillisecond TruncUnit = "ms"
	TruncSecond      TruncUnit = "s"
	TruncMinute      TruncUnit = "minute"
	TruncHour        TruncUnit = "hour"
	TruncDay         TruncUnit = "day"
	TruncWeek        TruncUnit = "week" // Monday-first
	TruncMonth       TruncUnit = "month"
	TruncQuarter     TruncUnit = "quarter"
	TruncYear        TruncUnit = "year"
	TruncDecade      TruncUnit = "decade"
	TruncCentury     TruncUnit = "century"
	TruncMillennium  TruncUnit = "millennium"
)

// TruncateTimestamp truncates ts to the given granularity.
func TruncateTimestamp(ts Timestamp, unit TruncUnit) (Timestamp, error) {
	t := ts.ToTime()
	switch unit {
	case TruncMillisecond:
		t = t.Truncate(time.Millisecond)
	case TruncSecond:
		t = t.Truncate(time.Second)
	case TruncMinute:
		t = t.Truncate(time.Minute)
	case TruncHour:
		t = t.Truncate(time.Hour)
	case TruncDay:
		y, m, d := t.Date()
		t = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	case TruncWeek:
		y, m, d := t.Date()
		day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		// time.Weekday: Sunday=0..Saturday=6; convert to Monday-first offset.
		offset := (int(day.Weekday()) + 6) % 7
		t = day.AddDate(0, 0, -offset)
	case TruncMonth:
		y, m, _ := t.Date()
		t = time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	case TruncQuarter:
		y, m, _ := t.Date()
		qStartMonth := time.Month(((int(m)-1)/3)*3 + 1)
		t = time.Date(y, qStartMonth, 1, 0, 0, 0, 0, time.UTC)
	case TruncYear:
		y, _, _ := t.Date()
		t = time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
	case TruncDecade:
		y, _, _ := t.Date()
		t = time.Date(floorMultiple(y, 10), time.January, 1, 0, 0, 0, 0, time.UTC)
	case TruncCentury:
		y, _, _ := t.Date()
		t = time.Date(floorMultiple(y-1, 100)+1, time.January, 1, 0, 0, 0, 0, time.UTC)
	case TruncMillennium:
		y, _, _ := t.Date()
		t = time.Date(floorMultiple(y-1, 1000)+1, time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return Timestamp{}, fmt.Errorf("types: unknown truncation unit %q", unit)
	}
	return TimestampFromTime(t), nil
}

func floorMultiple(v, m int) int {
	if v >= 0 {
		return (v / m) * m
	}
	return -(((-v)+m-1)/m) * m
}
