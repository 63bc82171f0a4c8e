// Package timebucket computes calendar-aware time bucket boundaries.
package timebucket

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidUnit = errors.New("invalid time unit")

type Unit string

const (
	Hours  Unit = "HOURS"
	Days   Unit = "DAYS"
	Weeks  Unit = "WEEKS"
	Months Unit = "MONTHS"
)

// ParseUnit accepts unit names case-insensitively, singular or plural.
func ParseUnit(s string) (Unit, error) {
	u := strings.ToUpper(strings.TrimSpace(s))
	if u != "" && !strings.HasSuffix(u, "S") {
		u += "S"
	}
	switch Unit(u) {
	case Hours, Days, Weeks, Months:
		return Unit(u), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidUnit, s)
}

func (u Unit) String() string { return string(u) }

// Range is an inclusive interval of epoch milliseconds.
type Range struct {
	Start int64
	End   int64
}

// Empty reports whether the range holds no instants.
func (r Range) Empty() bool { return r.Start > r.End }

// Truncate rounds the epoch ms t down to the start of its bucket. Hours are
// aligned on the epoch; the other units on local calendar boundaries in loc.
func Truncate(t int64, unit Unit, loc *time.Location) int64 {
	if unit == Hours {
		return floorHour(t)
	}
	return floorLocal(time.UnixMilli(t).In(loc), unit).UnixMilli()
}

// Buckets returns the start of every bucket that lies completely inside the
// requested range and overlaps the data range, in ascending order.
//
// Hour buckets never straddle the request edges, so every hour from the
// floor of the start to the floor of the end is included. Calendar buckets
// touching a request edge are included only when the edge falls exactly on
// the bucket's boundary.
func Buckets(req Range, unit Unit, loc *time.Location, data Range) ([]int64, error) {
	if loc == nil {
		loc = time.UTC
	}
	if req.Empty() || data.Empty() {
		return nil, nil
	}
	if unit == Hours {
		start := floorHour(max(req.Start, data.Start))
		end := floorHour(min(req.End, data.End))
		var out []int64
		for t := start; t <= end; t += time.Hour.Milliseconds() {
			out = append(out, t)
		}
		return out, nil
	}
	switch unit {
	case Days, Weeks, Months:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidUnit, string(unit))
	}

	first := floorLocal(time.UnixMilli(max(req.Start, data.Start)).In(loc), unit)
	if first.UnixMilli() < req.Start {
		first = next(first, unit)
	}
	var out []int64
	for b := first; ; b = next(b, unit) {
		bs := b.UnixMilli()
		be := next(b, unit).UnixMilli() - 1
		if be > req.End {
			break
		}
		if bs > data.End {
			break
		}
		out = append(out, bs)
	}
	return out, nil
}

func floorHour(t int64) int64 {
	h := time.Hour.Milliseconds()
	r := t % h
	if r < 0 {
		r += h
	}
	return t - r
}

func floorLocal(t time.Time, unit Unit) time.Time {
	y, m, d := t.Date()
	switch unit {
	case Weeks:
		d -= int(t.Weekday())
	case Months:
		d = 1
	}
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// next returns the start of the bucket following b, which must be a bucket
// start. Calendar arithmetic keeps the wall clock at midnight across DST.
func next(b time.Time, unit Unit) time.Time {
	y, m, d := b.Date()
	switch unit {
	case Days:
		d++
	case Weeks:
		d += 7
	case Months:
		m++
	}
	return time.Date(y, m, d, 0, 0, 0, 0, b.Location())
}
