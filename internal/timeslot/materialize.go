/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package timeslot converts wall-clock timeslot labels on an event date into
// absolute instants.
package timeslot

import (
	"errors"
	"fmt"
	"time"
)

// DateLayout is the calendar date format stored on events.
const DateLayout = "2006-01-02"

// GracePeriod separates the end of a timeslot from its settlement.
const GracePeriod = 2 * time.Hour

var (
	ErrInvalidTimeLabel = errors.New("invalid time label")
	ErrInvalidDate      = errors.New("invalid date")
	ErrEmptyWindow      = errors.New("start and end label are identical")
)

// Window holds the absolute instants of one timeslot, all in UTC.
type Window struct {
	Start         time.Time
	End           time.Time
	SettlementDue time.Time
}

// Materialize anchors the start and end labels to date in loc. The end label
// lands on the following day when it precedes the start label in the catalog.
// Offsets are resolved for the specific local date, so windows on DST
// transition days carry the offset in effect at each wall-clock time.
func Materialize(date, startLabel, endLabel string, loc *time.Location) (Window, error) {
	if loc == nil {
		loc = time.UTC
	}

	day, err := time.ParseInLocation(DateLayout, date, loc)
	if err != nil {
		return Window{}, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}

	startIdx, err := Index(startLabel)
	if err != nil {
		return Window{}, err
	}
	endIdx, err := Index(endLabel)
	if err != nil {
		return Window{}, err
	}
	if startIdx == endIdx {
		return Window{}, fmt.Errorf("%w: %q", ErrEmptyWindow, startLabel)
	}

	startHour, startMinute, _ := Clock(startLabel)
	endHour, endMinute, _ := Clock(endLabel)

	y, m, d := day.Date()
	endDay := d
	if endIdx < startIdx {
		endDay++
	}

	start := time.Date(y, m, d, startHour, startMinute, 0, 0, loc)
	end := time.Date(y, m, endDay, endHour, endMinute, 0, 0, loc)

	return Window{
		Start:         start.UTC(),
		End:           end.UTC(),
		SettlementDue: end.Add(GracePeriod).UTC(),
	}, nil
}

// DateOf returns the calendar date of t in loc, formatted like event dates.
func DateOf(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}
