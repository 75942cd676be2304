/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package timeslot

import (
	"fmt"
	"strconv"
	"strings"
)

// StepMinutes is the spacing between adjacent catalog labels.
const StepMinutes = 15

// CatalogSize is the number of labels in one day.
const CatalogSize = 24 * 60 / StepMinutes

var (
	catalog = buildCatalog()
	indexOf = func() map[string]int {
		m := make(map[string]int, len(catalog))
		for i, l := range catalog {
			m[l] = i
		}
		return m
	}()
)

func buildCatalog() []string {
	labels := make([]string, 0, CatalogSize)
	for i := 0; i < CatalogSize; i++ {
		minutes := i * StepMinutes
		hour, minute := minutes/60, minutes%60
		suffix := "AM"
		if hour >= 12 {
			suffix = "PM"
		}
		h12 := hour % 12
		if h12 == 0 {
			h12 = 12
		}
		labels = append(labels, fmt.Sprintf("%d:%02d%s", h12, minute, suffix))
	}
	return labels
}

// Catalog returns the ordered label catalog, starting at 12:00AM.
func Catalog() []string {
	out := make([]string, len(catalog))
	copy(out, catalog)
	return out
}

// Index returns the catalog position of label.
func Index(label string) (int, error) {
	idx, ok := indexOf[normalize(label)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeLabel, label)
	}
	return idx, nil
}

// Clock converts a catalog label to a 24-hour hour and minute.
func Clock(label string) (hour, minute int, err error) {
	l := normalize(label)
	if _, ok := indexOf[l]; !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTimeLabel, label)
	}

	meridiem := l[len(l)-2:]
	hh, mm, _ := strings.Cut(l[:len(l)-2], ":")
	hour, _ = strconv.Atoi(hh)
	minute, _ = strconv.Atoi(mm)

	switch meridiem {
	case "AM":
		if hour == 12 {
			hour = 0
		}
	case "PM":
		if hour != 12 {
			hour += 12
		}
	}
	return hour, minute, nil
}

func normalize(label string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(label), " ", ""))
}
