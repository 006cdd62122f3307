package doorman

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// memberDateYearPivot is the cutoff for expanding two-digit years in
// membership end dates. Values at or below the pivot map to 20xx, values
// above it map to 19xx, so the representable range is 1931-2030. The
// upstream roster spreadsheet has always used this window, so it's kept
// as-is for wire compatibility even though dates past 2030 will wrap.
const memberDateYearPivot = 30

// parseMemberDate parses a membership end date in DD/MM/YY format into a
// UTC midnight time.Time. Whitespace is trimmed first. The date must be
// calendar-valid: strings like "30/02/24" that normalize to a different
// day are rejected.
func parseMemberDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("invalid date %q (expected DD/MM/YY)", s)
	}

	day, err := strconv.Atoi(parts[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day in date %q: %w", s, err)
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid month in date %q: %w", s, err)
	}
	yy, err := strconv.Atoi(parts[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid year in date %q: %w", s, err)
	}

	if day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("day out of range in date %q", s)
	}
	if month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("month out of range in date %q", s)
	}
	if yy < 0 || yy > 99 {
		return time.Time{}, fmt.Errorf("year out of range in date %q", s)
	}

	year := 1900 + yy
	if yy <= memberDateYearPivot {
		year = 2000 + yy
	}

	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || t.Month() != time.Month(month) || t.Year() != year {
		return time.Time{}, fmt.Errorf("date %q does not exist", s)
	}
	return t, nil
}

// formatMemberDate renders t as a zero-padded DD/MM/YY string, the inverse
// of parseMemberDate for any date within the representable window.
func formatMemberDate(t time.Time) string {
	return fmt.Sprintf("%02d/%02d/%02d", t.Day(), int(t.Month()), t.Year()%100)
}
