// Package dimdate generates the calendar and fiscal date dimension
package dimdate

import (
	"fmt"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

// Key returns the YYYYMMDD date key of t in UTC
func Key(t time.Time) int {
	y, m, d := t.UTC().Date()
	return y*10000 + int(m)*100 + d
}

// Truncate returns midnight UTC of t's calendar day
func Truncate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseHolidays parses holiday dates in any layout the normalizers accept
func ParseHolidays(values []string) (map[int]bool, error) {
	holidays := make(map[int]bool, len(values))
	for _, v := range values {
		t, ok := normalizers.ParseDate(v)
		if !ok {
			return nil, fmt.Errorf("invalid holiday date %q", v)
		}
		holidays[Key(t)] = true
	}
	return holidays, nil
}

// Generate yields one row per day from start to end inclusive. Fiscal years
// are labelled by the calendar year in which they start.
func Generate(start, end time.Time, fiscalStartMonth int, holidays map[int]bool) ([]models.DateRow, error) {
	if fiscalStartMonth < 1 || fiscalStartMonth > 12 {
		return nil, fmt.Errorf("fiscal start month must be between 1 and 12, got %d", fiscalStartMonth)
	}
	start, end = Truncate(start), Truncate(end)
	if end.Before(start) {
		return nil, fmt.Errorf("end %s is before start %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}

	days := int(end.Sub(start).Hours()/24) + 1
	rows := make([]models.DateRow, 0, days)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		rows = append(rows, Row(d, fiscalStartMonth, holidays))
	}
	return rows, nil
}

// Row builds the date dimension row for day d
func Row(d time.Time, fiscalStartMonth int, holidays map[int]bool) models.DateRow {
	d = Truncate(d)
	year, month, day := d.Date()
	_, week := d.ISOWeek()

	fiscalYear := year
	if int(month) < fiscalStartMonth {
		fiscalYear--
	}
	fiscalMonth := (int(month)-fiscalStartMonth+12)%12 + 1

	dayOfWeek := int(d.Weekday())
	if dayOfWeek == 0 {
		dayOfWeek = 7
	}

	key := Key(d)
	return models.DateRow{
		DateKey:           key,
		FullDate:          d,
		Day:               day,
		DayOfWeek:         dayOfWeek,
		DayName:           d.Weekday().String(),
		WeekOfYear:        week,
		Month:             int(month),
		MonthName:         month.String(),
		Quarter:           (int(month)-1)/3 + 1,
		Year:              year,
		YearMonth:         year*100 + int(month),
		FiscalYear:        fiscalYear,
		FiscalMonth:       fiscalMonth,
		FiscalQuarter:     (fiscalMonth-1)/3 + 1,
		FiscalYearMonth:   fiscalYear*100 + fiscalMonth,
		IsWeekend:         dayOfWeek >= 6,
		IsHoliday:         holidays[key],
		IsFirstDayOfMonth: day == 1,
		IsLastDayOfMonth:  d.AddDate(0, 0, 1).Month() != month,
	}
}
