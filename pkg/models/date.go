package models

import "time"

// DateRow is one day of the date dimension
type DateRow struct {
	DateKey           int       `json:"date_key" db:"date_key"`
	FullDate          time.Time `json:"full_date" db:"full_date"`
	Day               int       `json:"day" db:"day"`
	DayOfWeek         int       `json:"day_of_week" db:"day_of_week"`
	DayName           string    `json:"day_name" db:"day_name"`
	WeekOfYear        int       `json:"week_of_year" db:"week_of_year"`
	Month             int       `json:"month" db:"month"`
	MonthName         string    `json:"month_name" db:"month_name"`
	Quarter           int       `json:"quarter" db:"quarter"`
	Year              int       `json:"year" db:"year"`
	YearMonth         int       `json:"year_month" db:"year_month"`
	FiscalYear        int       `json:"fiscal_year" db:"fiscal_year"`
	FiscalMonth       int       `json:"fiscal_month" db:"fiscal_month"`
	FiscalQuarter     int       `json:"fiscal_quarter" db:"fiscal_quarter"`
	FiscalYearMonth   int       `json:"fiscal_year_month" db:"fiscal_year_month"`
	IsWeekend         bool      `json:"is_weekend" db:"is_weekend"`
	IsHoliday         bool      `json:"is_holiday" db:"is_holiday"`
	IsFirstDayOfMonth bool      `json:"is_first_day_of_month" db:"is_first_day_of_month"`
	IsLastDayOfMonth  bool      `json:"is_last_day_of_month" db:"is_last_day_of_month"`
}
