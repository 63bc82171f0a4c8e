package usage

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// WriteCSV writes resp as one row per bucket: the bucket's local date, then
// one column per user and an "aggregated" column when aggregated data is
// present. Minute measures are converted to hours.
func WriteCSV(w io.Writer, resp Response, loc *time.Location, rt ReportType) error {
	if loc == nil {
		loc = time.UTC
	}
	scale := 1.0
	if rt.InMinutes() {
		scale = 60
	}

	cw := csv.NewWriter(w)
	header := []string{"time"}
	for _, u := range resp.Users {
		header = append(header, u.User)
	}
	if resp.HasAggregated() {
		header = append(header, "aggregated")
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	row := make([]string, len(header))
	for i, t := range resp.Times {
		row = row[:0]
		row = append(row, formatBucket(t, loc))
		for _, u := range resp.Users {
			row = append(row, formatValue(u.Data[i]/scale))
		}
		if resp.HasAggregated() {
			row = append(row, formatValue(resp.UsersAggregated[i]/scale))
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// formatBucket prints a local date, with the time of day for buckets that do
// not start at midnight.
func formatBucket(t int64, loc *time.Location) string {
	lt := time.UnixMilli(t).In(loc)
	if lt.Hour() == 0 && lt.Minute() == 0 {
		return lt.Format("2006-01-02")
	}
	return lt.Format("2006-01-02 15:04")
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
