package usage

import (
	"fmt"
	"slices"
)

const (
	MeasureElapsedMinutes     = "elapsedMinutes"
	MeasureCPUMinutes         = "cpuMinutes"
	MeasureStarted            = "started"
	MeasureFinished           = "finished"
	MeasureReduceShuffleBytes = "reduceShuffleBytes"
)

// measureDefaults is the value reported for a bucket with no data.
var measureDefaults = map[string]float64{
	MeasureElapsedMinutes:     0,
	MeasureCPUMinutes:         0,
	MeasureStarted:            0,
	MeasureFinished:           0,
	MeasureReduceShuffleBytes: 0,
}

const (
	JobTypeMap    = "MAP"
	JobTypeReduce = "REDUCE"

	StatusSuccess = "SUCCESS"
	StatusKilled  = "KILLED"
	StatusFailed  = "FAILED"
)

// Filter restricts the facts a report reads. Zero fields match everything.
type Filter struct {
	JobType    string
	Status     string
	ExcessOnly bool
}

func (f Filter) String() string {
	return fmt.Sprintf("type=%s,status=%s,excess=%t", f.JobType, f.Status, f.ExcessOnly)
}

type ReportType string

type report struct {
	filter  Filter
	measure string
}

var reports = map[ReportType]report{
	"minutesTotal":        {Filter{}, MeasureElapsedMinutes},
	"minutesMap":          {Filter{JobType: JobTypeMap}, MeasureElapsedMinutes},
	"minutesReduce":       {Filter{JobType: JobTypeReduce}, MeasureElapsedMinutes},
	"minutesExcessTotal":  {Filter{ExcessOnly: true}, MeasureElapsedMinutes},
	"minutesExcessMap":    {Filter{JobType: JobTypeMap, ExcessOnly: true}, MeasureElapsedMinutes},
	"minutesExcessReduce": {Filter{JobType: JobTypeReduce, ExcessOnly: true}, MeasureElapsedMinutes},
	"minutesSuccess":      {Filter{Status: StatusSuccess}, MeasureElapsedMinutes},
	"minutesKilled":       {Filter{Status: StatusKilled}, MeasureElapsedMinutes},
	"minutesFailed":       {Filter{Status: StatusFailed}, MeasureElapsedMinutes},
	"cpuTotal":            {Filter{}, MeasureCPUMinutes},
	"reduceShuffleBytes":  {Filter{JobType: JobTypeReduce}, MeasureReduceShuffleBytes},
	"successStarted":      {Filter{Status: StatusSuccess}, MeasureStarted},
	"successFinished":     {Filter{Status: StatusSuccess}, MeasureFinished},
	"failedStarted":       {Filter{Status: StatusFailed}, MeasureStarted},
	"failedFinished":      {Filter{Status: StatusFailed}, MeasureFinished},
	"killedStarted":       {Filter{Status: StatusKilled}, MeasureStarted},
	"killedFinished":      {Filter{Status: StatusKilled}, MeasureFinished},
	"totalStarted":        {Filter{}, MeasureStarted},
	"totalFinished":       {Filter{}, MeasureFinished},
	"mapStarted":          {Filter{JobType: JobTypeMap}, MeasureStarted},
	"mapFinished":         {Filter{JobType: JobTypeMap}, MeasureFinished},
	"reduceStarted":       {Filter{JobType: JobTypeReduce}, MeasureStarted},
	"reduceFinished":      {Filter{JobType: JobTypeReduce}, MeasureFinished},
}

func (r ReportType) lookup() (report, error) {
	rep, ok := reports[r]
	if !ok {
		return report{}, fmt.Errorf("%w: %q", ErrUnknownReportType, string(r))
	}
	return rep, nil
}

// Measure returns the measure the report projects.
func (r ReportType) Measure() (string, error) {
	rep, err := r.lookup()
	return rep.measure, err
}

// InMinutes reports whether the report's measure is a duration in minutes.
func (r ReportType) InMinutes() bool {
	rep, err := r.lookup()
	if err != nil {
		return false
	}
	return rep.measure == MeasureElapsedMinutes || rep.measure == MeasureCPUMinutes
}

// ReportTypes returns every known report type, sorted.
func ReportTypes() []ReportType {
	out := make([]ReportType, 0, len(reports))
	for r := range reports {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}
