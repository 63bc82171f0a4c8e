// Package usagefile reads and writes hourly job usage records stored as an
// Arrow IPC stream.
package usagefile

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingField    = errors.New("required field missing from schema")
	ErrUnsupportedType = errors.New("unsupported column type")
	ErrInvalidRecord   = errors.New("invalid usage record")
)

// Record is one hourly usage fact for a (cluster, user, type, status, excess)
// combination.
type Record struct {
	Cluster string
	User    string
	Type    string
	Unit    string
	Excess  bool
	Status  string
	// Time is the hour start in epoch milliseconds.
	Time int64

	Started            int64
	Finished           int64
	ElapsedMinutes     float64
	CPUMinutes         *float64
	SpilledRecords     *int64
	ReduceShuffleBytes *int64
}

func (r *Record) validate() error {
	if r.Unit != "" && !strings.EqualFold(r.Unit, "HOURS") {
		return fmt.Errorf("%w: unit must be HOURS, got %q", ErrInvalidRecord, r.Unit)
	}
	return nil
}

type fieldID int

const (
	fieldCluster fieldID = iota
	fieldUser
	fieldType
	fieldUnit
	fieldExcess
	fieldStatus
	fieldTime
	fieldStarted
	fieldFinished
	fieldElapsedMinutes
	fieldCPUMinutes
	fieldSpilledRecords
	fieldReduceShuffleBytes
	numFields
)

type fieldSpec struct {
	names    []string
	required bool
}

// fields lists the accepted column names for each record field.
var fields = [numFields]fieldSpec{
	fieldCluster:            {names: []string{"cluster"}, required: true},
	fieldUser:               {names: []string{"user", "user_name"}, required: true},
	fieldType:               {names: []string{"type", "job_type"}, required: true},
	fieldUnit:               {names: []string{"unit"}},
	fieldExcess:             {names: []string{"excess"}, required: true},
	fieldStatus:             {names: []string{"status"}, required: true},
	fieldTime:               {names: []string{"time", "time_ms"}, required: true},
	fieldStarted:            {names: []string{"started"}, required: true},
	fieldFinished:           {names: []string{"finished"}, required: true},
	fieldElapsedMinutes:     {names: []string{"elapsedMinutes", "elapsed_minutes"}, required: true},
	fieldCPUMinutes:         {names: []string{"cpuMinutes", "cpu_minutes"}},
	fieldSpilledRecords:     {names: []string{"spilledRecords", "spilled_records"}},
	fieldReduceShuffleBytes: {names: []string{"reduceShuffleBytes", "reduce_shuffle_bytes"}},
}
