package usage

import (
	"context"
	"fmt"
)

// Request is a combined usage request: per-user series for Users and one
// summed series for UsersToAggregate.
type Request struct {
	Cluster          string
	Users            []string
	UsersToAggregate []string
	Time             TimeSpec
	Report           ReportType
}

type Response struct {
	Times              []int64      `json:"times"`
	Users              []UserSeries `json:"users"`
	UsersAggregated    []float64    `json:"usersAggregated"`
	NumAggregatedUsers int          `json:"numAggregatedUsers"`
	Cluster            string       `json:"cluster"`
}

func (e *Engine) FetchUsage(ctx context.Context, req Request) (Response, error) {
	resp := Response{Cluster: req.Cluster, Users: []UserSeries{}, UsersAggregated: []float64{}}
	users := DedupeUsers(req.Users)
	aggregate := DedupeUsers(req.UsersToAggregate)

	if len(users) > 0 {
		perUser, err := e.FetchPerUserData(ctx, req.Cluster, users, req.Time, req.Report)
		if err != nil {
			return Response{}, err
		}
		resp.Times = perUser.Times
		resp.Users = perUser.Users
	}
	if len(aggregate) > 0 {
		agg, err := e.FetchAggregatedData(ctx, req.Cluster, aggregate, req.Time, req.Report)
		if err != nil {
			return Response{}, err
		}
		resp.Times = agg.Times
		resp.UsersAggregated = agg.Data
		resp.NumAggregatedUsers = agg.NumUsers
	}
	if resp.Times == nil {
		if req.Cluster == "" {
			return Response{}, fmt.Errorf("%w: cluster is required", ErrInvalidRequest)
		}
		if _, err := req.Report.lookup(); err != nil {
			return Response{}, err
		}
		unit, loc, err := req.Time.validate()
		if err != nil {
			return Response{}, err
		}
		if resp.Times, err = e.buckets(ctx, req.Cluster, req.Time, unit, loc); err != nil {
			return Response{}, err
		}
	}

	e.log.Debug("usage: request served", "cluster", req.Cluster, "report", string(req.Report), "users", len(users), "aggregated", len(aggregate), "buckets", len(resp.Times))
	return resp, nil
}

// HasAggregated reports whether the response carries an aggregated series.
func (r Response) HasAggregated() bool {
	return r.NumAggregatedUsers > 0
}

func (r Request) String() string {
	return fmt.Sprintf("cluster=%s report=%s unit=%s tz=%s start=%d end=%d users=%v aggregate=%v",
		r.Cluster, r.Report, r.Time.Unit, r.Time.Timezone, r.Time.Start, r.Time.End, r.Users, r.UsersToAggregate)
}
