package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/malbeclabs/jobusage/pkg/cache"
	"github.com/malbeclabs/jobusage/pkg/cube"
	"github.com/malbeclabs/jobusage/pkg/metrics"
	"github.com/malbeclabs/jobusage/pkg/timebucket"
)

const (
	dimUser = "user"
	dimTime = "time"
)

type opKind uint8

const (
	opClusters opKind = iota + 1
	opUsers
	opTimeRange
	opCube
)

func (o opKind) String() string {
	switch o {
	case opClusters:
		return "clusters"
	case opUsers:
		return "users"
	case opTimeRange:
		return "timeRange"
	case opCube:
		return "cube"
	}
	return "unknown"
}

// CacheKey identifies one cached query result.
type CacheKey struct {
	op      opKind
	cluster string
	filter  Filter
	unit    timebucket.Unit
	zone    string
}

func (k CacheKey) CacheKey() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", k.op, k.cluster, k.filter, k.unit, k.zone)
}

// QueryCache holds query results keyed by operation.
type QueryCache = cache.Cache[CacheKey, any]

func NewQueryCache(cfg cache.Config) (*QueryCache, error) {
	return cache.New[CacheKey, any](cfg)
}

// TimeSpec is the requested window, in epoch ms, and how to bucket it.
type TimeSpec struct {
	Start    int64
	End      int64
	Unit     timebucket.Unit
	Timezone string
}

// Location resolves the IANA timezone; empty means UTC.
func (ts TimeSpec) Location() (*time.Location, error) {
	if ts.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(ts.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, ts.Timezone)
	}
	return loc, nil
}

func (ts TimeSpec) validate() (timebucket.Unit, *time.Location, error) {
	if ts.Start > ts.End {
		return "", nil, fmt.Errorf("%w: start %d is after end %d", ErrInvalidRequest, ts.Start, ts.End)
	}
	unit, err := timebucket.ParseUnit(string(ts.Unit))
	if err != nil {
		return "", nil, err
	}
	loc, err := ts.Location()
	if err != nil {
		return "", nil, err
	}
	return unit, loc, nil
}

type UserSeries struct {
	User string    `json:"user"`
	Data []float64 `json:"data"`
}

type PerUserResult struct {
	Times []int64
	Users []UserSeries
}

type AggregatedResult struct {
	Times    []int64
	Data     []float64
	NumUsers int
}

type EngineConfig struct {
	Logger *slog.Logger
	Store  Store
	Cache  *QueryCache
}

func (cfg *EngineConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Cache == nil {
		return errors.New("cache is required")
	}
	return nil
}

// Engine answers usage queries from the fact store through the query cache.
type Engine struct {
	log   *slog.Logger
	cfg   EngineConfig
	store Store
	cache *QueryCache
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:   cfg.Logger,
		cfg:   cfg,
		store: cfg.Store,
		cache: cfg.Cache,
	}, nil
}

func cached[T any](ctx context.Context, e *Engine, key CacheKey, load func(context.Context) (T, error)) (T, error) {
	v, err := e.cache.Get(ctx, key, func(ctx context.Context) (any, error) {
		return load(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func observe(op string) func() {
	start := time.Now()
	return func() {
		metrics.QueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// InvalidateCache drops every cached result.
func (e *Engine) InvalidateCache() {
	e.cache.InvalidateAll()
}

func (e *Engine) FetchClusters(ctx context.Context) ([]string, error) {
	defer observe("clusters")()
	clusters, err := cached(ctx, e, CacheKey{op: opClusters}, e.store.Clusters)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch clusters: %w", err)
	}
	return slices.Clone(clusters), nil
}

func (e *Engine) FetchUsers(ctx context.Context, cluster string) ([]string, error) {
	defer observe("users")()
	if cluster == "" {
		return nil, fmt.Errorf("%w: cluster is required", ErrInvalidRequest)
	}
	users, err := cached(ctx, e, CacheKey{op: opUsers, cluster: cluster}, func(ctx context.Context) ([]string, error) {
		return e.store.Users(ctx, cluster)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch users: %w", err)
	}
	return slices.Clone(users), nil
}

func (e *Engine) FetchPerUserData(ctx context.Context, cluster string, users []string, ts TimeSpec, rt ReportType) (PerUserResult, error) {
	defer observe("per_user")()
	q, err := e.prepare(ctx, cluster, ts, rt)
	if err != nil {
		return PerUserResult{}, err
	}
	users = DedupeUsers(users)
	filtered, err := q.cube.FilterOn(dimUser, inSet(users))
	if err != nil {
		return PerUserResult{}, err
	}

	out := PerUserResult{Times: q.times, Users: make([]UserSeries, 0, len(users))}
	for _, u := range users {
		series := UserSeries{User: u, Data: make([]float64, len(q.times))}
		sub, ok := filtered.Slice(u)
		for i, t := range q.times {
			series.Data[i] = q.value(sub, ok, t)
		}
		out.Users = append(out.Users, series)
	}
	return out, nil
}

func (e *Engine) FetchAggregatedData(ctx context.Context, cluster string, users []string, ts TimeSpec, rt ReportType) (AggregatedResult, error) {
	defer observe("aggregated")()
	q, err := e.prepare(ctx, cluster, ts, rt)
	if err != nil {
		return AggregatedResult{}, err
	}
	users = DedupeUsers(users)
	filtered, err := q.cube.FilterOn(dimUser, inSet(users))
	if err != nil {
		return AggregatedResult{}, err
	}
	collapsed, err := filtered.CollapseOn(dimUser)
	if err != nil {
		return AggregatedResult{}, err
	}

	out := AggregatedResult{Times: q.times, Data: make([]float64, len(q.times)), NumUsers: len(users)}
	for i, t := range q.times {
		out.Data[i] = q.value(collapsed, true, t)
	}
	return out, nil
}

// query is a prepared usage query: the bucketed [user, time] cube for the
// report's filter and the bucket starts inside the requested window.
type query struct {
	cube    *cube.Cube
	times   []int64
	measure string
}

// value reads the measure at time t from a [time] cube, falling back to the
// measure's default.
func (q *query) value(c *cube.Cube, ok bool, t int64) float64 {
	def := measureDefaults[q.measure]
	if !ok {
		return def
	}
	m, ok := c.Lookup(t)
	if !ok {
		return def
	}
	v, ok := m[q.measure]
	if !ok {
		return def
	}
	return v
}

func (e *Engine) prepare(ctx context.Context, cluster string, ts TimeSpec, rt ReportType) (*query, error) {
	if cluster == "" {
		return nil, fmt.Errorf("%w: cluster is required", ErrInvalidRequest)
	}
	rep, err := rt.lookup()
	if err != nil {
		return nil, err
	}
	unit, loc, err := ts.validate()
	if err != nil {
		return nil, err
	}
	times, err := e.buckets(ctx, cluster, ts, unit, loc)
	if err != nil {
		return nil, err
	}
	c, err := e.bucketedCube(ctx, cluster, rep.filter, unit, loc)
	if err != nil {
		return nil, err
	}
	return &query{cube: c, times: times, measure: rep.measure}, nil
}

func (e *Engine) buckets(ctx context.Context, cluster string, ts TimeSpec, unit timebucket.Unit, loc *time.Location) ([]int64, error) {
	data, err := cached(ctx, e, CacheKey{op: opTimeRange, cluster: cluster}, func(ctx context.Context) (timebucket.Range, error) {
		return e.store.TimeRange(ctx, cluster)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch time range: %w", err)
	}
	times, err := timebucket.Buckets(timebucket.Range{Start: ts.Start, End: ts.End}, unit, loc, data)
	if err != nil {
		return nil, err
	}
	if times == nil {
		times = []int64{}
	}
	return times, nil
}

// bucketedCube returns the [user, time] cube for cluster and filter with
// times truncated to unit buckets in loc. The cache holds the encoded cube so
// every caller gets its own copy.
func (e *Engine) bucketedCube(ctx context.Context, cluster string, filter Filter, unit timebucket.Unit, loc *time.Location) (*cube.Cube, error) {
	key := CacheKey{op: opCube, cluster: cluster, filter: filter, unit: unit, zone: loc.String()}
	data, err := cached(ctx, e, key, func(ctx context.Context) ([]byte, error) {
		rows, err := e.store.HourlyUsage(ctx, cluster, filter)
		if err != nil {
			return nil, err
		}
		hourly, err := cube.New(dimUser, dimTime)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if err := hourly.Put([]any{r.User, r.Time}, r.Measures); err != nil {
				return nil, err
			}
		}
		bucketed, err := hourly.AggregateOn(dimTime, func(v any) any {
			return timebucket.Truncate(v.(int64), unit, loc)
		})
		if err != nil {
			return nil, err
		}
		e.log.Debug("usage: cube built", "cluster", cluster, "filter", filter.String(), "unit", unit, "zone", loc.String(), "hourly", len(rows), "buckets", bucketed.Len())
		return bucketed.MarshalBinary()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch usage: %w", err)
	}
	var c cube.Cube
	if err := c.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &c, nil
}

func inSet(users []string) func(any) bool {
	set := make(map[string]struct{}, len(users))
	for _, u := range users {
		set[u] = struct{}{}
	}
	return func(v any) bool {
		s, ok := v.(string)
		if !ok {
			return false
		}
		_, ok = set[s]
		return ok
	}
}

// DedupeUsers drops empty and repeated names, keeping first occurrences in
// order.
func DedupeUsers(users []string) []string {
	seen := make(map[string]struct{}, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// ParseUserList splits a comma-separated user list.
func ParseUserList(s string) []string {
	return DedupeUsers(strings.Split(s, ","))
}
