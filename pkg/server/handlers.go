package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/malbeclabs/jobusage/pkg/timebucket"
	"github.com/malbeclabs/jobusage/pkg/usage"
)

var errBadParam = errors.New("bad parameter")

func (s *Server) clustersHandler(w http.ResponseWriter, r *http.Request) {
	clusters, err := s.cfg.Engine.FetchClusters(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, clusters)
}

func (s *Server) usersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := s.cfg.Engine.FetchUsers(r.Context(), r.URL.Query().Get("cluster"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, users)
}

func (s *Server) reportsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, usage.ReportTypes())
}

func (s *Server) usageHandler(w http.ResponseWriter, r *http.Request) {
	req, err := parseUsageRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.cfg.Engine.FetchUsage(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, resp)
}

func (s *Server) usageCSVHandler(w http.ResponseWriter, r *http.Request) {
	req, err := parseUsageRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loc, err := req.Time.Location()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.cfg.Engine.FetchUsage(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-%s.csv"`, req.Cluster, req.Report))
	if err := usage.WriteCSV(w, resp, loc, req.Report); err != nil {
		s.log.Error("server: failed to write csv", "request", req.String(), "error", err)
	}
}

// parseUsageRequest reads a usage request from the query string or a posted
// form.
func parseUsageRequest(r *http.Request) (usage.Request, error) {
	if err := r.ParseForm(); err != nil {
		return usage.Request{}, fmt.Errorf("%w: %v", errBadParam, err)
	}
	start, err := parseMillis(r, "start")
	if err != nil {
		return usage.Request{}, err
	}
	end, err := parseMillis(r, "end")
	if err != nil {
		return usage.Request{}, err
	}
	report := r.FormValue("report")
	if report == "" {
		report = r.FormValue("type")
	}
	return usage.Request{
		Cluster:          strings.TrimSpace(r.FormValue("cluster")),
		Users:            usage.ParseUserList(r.FormValue("users")),
		UsersToAggregate: usage.ParseUserList(r.FormValue("usersToAggregate")),
		Time: usage.TimeSpec{
			Start:    start,
			End:      end,
			Unit:     timebucket.Unit(r.FormValue("unit")),
			Timezone: r.FormValue("timezone"),
		},
		Report: usage.ReportType(report),
	}, nil
}

func parseMillis(r *http.Request, name string) (int64, error) {
	v := r.FormValue(name)
	if v == "" {
		return 0, fmt.Errorf("%w: %s is required", errBadParam, name)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be epoch milliseconds", errBadParam, name)
	}
	return ms, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	if errors.Is(err, errBadParam) || usage.IsClientError(err) {
		status = http.StatusBadRequest
		msg = err.Error()
	} else {
		s.log.Error("server: request failed", "path", r.URL.Path, "query", r.URL.RawQuery, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: msg}); err != nil {
		s.log.Error("server: failed to write error response", "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}
