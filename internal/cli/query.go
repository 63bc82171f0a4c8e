package cli

import (
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/jobusage/pkg/timebucket"
	"github.com/malbeclabs/jobusage/pkg/usage"
)

type ClustersCmd struct{}

func NewClustersCmd() *ClustersCmd {
	return &ClustersCmd{}
}

func (c *ClustersCmd) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "clusters",
		Short: "List clusters with usage data",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			e, err := openEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			engine, closeEngine, err := e.engine()
			if err != nil {
				return err
			}
			defer closeEngine()

			clusters, err := engine.FetchClusters(ctx)
			if err != nil {
				return err
			}
			printList(cmd.OutOrStdout(), "Cluster", clusters)
			return nil
		},
	}
}

type UsersCmd struct{}

func NewUsersCmd() *UsersCmd {
	return &UsersCmd{}
}

func (c *UsersCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "List users with usage data on a cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			cluster, err := cmd.Flags().GetString("cluster")
			if err != nil {
				return fmt.Errorf("failed to get cluster flag: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			e, err := openEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			engine, closeEngine, err := e.engine()
			if err != nil {
				return err
			}
			defer closeEngine()

			users, err := engine.FetchUsers(ctx, cluster)
			if err != nil {
				return err
			}
			printList(cmd.OutOrStdout(), "User", users)
			return nil
		},
	}
	cmd.Flags().String("cluster", "", "Cluster name")
	_ = cmd.MarkFlagRequired("cluster")
	return cmd
}

type ReportCmd struct{}

func NewReportCmd() *ReportCmd {
	return &ReportCmd{}
}

func (c *ReportCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print a usage report bucketed by hour, day, week or month",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			cluster, _ := flags.GetString("cluster")
			users, _ := flags.GetString("users")
			aggregate, _ := flags.GetString("aggregate")
			startStr, _ := flags.GetString("start")
			endStr, _ := flags.GetString("end")
			unit, _ := flags.GetString("unit")
			tz, _ := flags.GetString("timezone")
			report, _ := flags.GetString("report")
			asCSV, _ := flags.GetBool("csv")

			req := usage.Request{
				Cluster:          cluster,
				Users:            usage.ParseUserList(users),
				UsersToAggregate: usage.ParseUserList(aggregate),
				Time:             usage.TimeSpec{Unit: timebucket.Unit(unit), Timezone: tz},
				Report:           usage.ReportType(report),
			}
			loc, err := req.Time.Location()
			if err != nil {
				return err
			}
			if req.Time.Start, err = parseTime(startStr, loc); err != nil {
				return fmt.Errorf("invalid start: %w", err)
			}
			if req.Time.End, err = parseTime(endStr, loc); err != nil {
				return fmt.Errorf("invalid end: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			e, err := openEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			engine, closeEngine, err := e.engine()
			if err != nil {
				return err
			}
			defer closeEngine()

			resp, err := engine.FetchUsage(ctx, req)
			if err != nil {
				return err
			}
			if asCSV {
				return usage.WriteCSV(cmd.OutOrStdout(), resp, loc, req.Report)
			}
			printReport(cmd.OutOrStdout(), resp, loc, req.Report)
			return nil
		},
	}
	cmd.Flags().String("cluster", "", "Cluster name")
	cmd.Flags().String("users", "", "Comma-separated users to report individually")
	cmd.Flags().String("aggregate", "", "Comma-separated users to report as one summed series")
	cmd.Flags().String("start", "", "Window start: epoch milliseconds, RFC3339, or YYYY-MM-DD in --timezone")
	cmd.Flags().String("end", "", "Window end: epoch milliseconds, RFC3339, or YYYY-MM-DD in --timezone")
	cmd.Flags().String("unit", string(timebucket.Days), "Bucket unit (HOURS, DAYS, WEEKS, MONTHS)")
	cmd.Flags().String("timezone", "UTC", "IANA timezone for bucket boundaries")
	cmd.Flags().String("report", "minutesTotal", "Report type")
	cmd.Flags().Bool("csv", false, "Write CSV instead of a table")
	_ = cmd.MarkFlagRequired("cluster")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

// parseTime accepts epoch milliseconds, RFC3339, or a local date.
func parseTime(s string, loc *time.Location) (int64, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UnixMilli(), nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, loc)
	if err != nil {
		return 0, fmt.Errorf("unrecognized time %q", s)
	}
	return t.UnixMilli(), nil
}

func printList(w io.Writer, header string, items []string) {
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader([]string{header})
	for _, item := range items {
		table.Append([]string{item})
	}
	table.Render()
}

func printReport(w io.Writer, resp usage.Response, loc *time.Location, rt usage.ReportType) {
	unit := ""
	scale := 1.0
	if rt.InMinutes() {
		unit = "\n(hours)"
		scale = 60
	}

	header := []string{"Time"}
	for _, u := range resp.Users {
		header = append(header, u.User+unit)
	}
	if resp.HasAggregated() {
		header = append(header, fmt.Sprintf("Aggregated\n(%d users)", resp.NumAggregatedUsers))
	}

	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader(header)
	for i, t := range resp.Times {
		row := []string{time.UnixMilli(t).In(loc).Format("2006-01-02 15:04")}
		for _, u := range resp.Users {
			row = append(row, fmt.Sprintf("%.2f", u.Data[i]/scale))
		}
		if resp.HasAggregated() {
			row = append(row, fmt.Sprintf("%.2f", resp.UsersAggregated[i]/scale))
		}
		table.Append(row)
	}
	table.Render()
}
