package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ircal/ircal/pkg/calibration"
)

func NewRecordsCommand() *cobra.Command {
	var (
		reportID string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:     "records",
		GroupID: gBasic,
		Short:   "Show measurement records",
		Long:    `Show the records of the current or last run, or of a stored report.`,
		Example: `  ircal records
  ircal records --report measurement_record_20240301_100030_1a2b3c4d`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, err := apiClient.GetRecords(reportID)
			if err != nil {
				return err
			}
			if asJSON {
				b, err := json.MarshalIndent(records, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(b))
				return nil
			}
			if len(records) == 0 {
				cmd.Println("No records.")
				return nil
			}
			return printRecords(records)
		},
	}

	f := cmd.Flags()
	f.StringVar(&reportID, "report", "", "stored report to show instead of the current run")
	f.BoolVar(&asJSON, "json", false, "print records as JSON")

	return cmd
}

func printRecords(records []calibration.Record) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POINT\tTARGET\tCATEGORY\tCHANNEL\tSLOT\tREFERENCE\tPRIMARY\tAMBIENT\tMEASURED AT")
	for _, r := range records {
		primary, ambient := "-", "-"
		if len(r.Reading.Sets) > 0 {
			primary = formatValue(r.Reading.Sets[0].Primary)
			ambient = formatValue(r.Reading.Sets[0].Ambient)
		}
		fmt.Fprintf(w, "%d\t%.2f\t%s\t%s\t%d\t%.3f\t%s\t%s\t%s\n",
			r.PointIndex+1, r.Target, r.Category, r.ChannelID, r.Position, r.ReferenceAverage,
			primary, ambient, r.MeasuredAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf("%.3f", v)
}

func NewReportsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "reports",
		GroupID: gAdvanced,
		Short:   "List stored reports",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := apiClient.ListReports()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				cmd.Println("No stored reports.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tRECORDS\tCOMPLETE\tUPDATED")
			for _, s := range list {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", s.ID, s.Label, s.Records, bool2Text(s.Final), s.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}
