// Package report persists calibration records.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ircal/ircal/pkg/calibration"
)

// Writer persists the records of a run. An intermediate write is followed
// by more writes under the same reportID, each carrying every record so
// far; the final write carries the complete sequence.
type Writer interface {
	Write(ctx context.Context, reportID string, records []calibration.Record, final bool) error
}

// Summary describes a stored report.
type Summary struct {
	ID        string    `json:"id"`
	Label     string    `json:"label,omitempty"`
	Records   int       `json:"records"`
	Final     bool      `json:"final"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewID returns a report identifier of the form
// measurement_record_<yyyyMMdd_HHmmss>_<short uuid>.
func NewID(now time.Time) string {
	return fmt.Sprintf("measurement_record_%s_%s", now.Format("20060102_150405"), uuid.NewString()[:8])
}
