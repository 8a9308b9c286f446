package status

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/coral-mesh/certrotor/internal/cli/helpers"
	"github.com/coral-mesh/certrotor/internal/health"
)

// OutputTable writes the report in human-readable form. verbose adds the
// full fingerprints and certificate serials.
func OutputTable(w io.Writer, r *Report, verbose bool) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Cluster %s\n", r.Cluster)
	fmt.Fprintln(&b, strings.Repeat("=", len(r.Cluster)+8))
	fmt.Fprintln(&b)

	if !r.CA.Initialized {
		fmt.Fprintln(&b, "CA:      not initialized (run 'certrotor ca bootstrap')")
	} else {
		fmt.Fprintf(&b, "CA:      generation %d, %d retired\n", r.CA.Generation, r.CA.Retired)
		fmt.Fprintf(&b, "Root:    %s, expires %s\n", fingerprint(r.CA.RootFingerprint, verbose), humanize.Time(r.CA.RootNotAfter))
		fmt.Fprintf(&b, "Interm.: %s, expires %s\n", fingerprint(r.CA.IntermediateFingerprint, verbose), humanize.Time(r.CA.IntermediateNotAfter))
	}
	quorum := "ok"
	if r.Quorum.Status != health.Healthy {
		quorum = "AT RISK"
	}
	fmt.Fprintf(&b, "Quorum:  %d/%d data-plane members healthy (%s)\n", r.Quorum.Healthy, r.Quorum.Total, quorum)
	fmt.Fprintf(&b, "Version: certrotor %s\n\n", r.Version)
	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}

	if len(r.Nodes) == 0 {
		_, err := fmt.Fprintln(w, "No nodes registered. Run 'certrotor node join <name>' to add one.")
		return err
	}

	nodeRows := make([][]string, 0, len(r.Nodes))
	for _, n := range r.Nodes {
		plane := "-"
		if n.DataPlane {
			plane = "yes"
		}
		nodeRows = append(nodeRows, []string{n.Name, string(n.Health), plane, string(n.CARole), n.Error})
	}
	helpers.RenderTable(w, []string{"NODE", "HEALTH", "DATA PLANE", "CA ROLE", "ERROR"}, nodeRows)

	if len(r.Certificates) > 0 {
		fmt.Fprintln(w)
		header := []string{"NODE", "CLASS", "EXPIRES", "REMAINING", "STATE"}
		if verbose {
			header = append(header, "SERIAL")
		}
		rows := make([][]string, 0, len(r.Certificates))
		for _, c := range r.Certificates {
			state := "ok"
			switch {
			case c.Expired:
				state = "EXPIRED"
			case c.Stale:
				state = "stale issuer"
			}
			row := []string{c.Node, string(c.Class), c.NotAfter.Local().Format("2006-01-02 15:04"), c.Remaining, state}
			if verbose {
				row = append(row, c.Serial)
			}
			rows = append(rows, row)
		}
		helpers.RenderTable(w, header, rows)
	}

	if len(r.Operations) > 0 {
		fmt.Fprintln(w)
		rows := make([][]string, 0, len(r.Operations))
		for _, op := range r.Operations {
			rows = append(rows, []string{op.ID, string(op.Kind), string(op.Outcome), humanize.Time(op.StartedAt)})
		}
		helpers.RenderTable(w, []string{"OPERATION", "KIND", "OUTCOME", "STARTED"}, rows)
	}
	return nil
}

func fingerprint(fp string, verbose bool) string {
	if verbose || len(fp) <= 23 {
		return fp
	}
	return fp[:23] + "..."
}

// formatRemaining keeps two units of precision:
// < 1h: minutes and seconds (e.g., "15m 30s")
// 1h - 24h: hours and minutes (e.g., "5h 20m")
// > 24h: days and hours (e.g., "2d 3h")
func formatRemaining(d time.Duration) string {
	if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		if minutes == 0 {
			return fmt.Sprintf("%ds", seconds)
		}
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}

	hours := int(d.Hours())
	if hours < 24 {
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}

	days := hours / 24
	remainingHours := hours % 24
	return fmt.Sprintf("%dd %dh", days, remainingHours)
}
