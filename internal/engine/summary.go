package engine

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
)

// PrintSummary writes the end-of-session report: counters, then every
// supervised position.
func (s *Session) PrintSummary(w io.Writer) {
	st := s.Stats()

	fmt.Fprintf(w, "\n=== dexsentry session summary (%s, up %s) ===\n", st.Mode, st.Uptime)

	counters := tablewriter.NewWriter(w)
	counters.Header("Stage", "Count")
	counters.Append("scan batches", fmt.Sprintf("%d", st.Batches))
	counters.Append("opportunities", fmt.Sprintf("%d", st.Detected))
	counters.Append("admitted", fmt.Sprintf("%d", st.Admitted))
	counters.Append("rejected", fmt.Sprintf("%d", st.Rejected))
	counters.Append("executed", fmt.Sprintf("%d", st.Executed))
	counters.Append("succeeded", fmt.Sprintf("%d", st.Succeeded))
	counters.Append("execution errors", fmt.Sprintf("%d", st.ExecErrors))
	counters.Append("positions opened", fmt.Sprintf("%d", st.Opened))
	counters.Append("positions closed", fmt.Sprintf("%d", st.Closed))
	counters.Append("emergency stops", fmt.Sprintf("%d", st.Supervisor.Emergencies))
	counters.Render()

	positions := s.Positions()
	if len(positions) == 0 {
		fmt.Fprintln(w, "  no positions")
		return
	}

	tbl := tablewriter.NewWriter(w)
	tbl.Header("Position", "Token", "Status", "Entry$", "Size$", "SizeSOL", "Current$", "PnL$", "Reason")
	for _, p := range positions {
		pnl := p.UnrealizedPnL
		if !p.IsOpen() {
			pnl = p.RealizedPnL
		}
		tbl.Append(
			p.ID,
			p.Symbol,
			string(p.Status),
			p.EntryPriceUSD.StringFixed(6),
			p.SizeUSD.StringFixed(2),
			p.SizeSOL.StringFixed(4),
			p.CurrentPriceUSD.StringFixed(6),
			pnl.StringFixed(2),
			p.CloseReason,
		)
	}
	tbl.Render()

	fmt.Fprintf(w, "  realized PnL: $%.2f | gate halted: %v\n", st.Supervisor.RealizedPnL, st.Gate.Halted)
}
