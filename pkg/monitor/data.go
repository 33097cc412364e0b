package monitor

import (
	"sort"
	"time"

	"github.com/marcus/runlog/internal/output"
	"github.com/marcus/runlog/pkg/runlog"
)

// FetchData inspects every container under root.
func FetchData(root string) RefreshDataMsg {
	containers, err := runlog.LocalStatus(root)
	return RefreshDataMsg{Containers: containers, Err: err, FetchedAt: time.Now()}
}

// buildRows flattens containers into rows, live attempts first and then
// newest first.
func buildRows(containers []runlog.ContainerStatus) []Row {
	var rows []Row
	for _, c := range containers {
		entity := c.QualifiedID
		if entity == "" {
			entity = c.Dir
		}
		if c.Error != "" {
			rows = append(rows, Row{Entity: entity, State: "error"})
		}
		for _, a := range c.Attempts {
			rows = append(rows, Row{
				Entity:  entity,
				Attempt: output.ShortID(a.Name),
				State:   a.State(),
				Acked:   a.LastAcked,
				Put:     a.LastPut,
				Bytes:   a.Bytes,
				Started: a.Started,
			})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		li, lj := isLive(rows[i].State), isLive(rows[j].State)
		if li != lj {
			return li
		}
		return rows[i].Started.After(rows[j].Started)
	})
	return rows
}

func isLive(state string) bool {
	return state == "draining" || state == "caught-up"
}

// totals sums pending operations and bytes across rows.
func totals(rows []Row) (pending uint64, bytes int64) {
	for _, r := range rows {
		if r.Put > r.Acked {
			pending += r.Put - r.Acked
		}
		bytes += r.Bytes
	}
	return pending, bytes
}
