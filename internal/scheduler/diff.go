package scheduler

import (
	"sort"

	"hostagent/internal/domain"
)

// Diff is the change set that turns a live activity set into a new one.
type Diff struct {
	Add       []domain.Activity
	Replace   []domain.Activity
	Rename    []domain.Activity
	Remove    []string
	Unchanged []string
}

func (d Diff) Empty() bool {
	return len(d.Add) == 0 && len(d.Replace) == 0 && len(d.Rename) == 0 && len(d.Remove) == 0
}

// ComputeDiff compares live against next. An activity whose command or
// interval changed is replaced; one whose only change is its name is renamed
// in place without restarting its timer.
func ComputeDiff(live map[string]domain.Activity, next []domain.Activity) Diff {
	var d Diff
	seen := make(map[string]bool, len(next))
	for _, a := range next {
		if a.ID == "" || seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		cur, ok := live[a.ID]
		switch {
		case !ok:
			d.Add = append(d.Add, a)
		case !cur.SameSchedule(a):
			d.Replace = append(d.Replace, a)
		case cur != a:
			d.Rename = append(d.Rename, a)
		default:
			d.Unchanged = append(d.Unchanged, a.ID)
		}
	}
	for id := range live {
		if !seen[id] {
			d.Remove = append(d.Remove, id)
		}
	}
	sort.Strings(d.Remove)
	return d
}
