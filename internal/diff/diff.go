// Package diff compares an extracted company list with the persisted portfolio.
package diff

import (
	"github.com/JakeFAU/portfolio-monitor/internal/normalize"
	"github.com/JakeFAU/portfolio-monitor/internal/portfolio"
)

// Candidate is an extracted name not yet known for the target.
type Candidate struct {
	Name       string
	Normalized string
}

// Exit is an active persisted entity missing from the extracted list.
type Exit struct {
	Entity     portfolio.PersistedEntity
	Normalized string
}

// Result partitions the comparison. Unchanged names are not reported.
type Result struct {
	New           []Candidate
	PossibleExits []Exit
}

// Empty reports whether the comparison found nothing to record.
func (r Result) Empty() bool {
	return len(r.New) == 0 && len(r.PossibleExits) == 0
}

// NewNames returns the raw names of the new candidates.
func (r Result) NewNames() []string {
	out := make([]string, 0, len(r.New))
	for _, c := range r.New {
		out = append(out, c.Name)
	}
	return out
}

// ExitNames returns the stored names of the possible exits.
func (r Result) ExitNames() []string {
	out := make([]string, 0, len(r.PossibleExits))
	for _, e := range r.PossibleExits {
		out = append(out, e.Entity.Name)
	}
	return out
}

// Compute returns names new to the target and active entities that disappeared.
//
// New names are checked against every persisted entity regardless of status so
// a previously exited company reappearing is not reported as new. Possible
// exits only consider ACTIVE, non-deleted entities. An empty extracted list
// yields an empty result; an empty page is never evidence of exits.
func Compute(extracted []string, persisted []portfolio.PersistedEntity) Result {
	if len(extracted) == 0 {
		return Result{}
	}

	known := make(map[string]struct{}, len(persisted))
	for _, e := range persisted {
		if key := normalize.Name(e.Name); key != "" {
			known[key] = struct{}{}
		}
	}

	var res Result
	seen := make(map[string]struct{}, len(extracted))
	for _, name := range extracted {
		key := normalize.Name(name)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := known[key]; !ok {
			res.New = append(res.New, Candidate{Name: name, Normalized: key})
		}
	}
	if len(seen) == 0 {
		return Result{}
	}

	exited := make(map[string]struct{})
	for _, e := range persisted {
		if e.Status != portfolio.StatusActive || e.Deleted {
			continue
		}
		key := normalize.Name(e.Name)
		if key == "" {
			continue
		}
		if _, present := seen[key]; present {
			continue
		}
		if _, dup := exited[key]; dup {
			continue
		}
		exited[key] = struct{}{}
		res.PossibleExits = append(res.PossibleExits, Exit{Entity: e, Normalized: key})
	}
	return res
}
