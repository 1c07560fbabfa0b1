package jobs

import (
	"encoding/json"
	"sort"
	"strings"
)

func (f ErrorsFilter) match(c *Configuration) bool {
	if c.ErrorCodes == "" {
		return false
	}
	if f.ID != "" && c.ID != f.ID {
		return false
	}
	if f.ExecutedBy != "" && c.ExecutedBy != f.ExecutedBy {
		return false
	}
	if f.From != nil && (c.LastExecuted == nil || c.LastExecuted.Before(*f.From)) {
		return false
	}
	if f.To != nil && (c.LastExecuted == nil || c.LastExecuted.After(*f.To)) {
		return false
	}
	if len(f.Codes) > 0 && !overlaps(strings.Fields(c.ErrorCodes), f.Codes) {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == c.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func runErrorsOf(c *Configuration) RunErrors {
	r := RunErrors{
		ID:         c.ID,
		Type:       c.Type,
		ExecutedBy: c.ExecutedBy,
		Created:    c.Created,
		Executed:   copyTime(c.LastExecuted),
		Finished:   copyTime(c.LastFinished),
		Codes:      strings.Fields(c.ErrorCodes),
	}
	if len(c.Progress) > 0 {
		var p struct {
			Errors json.RawMessage `json:"errors"`
		}
		if json.Unmarshal(c.Progress, &p) == nil && len(p.Errors) > 0 && string(p.Errors) != "null" {
			r.Errors = p.Errors
		}
	}
	return r
}

// sortRunErrors orders latest run first; runs never executed go last.
func sortRunErrors(rs []RunErrors) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i].Executed, rs[j].Executed
		switch {
		case a == nil && b == nil:
			return rs[i].ID < rs[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.After(*b)
		}
		return rs[i].ID < rs[j].ID
	})
}
