package httpapi

import (
	"errors"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/you/modpipe/internal/core"
	"github.com/you/modpipe/internal/pipeline"
)

// Filters captures the parsed query parameters for event subscriptions.
type Filters struct {
	Users    []string
	Statuses []core.Status
	MinScore *float64
}

// ParseFilters parses query parameters into a Filters struct.
func ParseFilters(values url.Values) (Filters, error) {
	var f Filters

	if users := values["user"]; len(users) > 0 {
		seen := make(map[string]struct{})
		for _, raw := range users {
			for _, part := range strings.Split(raw, ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				if _, exists := seen[part]; !exists {
					f.Users = append(f.Users, part)
					seen[part] = struct{}{}
				}
			}
		}
	}

	if statuses := values["status"]; len(statuses) > 0 {
		seen := make(map[core.Status]struct{})
		for _, raw := range statuses {
			for _, part := range strings.Split(raw, ",") {
				part = strings.TrimSpace(strings.ToLower(part))
				if part == "" {
					continue
				}
				status, ok := normalizeStatus(part)
				if !ok {
					return Filters{}, errors.New("invalid status filter")
				}
				if _, exists := seen[status]; !exists {
					f.Statuses = append(f.Statuses, status)
					seen[status] = struct{}{}
				}
			}
		}
	}

	if raw := values.Get("min_score"); raw != "" {
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return Filters{}, errors.New("min_score must be a finite number")
		}
		f.MinScore = &n
	}

	return f, nil
}

// FiltersFromRequest parses filters from an HTTP request.
func FiltersFromRequest(r *http.Request) (Filters, error) {
	return ParseFilters(r.URL.Query())
}

func normalizeStatus(raw string) (core.Status, bool) {
	switch raw {
	case string(core.StatusPending):
		return core.StatusPending, true
	case string(core.StatusTranslated):
		return core.StatusTranslated, true
	case string(core.StatusScored):
		return core.StatusScored, true
	case string(core.StatusFailed):
		return core.StatusFailed, true
	case string(core.StatusSkipped):
		return core.StatusSkipped, true
	default:
		return "", false
	}
}

// Matches reports whether the provided event satisfies the filters.
func (f Filters) Matches(ev pipeline.Event) bool {
	if len(f.Users) > 0 {
		match := false
		for _, u := range f.Users {
			if ev.UserID == u {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if len(f.Statuses) > 0 {
		match := false
		for _, st := range f.Statuses {
			if ev.Status == st {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if f.MinScore != nil && ev.Score < *f.MinScore {
		return false
	}

	return true
}
