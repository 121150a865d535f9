// Package filter selects the hosts of a report a maintenance run works on.
package filter

import (
	"errors"
	"fmt"
	"strings"

	"evalgo.org/katprep/models"
)

// ErrConflictingCriteria is returned when more than one of organization,
// location, environment and hostgroup is given.
var ErrConflictingCriteria = errors.New("only one of organization, location, environment or hostgroup may be given")

// Criteria selects hosts. Empty fields do not filter.
type Criteria struct {
	Organization string
	Location     string
	Environment  string
	HostGroup    string

	// Include keeps only hosts matching at least one pattern.
	Include []string

	// Exclude removes hosts matching any pattern.
	Exclude []string
}

// Removal records why a host was dropped.
type Removal struct {
	Key    string
	Reason string
}

// Validate checks that at most one attribute filter is set.
func (c Criteria) Validate() error {
	set := 0
	for _, v := range []string{c.Organization, c.Location, c.Environment, c.HostGroup} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return ErrConflictingCriteria
	}
	return nil
}

// IsZero reports whether the criteria keep every host.
func (c Criteria) IsZero() bool {
	return c.Organization == "" && c.Location == "" && c.Environment == "" &&
		c.HostGroup == "" && len(c.Include) == 0 && len(c.Exclude) == 0
}

// Apply returns the hosts satisfying c and one removal per dropped host.
// Kept hosts are the same pointers as in report.
func Apply(report models.Report, c Criteria) (models.Report, []Removal, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	include := normalize(c.Include)
	exclude := normalize(c.Exclude)

	kept := make(models.Report, len(report))
	var removed []Removal
	for _, key := range report.Keys() {
		host := report[key]
		if reason := c.reject(host, include, exclude); reason != "" {
			removed = append(removed, Removal{Key: key, Reason: reason})
			continue
		}
		kept[key] = host
	}
	return kept, removed, nil
}

// reject returns the reason of the first failing predicate, or "".
func (c Criteria) reject(host *models.Host, include, exclude []string) string {
	switch {
	case c.Organization != "" && host.Organization() != c.Organization:
		return fmt.Sprintf("organization %q does not match %q", host.Organization(), c.Organization)
	case c.Location != "" && host.Location() != c.Location:
		return fmt.Sprintf("location %q does not match %q", host.Location(), c.Location)
	case c.Environment != "" && host.Param(models.ParamEnvironment) != c.Environment:
		return fmt.Sprintf("environment %q does not match %q", host.Param(models.ParamEnvironment), c.Environment)
	case c.HostGroup != "" && host.Param(models.ParamHostGroup) != c.HostGroup:
		return fmt.Sprintf("hostgroup %q does not match %q", host.Param(models.ParamHostGroup), c.HostGroup)
	}

	name := host.Hostname()
	for _, p := range exclude {
		if strings.Contains(name, p) {
			return fmt.Sprintf("excluded by pattern %q", p)
		}
	}
	if len(include) > 0 && !matchesAny(name, include) {
		return "not matched by any include pattern"
	}
	return ""
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}

// normalize strips the * and % wildcards; what remains is matched as a substring.
func normalize(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, strings.NewReplacer("*", "", "%", "").Replace(p))
	}
	return out
}
