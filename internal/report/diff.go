package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"evalgo.org/katprep/models"
)

// Delta is the pre-maintenance state of one host whose patch set changed
// between two reports.
type Delta struct {
	Key          string
	Hostname     string
	Date         time.Time
	Organization string
	Location     string
	Params       map[string]string

	// Patches are the errata outstanding in the older report.
	Patches []models.Erratum

	// Installed are the errata that disappeared in the newer report.
	Installed []models.Erratum
}

// Skipped names a host for which no delta was produced and why.
type Skipped struct {
	Key    string
	Reason string
}

// DiffResult is the outcome of comparing two reports.
type DiffResult struct {
	Deltas  []Delta
	Skipped []Skipped
}

// Order returns the two report paths as (older, newer) by modification time.
// With equal timestamps the second argument is the newer report.
func Order(a, b string) (older, newer string, err error) {
	ta, err := ReportDate(a)
	if err != nil {
		return "", "", err
	}
	tb, err := ReportDate(b)
	if err != nil {
		return "", "", err
	}
	if ta.After(tb) {
		return b, a, nil
	}
	return a, b, nil
}

// Diff compares every host in the union of both reports. Hosts missing on
// one side or with an unchanged patch set are skipped.
func Diff(old, new models.Report, date time.Time) DiffResult {
	keys := make(map[string]struct{}, len(old)+len(new))
	for k := range old {
		keys[k] = struct{}{}
	}
	for k := range new {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var result DiffResult
	for _, key := range sorted {
		before, inOld := old[key]
		after, inNew := new[key]
		switch {
		case !inOld:
			result.Skipped = append(result.Skipped, Skipped{Key: key, Reason: "missing in older report"})
			continue
		case !inNew:
			result.Skipped = append(result.Skipped, Skipped{Key: key, Reason: "missing in newer report"})
			continue
		}

		if samePatches(before.Patches(), after.Patches()) {
			result.Skipped = append(result.Skipped, Skipped{Key: key, Reason: "not patched"})
			continue
		}

		result.Deltas = append(result.Deltas, Delta{
			Key:          key,
			Hostname:     before.Hostname(),
			Date:         date,
			Organization: before.Organization(),
			Location:     before.Location(),
			Params:       before.Params(),
			Patches:      before.Patches(),
			Installed:    missingFrom(before.Patches(), after.Patches()),
		})
	}
	return result
}

func patchNames(patches []models.Erratum) map[string]struct{} {
	names := make(map[string]struct{}, len(patches))
	for _, p := range patches {
		names[p.Name] = struct{}{}
	}
	return names
}

func samePatches(a, b []models.Erratum) bool {
	na, nb := patchNames(a), patchNames(b)
	if len(na) != len(nb) {
		return false
	}
	for n := range na {
		if _, ok := nb[n]; !ok {
			return false
		}
	}
	return true
}

// missingFrom returns the errata of old that are not in new.
func missingFrom(old, new []models.Erratum) []models.Erratum {
	remaining := patchNames(new)
	var out []models.Erratum
	for _, p := range old {
		if _, ok := remaining[p.Name]; !ok {
			out = append(out, p)
		}
	}
	return out
}

type deltaDocument struct {
	Hostname     string                   `yaml:"hostname"`
	Date         string                   `yaml:"date"`
	Organization string                   `yaml:"organization"`
	Location     string                   `yaml:"location"`
	Params       map[string]string        `yaml:"params"`
	Patches      []map[string]interface{} `yaml:"patches"`
	Installed    []map[string]interface{} `yaml:"installed"`
}

// ArtifactName is the file name of the delta artifact for d.
func ArtifactName(d Delta) string {
	return fmt.Sprintf("errata-diff-%s-%s.yml", d.Hostname, d.Date.Format("20060102"))
}

// WriteDeltas writes one YAML document per delta into dir and returns the
// written paths.
func WriteDeltas(dir string, deltas []Delta) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	paths := make([]string, 0, len(deltas))
	for _, d := range deltas {
		doc := deltaDocument{
			Hostname:     d.Hostname,
			Date:         d.Date.Format("2006-01-02"),
			Organization: d.Organization,
			Location:     d.Location,
			Params:       d.Params,
			Patches:      erratumMaps(d.Patches),
			Installed:    erratumMaps(d.Installed),
		}
		data, err := yaml.Marshal(doc)
		if err != nil {
			return paths, fmt.Errorf("failed to encode delta for %s: %w", d.Hostname, err)
		}
		path := filepath.Join(dir, ArtifactName(d))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return paths, fmt.Errorf("failed to write delta for %s: %w", d.Hostname, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func erratumMaps(errata []models.Erratum) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(errata))
	for _, e := range errata {
		out = append(out, e.ToMap())
	}
	return out
}
