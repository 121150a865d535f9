package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/katprep/models"
)

func host(t *testing.T, name, org, loc, env, hg string) *models.Host {
	t.Helper()
	h, err := models.NewHost(name, map[string]string{
		models.ParamEnvironment: env,
		models.ParamHostGroup:   hg,
	}, org, loc, nil)
	require.NoError(t, err)
	return h
}

func fixture(t *testing.T) models.Report {
	return models.Report{
		"web01.example.com": host(t, "web01.example.com", "Acme", "Berlin", "production", "web"),
		"web02.example.com": host(t, "web02.example.com", "Acme", "Munich", "staging", "web"),
		"db01.example.com":  host(t, "db01.example.com", "Acme", "Berlin", "production", "db"),
		"1234":              host(t, "mail.other.org", "Other", "", "production", "mail"),
	}
}

func keys(r models.Report) []string { return r.Keys() }

func TestValidate(t *testing.T) {
	assert.NoError(t, Criteria{}.Validate())
	assert.NoError(t, Criteria{Location: "Berlin", Include: []string{"web"}}.Validate())
	assert.ErrorIs(t, Criteria{Organization: "Acme", HostGroup: "web"}.Validate(), ErrConflictingCriteria)

	_, _, err := Apply(fixture(t), Criteria{Location: "Berlin", Environment: "production"})
	assert.ErrorIs(t, err, ErrConflictingCriteria)
}

func TestApply_AttributeFilters(t *testing.T) {
	tests := []struct {
		name     string
		criteria Criteria
		want     []string
	}{
		{"organization", Criteria{Organization: "Other"}, []string{"1234"}},
		{"location", Criteria{Location: "Berlin"}, []string{"db01.example.com", "web01.example.com"}},
		{"location defaults to organization", Criteria{Location: "Other"}, []string{"1234"}},
		{"environment", Criteria{Environment: "staging"}, []string{"web02.example.com"}},
		{"hostgroup", Criteria{HostGroup: "web"}, []string{"web01.example.com", "web02.example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kept, removed, err := Apply(fixture(t), tt.criteria)
			require.NoError(t, err)
			assert.Equal(t, tt.want, keys(kept))
			assert.Len(t, removed, 4-len(tt.want))
		})
	}
}

func TestApply_Patterns(t *testing.T) {
	report := fixture(t)

	kept, removed, err := Apply(report, Criteria{Exclude: []string{"nomatch*"}})
	require.NoError(t, err)
	assert.Equal(t, report.Keys(), kept.Keys(), "non-matching exclude leaves the report unchanged")
	assert.Empty(t, removed)

	kept, _, err = Apply(report, Criteria{Include: []string{"web*", "%mail%"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"1234", "web01.example.com", "web02.example.com"}, kept.Keys())

	kept, _, err = Apply(report, Criteria{Include: []string{"*.example.com"}, Exclude: []string{"db"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"web01.example.com", "web02.example.com"}, kept.Keys())
}

func TestApply_FirstFailingReasonWins(t *testing.T) {
	_, removed, err := Apply(fixture(t), Criteria{
		Location: "Berlin",
		Exclude:  []string{"web"},
		Include:  []string{"db"},
	})
	require.NoError(t, err)

	reasons := map[string]string{}
	for _, r := range removed {
		_, dup := reasons[r.Key]
		assert.False(t, dup, "host %s removed twice", r.Key)
		reasons[r.Key] = r.Reason
	}
	assert.Contains(t, reasons["web02.example.com"], "location")
	assert.Contains(t, reasons["web01.example.com"], "excluded")
	assert.Contains(t, reasons["1234"], "location")
	assert.NotContains(t, reasons, "db01.example.com")
}

func TestApply_SharesHosts(t *testing.T) {
	report := fixture(t)
	kept, _, err := Apply(report, Criteria{})
	require.NoError(t, err)
	for k, h := range kept {
		assert.Same(t, report[k], h)
	}
	assert.True(t, Criteria{}.IsZero())
	assert.False(t, Criteria{Include: []string{"x"}}.IsZero())
}
