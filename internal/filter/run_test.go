package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dyluth/swarm/internal/compute"
)

func TestCriteria_Matches(t *testing.T) {
	run := &compute.Run{ID: "r1", ProtoRunName: "eurusd-daily", Status: compute.RunComplete}

	tests := []struct {
		name     string
		criteria Criteria
		want     bool
	}{
		{"no filters", Criteria{}, true},
		{"status matches", Criteria{Status: compute.RunComplete}, true},
		{"status differs", Criteria{Status: compute.RunFailed}, false},
		{"glob matches", Criteria{ProtoGlob: "eurusd-*"}, true},
		{"glob differs", Criteria{ProtoGlob: "gbp*"}, false},
		{"bad glob never matches", Criteria{ProtoGlob: "[eur"}, false},
		{"both must match", Criteria{Status: compute.RunComplete, ProtoGlob: "gbp*"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.criteria.Matches(run))
		})
	}
}

func TestCriteria_Apply(t *testing.T) {
	runs := []compute.Run{
		{ID: "a", ProtoRunName: "p1", Status: compute.RunComplete},
		{ID: "b", ProtoRunName: "p2", Status: compute.RunFailed},
		{ID: "c", ProtoRunName: "p1", Status: compute.RunFailed},
	}

	assert.Len(t, (&Criteria{}).Apply(runs), 3)
	assert.False(t, (&Criteria{}).HasFilters())

	got := (&Criteria{Status: compute.RunFailed}).Apply(runs)
	assert.Equal(t, []string{"b", "c"}, ids(got))

	got = (&Criteria{Status: compute.RunFailed, ProtoGlob: "p1"}).Apply(runs)
	assert.Equal(t, []string{"c"}, ids(got))
}

func ids(runs []compute.Run) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.ID
	}
	return out
}
