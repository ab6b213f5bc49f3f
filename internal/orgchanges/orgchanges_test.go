package orgchanges

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"metecho/internal/domain"
)

func TestCompute(t *testing.T) {
	previous := domain.RevisionNumbers{"TypeOne": {"NameOne": 10}}
	current := domain.RevisionNumbers{
		"TypeOne": {"NameOne": 13},
		"TypeTwo": {"NameTwo": 10},
	}
	assert.Equal(t, domain.UnsavedChanges{
		"TypeOne": {"NameOne"},
		"TypeTwo": {"NameTwo"},
	}, Compute(previous, current))
}

func TestComputeIgnoresUnchangedAndOlder(t *testing.T) {
	previous := domain.RevisionNumbers{"ApexClass": {"A": 5, "B": 7}}
	current := domain.RevisionNumbers{"ApexClass": {"A": 5, "B": 6}, "Layout": {}}
	assert.Empty(t, Compute(previous, current))
	assert.Empty(t, Compute(nil, nil))
}

func TestComputeReportsNewlyPresentAtRevisionZero(t *testing.T) {
	previous := domain.RevisionNumbers{"ApexClass": {"Old": 0}}
	current := domain.RevisionNumbers{
		"ApexClass":    {"Old": 0, "Fresh": 0},
		"CustomObject": {"Baz__c": 0},
	}
	assert.Equal(t, domain.UnsavedChanges{
		"ApexClass":    {"Fresh"},
		"CustomObject": {"Baz__c"},
	}, Compute(previous, current))
}

func TestComputeSortsNames(t *testing.T) {
	current := domain.RevisionNumbers{"CustomObject": {"zeta": 1, "alpha": 2, "Mid": 3}}
	for i := 0; i < 20; i++ {
		assert.Equal(t, []string{"Mid", "alpha", "zeta"}, Compute(nil, current)["CustomObject"])
	}
}

func TestApplyReplacesSnapshot(t *testing.T) {
	org := domain.ScratchOrg{
		LatestRevisionNumbers: domain.RevisionNumbers{"TypeOne": {"NameOne": 10}},
		UnsavedChanges:        domain.UnsavedChanges{"Stale": {"x"}},
	}
	current := domain.RevisionNumbers{"TypeOne": {"NameOne": 13}, "TypeTwo": {"NameTwo": 10}}
	Apply(&org, current)
	assert.Equal(t, domain.UnsavedChanges{"TypeOne": {"NameOne"}, "TypeTwo": {"NameTwo"}}, org.UnsavedChanges)
	assert.Equal(t, current, org.LatestRevisionNumbers)
}
