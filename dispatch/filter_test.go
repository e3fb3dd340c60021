package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitList(t *testing.T) {
	assert := assert.New(t)

	assert.Nil(SplitList(""))
	assert.Nil(SplitList("   "))
	assert.Equal([]string{"Workstations"}, SplitList("Workstations"))
	assert.Equal([]string{"Workstations", "Servers"}, SplitList(" Workstations , Servers "))
	assert.Equal([]string{"a", "b"}, SplitList("a,,b,"))
}

func TestShouldProcessTeam(t *testing.T) {
	assert := assert.New(t)

	assert.True(ShouldProcessTeam("anything", nil))
	assert.True(ShouldProcessTeam("Workstations", []string{"Workstations", "Servers"}))
	assert.False(ShouldProcessTeam("Laptops", []string{"Workstations", "Servers"}))
	// exact, case-sensitive matching only
	assert.False(ShouldProcessTeam("workstations", []string{"Workstations"}))
	assert.False(ShouldProcessTeam("Work", []string{"Workstations"}))
}

func TestShouldProcessPolicy(t *testing.T) {
	assert := assert.New(t)

	assert.True(ShouldProcessPolicy("anything", nil))
	assert.False(ShouldProcessPolicy("Legacy check", []string{"Legacy check"}))
	assert.True(ShouldProcessPolicy("Disk encryption", []string{"Legacy check"}))
	assert.True(ShouldProcessPolicy("legacy check", []string{"Legacy check"}))
}
