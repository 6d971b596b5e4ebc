package check

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type leafConfig struct {
	Port int
}

func (c leafConfig) Validate() []error {
	return []error{
		TrueF(c.Port > 0, "port must be positive, got %d", c.Port),
		GreaterThanOrEqualTo(c.Port, 0, "port must not be negative"),
	}
}

type treeConfig struct {
	Name   string
	Leaf   leafConfig
	Leaves []leafConfig
	ByName map[string]leafConfig
}

func (c treeConfig) Validate() []error {
	return []error{
		NotEmpty(c.Name, "name must be set"),
	}
}

func TestValidatePassingTreeReturnsNil(t *testing.T) {
	conf := treeConfig{
		Name:   "ok",
		Leaf:   leafConfig{Port: 1},
		Leaves: []leafConfig{{Port: 2}, {Port: 3}},
		ByName: map[string]leafConfig{"a": {Port: 4}},
	}
	require.NoError(t, Validate(conf))
	require.NoError(t, Validate(&conf))
}

func TestValidateCollectsNestedFailures(t *testing.T) {
	conf := treeConfig{
		Leaf:   leafConfig{Port: 0},
		Leaves: []leafConfig{{Port: 5}, {Port: 0}},
	}
	err := Validate(conf)
	require.Error(t, err)
	require.Contains(t, err.Error(), "name must be set")
	require.Contains(t, err.Error(), "port must be positive")
	require.Contains(t, err.Error(), "root.Leaf")
	require.Contains(t, err.Error(), "root.Leaves[1]")
	require.NotContains(t, err.Error(), "root.Leaves[0]",
		"passing elements contribute no errors")
}

func TestValidateNilPointer(t *testing.T) {
	var conf *treeConfig
	require.NoError(t, Validate(conf))
}
