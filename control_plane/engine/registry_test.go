package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registryWith(t *testing.T, w *Workflow) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(w, func() any { return &order{} }))
	return r
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := registryWith(t, billingWorkflow())

	reg, err := r.Lookup("order")
	require.NoError(t, err)
	assert.Equal(t, "billing", reg.Workflow.Name)

	assert.True(t, r.Has("order"))
	assert.False(t, r.Has("unknown"))
	assert.Equal(t, []string{"billing"}, r.Names())
}

func TestRegistryLookupUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("order")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegistryDuplicateInputType(t *testing.T) {
	r := registryWith(t, billingWorkflow())
	dup := billingWorkflow()
	dup.Name = "billing-v2"
	err := r.Register(dup, func() any { return &order{} })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistryRejectsInvalidWorkflows(t *testing.T) {
	r := NewRegistry()
	factory := func() any { return &order{} }

	cases := []struct {
		name string
		w    *Workflow
		want string
	}{
		{"no name", &Workflow{Input: "a", Output: "b", Steps: []Step{{Name: "s", In: "a", Do: noop}}}, "name"},
		{"no types", &Workflow{Name: "w", Steps: []Step{{Name: "s", In: "a", Do: noop}}}, "input and output"},
		{"no steps", &Workflow{Name: "w", Input: "a", Output: "b"}, "no steps"},
		{"unnamed step", &Workflow{Name: "w", Input: "a", Output: "b", Steps: []Step{{In: "a", Do: noop}}}, "no name"},
		{"bodyless step", &Workflow{Name: "w", Input: "a", Output: "b", Steps: []Step{{Name: "s", In: "a"}}}, "no body"},
		{"inputless step", &Workflow{Name: "w", Input: "a", Output: "b", Steps: []Step{{Name: "s", Do: noop}}}, "no input type"},
		{"chain without nested", &Workflow{Name: "w", Input: "a", Output: "b", Steps: []Step{{Name: "s", Kind: StepChain}}}, "no nested"},
		{"duplicate type pair", &Workflow{Name: "w", Input: "a", Output: "b", Steps: []Step{
			{Name: "s1", In: "a", Out: "b", Do: noop},
			{Name: "s2", In: "a", Out: "b", Do: noop},
		}}, "share the type pair"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Register(tc.w, factory)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func noop(rc *RunContext, in any) (any, error) { return in, nil }

func TestRegistryDecode(t *testing.T) {
	r := registryWith(t, billingWorkflow())

	v, err := r.Decode("order", []byte(`{"ID":"o-9","Total":4.5}`))
	require.NoError(t, err)
	o, ok := v.(*order)
	require.True(t, ok)
	assert.Equal(t, "o-9", o.ID)
	assert.Equal(t, 4.5, o.Total)
}

func TestRegistryDecodeEmptyInput(t *testing.T) {
	r := registryWith(t, billingWorkflow())
	v, err := r.Decode("order", nil)
	require.NoError(t, err)
	assert.Equal(t, &order{}, v)
}

func TestRegistryDecodeUnknownType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Decode("order", []byte(`{}`))
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegistryDecodeMalformed(t *testing.T) {
	r := registryWith(t, billingWorkflow())
	_, err := r.Decode("order", []byte(`{"ID":`))
	assert.Error(t, err)
}

func TestRegistryDecodeDepthLimit(t *testing.T) {
	r := NewRegistry()
	type nested struct {
		V map[string]any `json:"v"`
	}
	w := &Workflow{
		Name:   "deep",
		Input:  "nested",
		Output: "nested",
		Steps:  []Step{{Name: "id", In: "nested", Out: "nested", Do: noop}},
	}
	require.NoError(t, r.Register(w, func() any { return &nested{} }))

	shallow := `{"v":{"a":{"b":1}}}`
	_, err := r.Decode("nested", []byte(shallow))
	require.NoError(t, err)

	deep := `{"v":` + strings.Repeat(`{"a":`, MaxInputDepth) + `1` + strings.Repeat(`}`, MaxInputDepth) + `}`
	_, err = r.Decode("nested", []byte(deep))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested deeper")
}
