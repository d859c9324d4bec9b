package registry

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark3labs/estatectl/internal/spec"
)

func loadSchema(t *testing.T) *spec.Schema {
	t.Helper()
	raw, err := os.ReadFile("../spec/testdata/estate.yaml")
	require.NoError(t, err)
	s, err := spec.NewDataStore(raw).Initialize(context.Background())
	require.NoError(t, err)
	return s
}

func TestRegister_GetParity(t *testing.T) {
	t.Parallel()
	schema := loadSchema(t)
	r := New()
	require.NoError(t, r.Register(schema))

	assert.Equal(t, len(schema.Operations), r.Len())
	for path, methods := range schema.Paths {
		for method, op := range methods {
			got, ok := r.Get(op.ID)
			require.True(t, ok, "%s %s", method, path)
			assert.Same(t, op, got)
			assert.Equal(t, path, got.Path)
			assert.Equal(t, method, got.Method)
		}
	}
	_, ok := r.Get("doesNotExist")
	assert.False(t, ok)
}

func TestByTag_Groups(t *testing.T) {
	t.Parallel()
	r := New()
	require.NoError(t, r.Register(loadSchema(t)))

	groups := r.ByTag()
	ids := func(ops []*spec.Operation) []string {
		var out []string
		for _, op := range ops {
			out = append(out, op.ID)
		}
		return out
	}
	assert.Equal(t, []string{"listLeads", "headLeads"}, ids(groups[DefaultTag]))
	assert.Equal(t, []string{"listProperties", "createProperty", "getProperty", "deleteProperty"}, ids(groups["properties"]))
	assert.Equal(t, []string{"deleteProperty"}, ids(groups["admin"]))
	assert.Equal(t, []string{"post_properties_property_id_photos"}, ids(groups["media"]))
	assert.Equal(t, []string{DefaultTag, "properties", "admin", "media"}, r.Tags())
}

func TestByTag_Idempotent(t *testing.T) {
	t.Parallel()
	r := New()
	require.NoError(t, r.Register(loadSchema(t)))

	first := r.ByTag()
	first["properties"] = nil
	delete(first, "media")

	second := r.ByTag()
	assert.Len(t, second["properties"], 4)
	assert.Contains(t, second, "media")
	assert.Equal(t, second, r.ByTag())
}

func TestRegister_DuplicateKeepsPrevious(t *testing.T) {
	t.Parallel()
	r := New()
	good := loadSchema(t)
	require.NoError(t, r.Register(good))

	a := &spec.Operation{ID: "listAgents", Method: "GET", Path: "/agents"}
	b := &spec.Operation{ID: "listAgents", Method: "GET", Path: "/v2/agents"}
	err := r.Register(&spec.Schema{Operations: []*spec.Operation{a, b}})
	require.ErrorIs(t, err, ErrDuplicateOperation)

	assert.Same(t, good, r.Schema())
	_, ok := r.Get("listProperties")
	assert.True(t, ok)
}

func TestRegister_MultiTagListedOncePerTag(t *testing.T) {
	t.Parallel()
	op := &spec.Operation{ID: "archive", Method: "POST", Path: "/archive", Tags: []string{"ops", "ops", "admin"}}
	r := New()
	require.NoError(t, r.Register(&spec.Schema{Operations: []*spec.Operation{op}}))
	assert.Len(t, r.ByTag()["ops"], 1)
	assert.Len(t, r.ByTag()["admin"], 1)
}

func TestDefinition(t *testing.T) {
	t.Parallel()
	r := New()
	_, ok := r.Definition("Property")
	assert.False(t, ok)

	require.NoError(t, r.Register(loadSchema(t)))
	d, ok := r.Definition("Property")
	require.True(t, ok)
	assert.Equal(t, "object", d.Type)
}

func TestRegistry_ConcurrentReadsDuringRegister(t *testing.T) {
	t.Parallel()
	schema := loadSchema(t)
	r := New()
	require.NoError(t, r.Register(schema))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.NoError(t, r.Register(schema))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, ok := r.Get("getProperty")
				assert.True(t, ok)
				assert.Len(t, r.Operations(), len(schema.Operations))
			}
		}()
	}
	wg.Wait()
}
