package capability

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadersIntersect(t *testing.T) {
	t.Run("public with public stays public", func(t *testing.T) {
		out := PublicReaders().Intersect(PublicReaders())
		assert.True(t, out.IsPublic())
	})

	t.Run("public with restricted narrows to restricted", func(t *testing.T) {
		out := PublicReaders().Intersect(RestrictedReaders("alice", "bob"))
		assert.False(t, out.IsPublic())
		assert.Equal(t, []string{"alice", "bob"}, out.Allowed())
	})

	t.Run("restricted sets intersect", func(t *testing.T) {
		out := RestrictedReaders("alice", "bob").Intersect(RestrictedReaders("bob", "carol"))
		assert.Equal(t, []string{"bob"}, out.Allowed())
	})

	t.Run("disjoint sets yield empty allow-list", func(t *testing.T) {
		out := RestrictedReaders("alice").Intersect(RestrictedReaders("bob"))
		assert.False(t, out.IsPublic())
		assert.Empty(t, out.Allowed())
		assert.False(t, out.CanRead("alice"))
		assert.False(t, out.CanRead("bob"))
	})
}

func TestCombineNeverWidensReadership(t *testing.T) {
	a := NewArena(nil)

	pub := a.CreateValue("open", []Source{AgentSource("gen")}, PublicReaders())
	alice := a.CreateUserInput("secret", "alice")

	combined := a.Combine([]*Value{pub, alice}, "merge")
	assert.False(t, combined.Readers.IsPublic())
	assert.Equal(t, []string{"alice"}, combined.Readers.Allowed())
}

func TestCombineSensitivityIsOrred(t *testing.T) {
	a := NewArena(nil)

	plain := a.CreateValue("x", []Source{AgentSource("gen")}, PublicReaders())
	secret := a.CreateValue("y", []Source{AgentSource("gen")}, PublicReaders(), WithSensitive())

	combined := a.Combine([]*Value{plain, secret}, "merge")
	assert.True(t, combined.Sensitive)
}

func TestCombineUnionsSourcesAndAppendsOperation(t *testing.T) {
	a := NewArena(nil)

	u := a.CreateUserInput("intent", "alice")
	e := a.CreateExternal("page", "https://example.com", true)

	combined := a.Combine([]*Value{u, e}, "merge")
	assert.True(t, combined.HasSource(SourceUser))
	assert.True(t, combined.HasSource(SourceExternal))
	assert.True(t, combined.HasUntrustedExternal())
	require.NotEmpty(t, combined.Transformations)
	assert.Equal(t, "merge", combined.Transformations[len(combined.Transformations)-1])
}

func TestCombineZeroValues(t *testing.T) {
	a := NewArena(nil)

	combined := a.Combine(nil, "bootstrap")
	assert.True(t, combined.Readers.IsPublic())
	assert.False(t, combined.Sensitive)
	require.Len(t, combined.Sources, 1)
	assert.Equal(t, SourceAgent, combined.Sources[0].Kind)
	assert.Equal(t, "bootstrap", combined.Sources[0].Operation)
	assert.Equal(t, []string{"bootstrap"}, combined.Transformations)
}

func TestTransform(t *testing.T) {
	a := NewArena(nil)

	in := a.CreateUserInput("hello", "alice")
	out, err := a.Transform(in, func(p any) (any, error) {
		return strings.ToUpper(p.(string)), nil
	}, "uppercase")
	require.NoError(t, err)

	assert.Equal(t, "HELLO", out.Payload)
	assert.Equal(t, []string{in.ID}, out.Dependencies)
	assert.Equal(t, []string{"alice"}, out.Capabilities.Readers.Allowed())
	assert.Contains(t, out.Capabilities.Transformations, "uppercase")

	// Input is untouched.
	assert.Equal(t, "hello", in.Payload)
	assert.Empty(t, in.Capabilities.Transformations)
}

func TestTransformError(t *testing.T) {
	a := NewArena(nil)

	in := a.CreateUserInput("hello", "alice")
	_, err := a.Transform(in, func(any) (any, error) {
		return nil, errors.New("boom")
	}, "explode")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "explode")
}

func TestGetDependenciesTransitive(t *testing.T) {
	a := NewArena(nil)

	root := a.CreateUserInput("root", "alice")
	mid, err := a.Transform(root, identity, "step1")
	require.NoError(t, err)
	leaf, err := a.Transform(mid, identity, "step2")
	require.NoError(t, err)

	deps := a.GetDependencies(leaf)
	ids := make([]string, len(deps))
	for i, d := range deps {
		ids[i] = d.ID
	}
	assert.ElementsMatch(t, []string{root.ID, mid.ID}, ids)
}

func TestGetDependenciesGuardsRiggedCycle(t *testing.T) {
	a := NewArena(nil)

	v1 := a.CreateUserInput("a", "alice")
	v2, err := a.Transform(v1, identity, "derive")
	require.NoError(t, err)

	// Values are immutable by contract; rig a cycle directly to prove the
	// visited-set guard terminates.
	v1.Dependencies = []string{v2.ID}

	deps := a.GetDependencies(v2)
	assert.NotEmpty(t, deps)
}

func TestValidateIntegrity(t *testing.T) {
	a := NewArena(nil)

	t.Run("factory-produced values are valid", func(t *testing.T) {
		root := a.CreateUserInput("root", "alice")
		mid, err := a.Transform(root, identity, "step")
		require.NoError(t, err)
		out := a.CreateToolResult("result", "search", []*Value{mid})

		assert.True(t, a.ValidateIntegrity(root))
		assert.True(t, a.ValidateIntegrity(mid))
		assert.True(t, a.ValidateIntegrity(out))
	})

	t.Run("dangling dependency is invalid", func(t *testing.T) {
		v := a.CreateUserInput("x", "alice")
		v.Dependencies = []string{"no-such-id"}
		assert.False(t, a.ValidateIntegrity(v))
	})

	t.Run("rigged cycle is invalid, not fatal", func(t *testing.T) {
		v1 := a.CreateUserInput("a", "alice")
		v2, err := a.Transform(v1, identity, "derive")
		require.NoError(t, err)
		v1.Dependencies = []string{v2.ID}

		assert.False(t, a.ValidateIntegrity(v1))
		assert.False(t, a.ValidateIntegrity(v2))
	})

	t.Run("self-dependency is invalid", func(t *testing.T) {
		v := a.CreateUserInput("x", "alice")
		v.Dependencies = []string{v.ID}
		assert.False(t, a.ValidateIntegrity(v))
	})
}

func TestIsTrusted(t *testing.T) {
	a := NewArena(nil)

	t.Run("own user data is trusted", func(t *testing.T) {
		v := a.CreateUserInput("mine", "alice")
		assert.True(t, a.IsTrusted(v, "alice"))
	})

	t.Run("another user's data is not", func(t *testing.T) {
		v := a.CreateUserInput("theirs", "bob")
		assert.False(t, a.IsTrusted(v, "alice"))
	})

	t.Run("untrusted external taints tool results", func(t *testing.T) {
		ext := a.CreateExternal("page", "https://evil.example", true)
		res := a.CreateToolResult("out", "fetch", []*Value{ext})
		assert.False(t, a.IsTrusted(res, "alice"))
	})

	t.Run("trusted external is fine", func(t *testing.T) {
		ext := a.CreateExternal("doc", "https://intranet.example", false)
		assert.True(t, a.IsTrusted(ext, "alice"))
	})
}

func TestCanRead(t *testing.T) {
	a := NewArena(nil)

	v := a.CreateUserInput("secret", "alice")
	assert.True(t, a.CanRead([]string{"alice"}, v))
	assert.False(t, a.CanRead([]string{"alice", "bob"}, v))

	pub := a.CreateExternal("open", "https://example.com", false)
	assert.True(t, a.CanRead([]string{"anyone"}, pub))
}

func TestToolResultNestsInnerSources(t *testing.T) {
	a := NewArena(nil)

	u := a.CreateUserInput("query", "alice")
	res := a.CreateToolResult("hits", "search", []*Value{u})

	require.Len(t, res.Capabilities.Sources, 1)
	src := res.Capabilities.Sources[0]
	assert.Equal(t, SourceTool, src.Kind)
	assert.Equal(t, "search", src.ToolName)
	require.NotEmpty(t, src.Inner)
	assert.Equal(t, SourceUser, src.Inner[0].Kind)

	// Tool results inherit the narrowest readership of their inputs.
	assert.Equal(t, []string{"alice"}, res.Capabilities.Readers.Allowed())
}

func identity(p any) (any, error) { return p, nil }
