package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRelationsForClosure(t *testing.T) {
	m, err := New(Config{
		Permissions: map[string][]string{
			"view":   {"viewer"},
			"edit":   {"editor"},
			"delete": {"owner"},
		},
		Implications: map[string][]string{
			"owner":  {"editor"},
			"editor": {"viewer"},
		},
	})
	require.NoError(t, err)

	tests := []struct {
		permission string
		want       []string
	}{
		{"view", []string{"editor", "owner", "viewer"}},
		{"edit", []string{"editor", "owner"}},
		{"delete", []string{"owner"}},
	}

	for _, test := range tests {
		relations, err := m.RelationsFor(test.permission)
		require.NoError(t, err)
		require.Equal(t, test.want, relations)
	}
}

func TestRelationsForUnknownPermission(t *testing.T) {
	m := MustNew(Config{
		Permissions: map[string][]string{"view": {"viewer"}},
	})

	_, err := m.RelationsFor("fly")
	require.ErrorIs(t, err, ErrUnknownPermission)
	require.False(t, m.HasPermission("fly"))
	require.True(t, m.HasPermission("view"))
}

func TestClosureTerminatesOnImplicationCycle(t *testing.T) {
	m, err := New(Config{
		Permissions: map[string][]string{"view": {"a"}},
		Implications: map[string][]string{
			"a": {"b"},
			"b": {"a"},
		},
	})
	require.NoError(t, err)

	relations, err := m.RelationsFor("view")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, relations)
}

func TestInvalidSchema(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrInvalidSchema)

	_, err = New(Config{
		Permissions: map[string][]string{"view": {"bad relation"}},
	})
	require.ErrorIs(t, err, ErrInvalidSchema)

	_, err = New(Config{
		Permissions:  map[string][]string{"view": {"viewer"}},
		Implications: map[string][]string{"ow ner": {"viewer"}},
	})
	require.ErrorIs(t, err, ErrInvalidSchema)
}

func TestRelationClosures(t *testing.T) {
	m := MustNew(Config{
		Permissions: map[string][]string{"view": {"viewer"}},
		Implications: map[string][]string{
			"owner":  {"editor"},
			"editor": {"viewer"},
		},
	})

	require.Equal(t, []string{"editor", "owner", "viewer"}, m.SatisfyingRelations("viewer"))
	require.Equal(t, []string{"editor", "owner"}, m.SatisfyingRelations("editor"))
	require.Equal(t, []string{"editor", "owner", "viewer"}, m.ImpliedRelations("owner"))
	require.Equal(t, []string{"viewer"}, m.ImpliedRelations("viewer"))

	// Relations outside the mapping satisfy only themselves.
	require.Equal(t, []string{"assigned_to"}, m.SatisfyingRelations("assigned_to"))
	require.Equal(t, []string{"assigned_to"}, m.ImpliedRelations("assigned_to"))
}

func TestPermissionsSorted(t *testing.T) {
	m := MustNew(Config{
		Permissions: map[string][]string{
			"view": {"viewer"},
			"edit": {"editor"},
		},
	})
	require.Equal(t, []string{"edit", "view"}, m.Permissions())
}
