package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestValue_Equal(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"same strings", String("eu"), String("eu"), true},
		{"different strings", String("eu"), String("us"), false},
		{"int and float numerically equal", Int(3), Float(3.0), true},
		{"int and string", Int(3), String("3"), false},
		{"bools", Bool(true), Bool(true), true},
		{"lists in order", StringList("a", "b"), StringList("a", "b"), true},
		{"lists reordered", StringList("a", "b"), StringList("b", "a"), false},
		{"placeholders", Placeholder(PlaceholderCurrentUser), Placeholder(PlaceholderCurrentUser), true},
		{"zero values", Value{}, Value{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Equal(tt.b))
		})
	}
}

func TestValue_JSONTaggedForm(t *testing.T) {
	params := map[string]Value{
		"organizationId": String("org-1"),
		"limit":          Int(50),
		"ratio":          Float(0.5),
		"strict":         Bool(true),
		"regions":        StringList("eu", "us"),
		"createdBy":      Placeholder(PlaceholderCurrentUser),
	}

	data, err := json.Marshal(params)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"createdBy":{"kind":"placeholder","value":"current_user_id"}`)

	var decoded map[string]Value
	require.NoError(t, json.Unmarshal(data, &decoded))
	for k, v := range params {
		assert.True(t, v.Equal(decoded[k]), "param %s", k)
		assert.Equal(t, v.Kind, decoded[k].Kind, "param %s", k)
	}
}

func TestValue_JSONBareScalars(t *testing.T) {
	var decoded map[string]Value
	require.NoError(t, json.Unmarshal([]byte(`{"s":"x","i":7,"f":1.25,"b":false,"l":["a"]}`), &decoded))

	assert.Equal(t, KindString, decoded["s"].Kind)
	assert.Equal(t, int64(7), decoded["i"].Int)
	assert.Equal(t, KindFloat, decoded["f"].Kind)
	assert.Equal(t, KindBool, decoded["b"].Kind)
	assert.Equal(t, []string{"a"}, decoded["l"].List)

	var bad Value
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`{"kind":"matrix","value":1}`), &bad))
}

func TestValue_YAML(t *testing.T) {
	doc := `
plain: hello
count: 12
ratio: 2.5
enabled: true
tags: [a, b]
owner:
  kind: placeholder
  value: current_user_id
`
	var decoded map[string]Value
	require.NoError(t, yaml.Unmarshal([]byte(doc), &decoded))

	assert.True(t, decoded["plain"].Equal(String("hello")))
	assert.True(t, decoded["count"].Equal(Int(12)))
	assert.True(t, decoded["ratio"].Equal(Float(2.5)))
	assert.True(t, decoded["enabled"].Equal(Bool(true)))
	assert.True(t, decoded["tags"].Equal(StringList("a", "b")))
	assert.True(t, decoded["owner"].Equal(Placeholder(PlaceholderCurrentUser)))

	out, err := yaml.Marshal(map[string]Value{"owner": decoded["owner"]})
	require.NoError(t, err)
	assert.Contains(t, string(out), "kind: placeholder")
}

func TestResolveParameters(t *testing.T) {
	sc := &SecurityContext{SubjectID: "user-9", OrganizationID: "org-1", Role: "user", SessionID: "s-1"}
	params := map[string]Value{
		"organizationId": String("org-1"),
		"createdBy":      Placeholder(PlaceholderCurrentUser),
		"org":            Placeholder(PlaceholderCurrentOrganization),
		"unknown":        Placeholder("tomorrow"),
	}

	resolved := ResolveParameters(params, sc)

	assert.True(t, resolved["createdBy"].Equal(String("user-9")))
	assert.True(t, resolved["org"].Equal(String("org-1")))
	assert.Equal(t, KindPlaceholder, resolved["unknown"].Kind)
	assert.Equal(t, KindPlaceholder, params["createdBy"].Kind, "input must not be mutated")
	assert.Nil(t, ResolveParameters(nil, sc))
}
