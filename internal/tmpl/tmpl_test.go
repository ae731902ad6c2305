package tmpl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplate_SimpleSubstitution(t *testing.T) {
	tpl, err := Compile("greeting", "Hello, {{ name }}!")
	require.NoError(t, err)

	out, err := tpl.Render(map[string]interface{}{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Hello, Ada!", out)
}

func TestTemplate_IfElse(t *testing.T) {
	tpl, err := Compile("cond", "{% if premium %}VIP{% else %}standard{% endif %}")
	require.NoError(t, err)

	out, err := tpl.Render(map[string]interface{}{"premium": true})
	require.NoError(t, err)
	assert.Equal(t, "VIP", out)

	out, err = tpl.Render(map[string]interface{}{"premium": false})
	require.NoError(t, err)
	assert.Equal(t, "standard", out)
}

func TestTemplate_ForLoop(t *testing.T) {
	tpl, err := Compile("list", "{% for item in items %}[{{ item }}]{% endfor %}")
	require.NoError(t, err)

	out, err := tpl.Render(map[string]interface{}{
		"items": []interface{}{"a", "b", "c"},
	})
	require.NoError(t, err)
	assert.Equal(t, "[a][b][c]", out)
}

func TestTemplate_Filters(t *testing.T) {
	tpl, err := Compile("filters", "{{ upper(name) }} has {{ length(items) }} items")
	require.NoError(t, err)

	out, err := tpl.Render(map[string]interface{}{
		"name":  "ada",
		"items": []interface{}{"x", "y"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ADA has 2 items", out)
}

func TestTemplate_MissingVariable(t *testing.T) {
	tpl, err := Compile("broken", "{{ undefined_var }}")
	require.NoError(t, err)

	_, err = tpl.Render(map[string]interface{}{})
	assert.Error(t, err)
}
