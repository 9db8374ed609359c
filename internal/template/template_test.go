package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	t.Run("resolves a JSON pointer placeholder", func(t *testing.T) {
		payload := map[string]interface{}{"issue": "X"}
		assert.Equal(t, "fix X", Resolve("fix {/issue}", payload))
	})

	t.Run("resolves a dot-path placeholder", func(t *testing.T) {
		payload := map[string]interface{}{"user": map[string]interface{}{"name": "ada"}}
		assert.Equal(t, "hello ada", Resolve("hello {user.name}", payload))
	})

	t.Run("preserves unresolved placeholders verbatim", func(t *testing.T) {
		payload := map[string]interface{}{"issue": "X"}
		assert.Equal(t, "fix {/missing}", Resolve("fix {/missing}", payload))
	})

	t.Run("preserves placeholder on traversal into non-container", func(t *testing.T) {
		payload := map[string]interface{}{"issue": "X"}
		assert.Equal(t, "fix {/issue/deeper}", Resolve("fix {/issue/deeper}", payload))
	})

	t.Run("supports array index segments", func(t *testing.T) {
		payload := map[string]interface{}{"items": []interface{}{"a", "b", "c"}}
		assert.Equal(t, "second b", Resolve("second {items.1}", payload))
	})

	t.Run("preserves placeholder on out-of-range index", func(t *testing.T) {
		payload := map[string]interface{}{"items": []interface{}{"a"}}
		assert.Equal(t, "{items.5}", Resolve("{items.5}", payload))
	})

	t.Run("coerces numeric and boolean leaves", func(t *testing.T) {
		payload := map[string]interface{}{"count": float64(3), "ok": true}
		assert.Equal(t, "3 true", Resolve("{count} {ok}", payload))
	})

	t.Run("empty template returns empty", func(t *testing.T) {
		assert.Equal(t, "", Resolve("", map[string]interface{}{}))
	})

	t.Run("re-resolving an already-resolved template is a no-op (R1)", func(t *testing.T) {
		payload := map[string]interface{}{"issue": "X"}
		once := Resolve("fix {/issue}", payload)
		twice := Resolve(once, payload)
		assert.Equal(t, once, twice)
	})
}
