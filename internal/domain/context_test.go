// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package domain_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discoveryhq/discovery/internal/domain"
)

func TestScrubBase64_TopLevel(t *testing.T) {
	ctx := map[string]any{
		"base64": strings.Repeat("A", 1024),
		"other":  "kept",
	}

	scrubbed := domain.ScrubBase64Map(ctx)

	require.Contains(t, scrubbed, "base64")
	assert.Equal(t, "[BASE64_CONTENT_REMOVED - Length: 1024 chars]", scrubbed["base64"])
	assert.Equal(t, "kept", scrubbed["other"])
}

func TestScrubBase64_NestedAndInLists(t *testing.T) {
	ctx := map[string]any{
		"dynamic_properties": map[string]any{
			"base64": "abc",
			"nested": map[string]any{
				"base64": "defgh",
			},
		},
		"items": []any{
			map[string]any{"base64": "xy"},
			"scalar",
		},
	}

	scrubbed := domain.ScrubBase64Map(ctx)

	dp := scrubbed["dynamic_properties"].(map[string]any)
	assert.Equal(t, "[BASE64_CONTENT_REMOVED - Length: 3 chars]", dp["base64"])
	nested := dp["nested"].(map[string]any)
	assert.Equal(t, "[BASE64_CONTENT_REMOVED - Length: 5 chars]", nested["base64"])

	items := scrubbed["items"].([]any)
	first := items[0].(map[string]any)
	assert.Equal(t, "[BASE64_CONTENT_REMOVED - Length: 2 chars]", first["base64"])
	assert.Equal(t, "scalar", items[1])
}

func TestScrubBase64_NonStringValue(t *testing.T) {
	ctx := map[string]any{"base64": 12345}

	scrubbed := domain.ScrubBase64Map(ctx)

	assert.Equal(t, "[BASE64_CONTENT_REMOVED - Not string]", scrubbed["base64"])
}

func TestScrubBase64_DoesNotMutateInput(t *testing.T) {
	original := map[string]any{"base64": "secret"}

	domain.ScrubBase64Map(original)

	assert.Equal(t, "secret", original["base64"])
}

func TestSafeProjection_AllowListOnly(t *testing.T) {
	ctx := map[string]any{
		"execution_id":  "exec-1",
		"uuid_proceso":  "proc-1",
		"secret_field":  "should not appear",
		"base64":        "should never appear",
		"last_step_info": map[string]any{"step": "a"},
		"dynamic_properties": map[string]any{
			"nombre_documento": "file.pdf",
			"step_summary":     "ok",
			"internal_detail":  "should not appear",
		},
	}

	safe := domain.SafeProjection(ctx)

	assert.Equal(t, "exec-1", safe["execution_id"])
	assert.Equal(t, "proc-1", safe["uuid_proceso"])
	assert.NotContains(t, safe, "secret_field")
	assert.NotContains(t, safe, "base64")
	assert.Equal(t, map[string]any{"step": "a"}, safe["last_step_info"])

	dp := safe["dynamic_properties"].(map[string]any)
	assert.Equal(t, "file.pdf", dp["nombre_documento"])
	assert.Equal(t, "ok", dp["step_summary"])
	assert.NotContains(t, dp, "internal_detail")
}

func TestSafeProjection_NilContext(t *testing.T) {
	safe := domain.SafeProjection(nil)
	assert.NotNil(t, safe)
	assert.Empty(t, safe)
}

func TestSafeProjection_OmitsEmptyDynamicProperties(t *testing.T) {
	ctx := map[string]any{
		"execution_id": "exec-2",
		"dynamic_properties": map[string]any{
			"unrelated": "value",
		},
	}

	safe := domain.SafeProjection(ctx)

	assert.NotContains(t, safe, "dynamic_properties")
}

func TestMergeContext_ShallowMergesNestedMaps(t *testing.T) {
	base := map[string]any{
		"dynamic_properties": map[string]any{"a": 1},
		"next_step_name":     "old",
	}
	patch := map[string]any{
		"dynamic_properties": map[string]any{"b": 2},
		"next_step_name":     "new",
	}

	domain.MergeContext(base, patch)

	dp := base["dynamic_properties"].(map[string]any)
	assert.Equal(t, 1, dp["a"])
	assert.Equal(t, 2, dp["b"])
	assert.Equal(t, "new", base["next_step_name"])
}

func TestMergeContext_DeleteKeyRemovesField(t *testing.T) {
	base := map[string]any{"next_step_name": "old", "keep": "me"}
	patch := map[string]any{"next_step_name": domain.DeleteKey}

	domain.MergeContext(base, patch)

	assert.NotContains(t, base, "next_step_name")
	assert.Equal(t, "me", base["keep"])
}

func TestNextStepName(t *testing.T) {
	name, ok := domain.NextStepName(map[string]any{"next_step_name": "s"})
	assert.True(t, ok)
	assert.Equal(t, "s", name)

	_, ok = domain.NextStepName(map[string]any{})
	assert.False(t, ok)
}

func TestStep_EffectiveHandlerName(t *testing.T) {
	withAlias := &domain.Step{Name: "validate_user", HandlerName: "validar_usuario"}
	assert.Equal(t, "validar_usuario", withAlias.EffectiveHandlerName())

	withoutAlias := &domain.Step{Name: "validate_user"}
	assert.Equal(t, "validate_user", withoutAlias.EffectiveHandlerName())
}

func TestExecStatus_IsTerminal(t *testing.T) {
	assert.True(t, domain.ExecStatusCompleted.IsTerminal())
	assert.True(t, domain.ExecStatusFailed.IsTerminal())
	assert.False(t, domain.ExecStatusRunning.IsTerminal())
	assert.False(t, domain.ExecStatusPaused.IsTerminal())
}
