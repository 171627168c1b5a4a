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

package domain

import "fmt"

// ScrubBase64 returns a deep copy of v with every map value keyed literally
// "base64" replaced by a length descriptor. It walks maps and slices at any
// depth; scalars and other types pass through unchanged. This is the
// boundary rewrite required before any context reaches persistence or the
// progress broker.
func ScrubBase64(v any) any {
	switch val := v.(type) {
	case map[string]any:
		clean := make(map[string]any, len(val))
		for k, child := range val {
			if k == "base64" {
				clean[k] = base64Descriptor(child)
				continue
			}
			clean[k] = ScrubBase64(child)
		}
		return clean
	case []any:
		clean := make([]any, len(val))
		for i, item := range val {
			clean[i] = ScrubBase64(item)
		}
		return clean
	default:
		return v
	}
}

func base64Descriptor(v any) string {
	s, ok := v.(string)
	if !ok {
		return "[BASE64_CONTENT_REMOVED - Not string]"
	}
	return fmt.Sprintf("[BASE64_CONTENT_REMOVED - Length: %d chars]", len(s))
}

// ScrubBase64Map is a convenience wrapper for the common map[string]any
// case, avoiding a type assertion at call sites.
func ScrubBase64Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	scrubbed, _ := ScrubBase64(m).(map[string]any)
	return scrubbed
}

// essentialContextFields is the allow-list of small scalar root-level and
// dynamic_properties keys permitted in a websocket-safe projection.
var essentialContextFields = []string{
	"execution_id", "fetched_at", "next_step_name", "manual",
	"documento_procesado", "mime_type", "nombre_documento", "uuid_proceso",
	"estructura_carpetas", "pdf_reordenado_disponible", "pdf_reordenado_archivo",
	"pdf_reordenado_subido_gcs", "pdf_reordenado_tamano_kb",
	"secciones_individuales_disponibles", "secciones_individuales_subidas",
	"pdf_anotado_disponible", "pdf_anotado_tiempo_procesamiento",
	"pdf_anotado_valores_encontrados",
}

// extraDynamicPropertiesFields are additional dynamic_properties keys kept
// in the safe projection beyond the essential list.
var extraDynamicPropertiesFields = []string{
	"validation_final", "decision_result", "step_summary",
}

// SafeProjection builds the websocket-safe subset of a context: the
// allow-listed root fields, the allow-listed dynamic_properties fields,
// and last_step_info if present. No base64 field and no unlisted nested
// blob ever appears in the result.
func SafeProjection(ctx map[string]any) map[string]any {
	safe := make(map[string]any)
	if ctx == nil {
		return safe
	}

	for _, field := range essentialContextFields {
		if v, ok := ctx[field]; ok {
			safe[field] = v
		}
	}

	if dp, ok := ctx["dynamic_properties"].(map[string]any); ok {
		safeDP := make(map[string]any)
		for _, field := range essentialContextFields {
			if v, ok := dp[field]; ok {
				safeDP[field] = v
			}
		}
		for _, field := range extraDynamicPropertiesFields {
			if v, ok := dp[field]; ok {
				safeDP[field] = v
			}
		}
		if len(safeDP) > 0 {
			safe["dynamic_properties"] = safeDP
		}
	}

	if lastStep, ok := ctx["last_step_info"]; ok {
		safe["last_step_info"] = lastStep
	}

	return safe
}
