package inference

import (
	"encoding/json"
	"fmt"
)

// Normalize extracts the answer text from the endpoint's response, which
// arrives in one of several shapes depending on the endpoint flavor. It
// never panics on unexpected input; when no known shape matches, the raw
// response is returned pretty-printed so the analyst still sees something.
func Normalize(raw []byte) (string, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", fmt.Errorf("decode serving response: %w", err)
	}
	return normalizeValue(value), nil
}

func normalizeValue(value any) string {
	obj, ok := value.(map[string]any)
	if !ok {
		return stringify(value)
	}

	// Deployment-client envelope: the payload hides under "predictions",
	// sometimes as a JSON string that needs a second decode.
	if predictions, found := obj["predictions"]; found {
		switch p := predictions.(type) {
		case string:
			var inner any
			if err := json.Unmarshal([]byte(p), &inner); err == nil {
				if innerObj, ok := inner.(map[string]any); ok {
					obj = innerObj
				} else {
					return stringify(inner)
				}
			} else {
				return p
			}
		case map[string]any:
			obj = p
		default:
			return stringify(p)
		}
	}

	// Agent format: output[0].content[0].text.
	if text, ok := fromOutput(obj); ok {
		return text
	}

	// OpenAI chat format: choices[0].message.content.
	if text, ok := fromChoices(obj); ok {
		return text
	}

	if answer, ok := obj["answer"]; ok {
		return stringify(answer)
	}

	if content, ok := obj["content"]; ok {
		return stringify(content)
	}

	pretty, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", obj)
	}
	return string(pretty)
}

func fromOutput(obj map[string]any) (string, bool) {
	output, ok := obj["output"].([]any)
	if !ok || len(output) == 0 {
		return "", false
	}
	message, ok := output[0].(map[string]any)
	if !ok {
		return "", false
	}

	switch content := message["content"].(type) {
	case []any:
		if len(content) == 0 {
			return "", false
		}
		item, ok := content[0].(map[string]any)
		if !ok {
			return "", false
		}
		if text, ok := item["text"]; ok {
			return stringify(text), true
		}
		return "", false
	case string:
		if content != "" {
			return content, true
		}
		return "", false
	case nil:
		return "", false
	default:
		return stringify(content), true
	}
}

func fromChoices(obj map[string]any) (string, bool) {
	choices, ok := obj["choices"].([]any)
	if !ok || len(choices) == 0 {
		return "", false
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return "", false
	}
	message, ok := choice["message"].(map[string]any)
	if !ok {
		return "", false
	}
	content, ok := message["content"]
	if !ok || content == nil {
		return "", false
	}
	text := stringify(content)
	if text == "" {
		return "", false
	}
	return text, true
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// extractTraceID pulls the trace identifier out of a response when the
// endpoint reports one. Known spots: top-level trace_id / request_id and
// the databricks_output.trace envelope.
func extractTraceID(raw []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	if id, ok := obj["trace_id"].(string); ok && id != "" {
		return id
	}
	if id, ok := obj["request_id"].(string); ok && id != "" {
		return id
	}
	dbOut, ok := obj["databricks_output"].(map[string]any)
	if !ok {
		return ""
	}
	trace, ok := dbOut["trace"].(map[string]any)
	if !ok {
		return ""
	}
	if info, ok := trace["info"].(map[string]any); ok {
		if id, ok := info["trace_id"].(string); ok {
			return id
		}
		if id, ok := info["request_id"].(string); ok {
			return id
		}
	}
	if id, ok := trace["trace_id"].(string); ok {
		return id
	}
	return ""
}

// extractStreamChunk decodes one streaming event and returns the text
// delta plus any trace id it carried. Unknown events yield an empty chunk.
func extractStreamChunk(data []byte) (chunk, traceID string) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", ""
	}

	traceID = extractTraceID(data)

	// OpenAI stream shape: choices[0].delta.content.
	if choices, ok := obj["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if delta, ok := choice["delta"].(map[string]any); ok {
				if content, ok := delta["content"].(string); ok {
					return content, traceID
				}
			}
		}
	}

	// Agent stream shape: delta.content, or delta as a bare string.
	switch delta := obj["delta"].(type) {
	case map[string]any:
		if content, ok := delta["content"].(string); ok {
			return content, traceID
		}
	case string:
		return delta, traceID
	}

	if content, ok := obj["content"].(string); ok {
		return content, traceID
	}
	return "", traceID
}
