package bub

import (
	"encoding/json"
	"fmt"
)

// Project deterministically maps a slice of tape entries to the
// provider-agnostic message list.
//
//   - message entries contribute one standard message each, verbatim.
//   - a tool_call entry contributes one assistant message with empty
//     content and the calls array, and parks the descriptors for the
//     following tool_result entries.
//   - a tool_result entry emits one tool message per result, paired by
//     index with the parked calls. A result with no matching call still
//     emits, under a synthetic "orphan_result_<i>" id, so providers
//     accept the conversation even after a truncated turn.
//   - parked calls left unmatched (a cancelled turn lost its results)
//     emit placeholder tool messages once later conversation content
//     appears; at the very tail of the tape they stay unflushed so the
//     next turn can still pair them.
//   - anchor and event entries are skipped.
//
// Project is idempotent: projecting a projection (after re-serializing
// it as message entries) yields the same message list.
func Project(entries []Entry) []ChatMessage {
	var messages []ChatMessage
	var pending []ToolCall
	pendingBase := 0 // index of pending[0] within its original call batch

	// flush emits placeholder tool messages for calls whose results
	// never arrived, keeping the conversation provider-valid.
	flush := func() {
		for i, call := range pending {
			messages = append(messages, ToolResultMessage(
				call.ID,
				call.Function.Name,
				fmt.Sprintf("orphan_result_%d", pendingBase+i)))
		}
		pending = nil
		pendingBase = 0
	}

	for _, e := range entries {
		switch e.Kind {
		case KindMessage:
			var msg ChatMessage
			if err := json.Unmarshal(e.Payload, &msg); err != nil {
				continue
			}
			flush()
			messages = append(messages, msg)

		case KindToolCall:
			var p ToolCallPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				continue
			}
			flush()
			messages = append(messages, ChatMessage{
				Role:      "assistant",
				ToolCalls: p.Calls,
			})
			pending = p.Calls
			pendingBase = 0

		case KindToolResult:
			var p ToolResultPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				continue
			}
			for i, raw := range p.Results {
				callID := fmt.Sprintf("orphan_result_%d", pendingBase+i)
				name := ""
				if i < len(pending) {
					callID = pending[i].ID
					name = pending[i].Function.Name
				}
				messages = append(messages, ToolResultMessage(callID, name, resultString(raw)))
			}
			// Unmatched calls stay parked for a later tool_result.
			if len(p.Results) < len(pending) {
				pendingBase += len(p.Results)
				pending = pending[len(p.Results):]
			} else {
				pending = nil
				pendingBase = 0
			}

		case KindAnchor, KindEvent:
			// retained in the log, invisible to the model
		}
	}
	return messages
}

// resultString renders one tool result value: JSON strings pass through
// unquoted, everything else keeps its JSON encoding.
func resultString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
