package provider

import (
	"sort"
	"strings"

	"llm-gateway/internal/models"
)

type choiceState struct {
	content   strings.Builder
	toolCalls []models.ToolCall
	function  *models.FunctionCall
	finish    *models.FinishReason
}

// Accumulate drains a stream into a complete response. Content deltas are
// concatenated per choice, tool-call arguments are merged by index, and the
// last finish reason and usage win.
func Accumulate(s *ChunkStream) (*models.ChatCompletion, error) {
	out := &models.ChatCompletion{Object: models.ObjectChatCompletion}
	choices := map[int]*choiceState{}

	for chunk, err := range s.All() {
		if err != nil {
			return nil, err
		}
		if out.ID == "" {
			out.ID = chunk.ID
			out.Created = chunk.Created
		}
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Usage != nil {
			out.Usage = *chunk.Usage
		}
		for _, c := range chunk.Choices {
			st, ok := choices[c.Index]
			if !ok {
				st = &choiceState{}
				choices[c.Index] = st
			}
			st.content.WriteString(c.Delta.Content)
			st.toolCalls = mergeToolCalls(st.toolCalls, c.Delta.ToolCalls)
			if fc := c.Delta.FunctionCall; fc != nil {
				if st.function == nil {
					st.function = &models.FunctionCall{}
				}
				if fc.Name != "" {
					st.function.Name = fc.Name
				}
				st.function.Arguments += fc.Arguments
			}
			if c.FinishReason != nil {
				st.finish = c.FinishReason
			}
		}
	}

	indexes := make([]int, 0, len(choices))
	for idx := range choices {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	for _, idx := range indexes {
		st := choices[idx]
		finish := models.FinishStop
		if st.finish != nil {
			finish = *st.finish
		}
		msg := models.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   st.content.String(),
			ToolCalls: st.toolCalls,
		}
		if st.function != nil {
			msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{Type: "function", Function: *st.function})
		}
		out.Choices = append(out.Choices, models.Choice{Index: idx, Message: msg, FinishReason: finish})
	}
	if len(out.Choices) == 0 {
		out.Choices = []models.Choice{{
			Message:      models.ChatMessage{Role: models.RoleAssistant},
			FinishReason: models.FinishStop,
		}}
	}
	return out, nil
}

func mergeToolCalls(acc, deltas []models.ToolCall) []models.ToolCall {
	for _, d := range deltas {
		pos := -1
		if d.Index != nil {
			for i := range acc {
				if acc[i].Index != nil && *acc[i].Index == *d.Index {
					pos = i
					break
				}
			}
		}
		if pos < 0 {
			acc = append(acc, d)
			continue
		}
		if d.ID != "" {
			acc[pos].ID = d.ID
		}
		if d.Type != "" {
			acc[pos].Type = d.Type
		}
		if d.Function.Name != "" {
			acc[pos].Function.Name = d.Function.Name
		}
		acc[pos].Function.Arguments += d.Function.Arguments
	}
	return acc
}
