package chat

// Reduce folds one inbound event into the transcript and returns the result.
//
// The input transcript is never modified. Turns that are not touched by the
// event are shared between the input and the output; a turn that receives a new
// block gets a fresh content slice.
func Reduce(t Transcript, ev InboundEvent) Transcript {
	switch ev.Type {
	case EventContent:
		if ev.Block == nil {
			return t
		}
		if last, ok := t.Last(); ok && last.Role == RoleAssistant {
			content := make([]ContentBlock, len(last.Content), len(last.Content)+1)
			copy(content, last.Content)
			content = append(content, *ev.Block)

			out := make(Transcript, len(t))
			copy(out, t)
			out[len(out)-1] = Turn{Role: RoleAssistant, Content: content}
			return out
		}
		return t.Append(Turn{Role: RoleAssistant, Content: []ContentBlock{*ev.Block}})

	case EventToolResult:
		if ev.Block == nil {
			return t
		}
		return t.Append(Turn{Role: RoleUser, Content: []ContentBlock{*ev.Block}})
	}
	// api_response, complete, error and unknown kinds leave the transcript alone
	return t
}

func ReduceAll(t Transcript, evs ...InboundEvent) Transcript {
	for _, ev := range evs {
		t = Reduce(t, ev)
	}
	return t
}
