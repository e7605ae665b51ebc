package gemini

import (
	"strings"

	"github.com/square-key-labs/strawgo-avatar/src/frames"
	"google.golang.org/genai"
)

// translation is what one server message means for the conversation
type translation struct {
	Frames []frames.Frame

	// Audio holds reply PCM chunks in arrival order
	Audio [][]byte

	SetupComplete bool
	// TurnComplete is set when the model finished generating a reply
	TurnComplete bool
	// Interrupted is set when the user barged in on the reply
	Interrupted bool
}

// turnAssembler joins streamed transcription chunks into final transcripts.
// Input transcription rarely carries Finished, so the user's transcript is
// also finalized as soon as the model starts answering.
type turnAssembler struct {
	user  strings.Builder
	agent strings.Builder
}

func (a *turnAssembler) translate(msg *genai.LiveServerMessage) translation {
	var out translation
	if msg == nil {
		return out
	}

	if msg.SetupComplete != nil {
		out.SetupComplete = true
	}

	// Server side VAD does not say whose voice it heard
	if msg.VoiceActivity != nil {
		switch msg.VoiceActivity.VoiceActivityType {
		case genai.VoiceActivityTypeActivityStart:
			out.Frames = append(out.Frames, frames.NewSpeechStartedFrame(frames.RoleUnknown))
		case genai.VoiceActivityTypeActivityEnd:
			out.Frames = append(out.Frames, frames.NewSpeechStoppedFrame(frames.RoleUnknown))
		}
	}

	sc := msg.ServerContent
	if sc == nil {
		return out
	}

	if t := sc.InputTranscription; t != nil {
		a.user.WriteString(t.Text)
		if t.Finished {
			out.Frames = a.flushUser(out.Frames)
		}
	}

	modelSpoke := sc.OutputTranscription != nil || (sc.ModelTurn != nil && len(sc.ModelTurn.Parts) > 0)
	if modelSpoke {
		out.Frames = a.flushUser(out.Frames)
	}

	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if strings.HasPrefix(part.InlineData.MIMEType, "audio/") || part.InlineData.MIMEType == "" {
				out.Audio = append(out.Audio, part.InlineData.Data)
			}
		}
	}

	if t := sc.OutputTranscription; t != nil {
		a.agent.WriteString(t.Text)
		if t.Finished {
			out.Frames = a.flushAgent(out.Frames)
		}
	}

	if sc.Interrupted {
		out.Frames = a.flushAgent(out.Frames)
		out.Interrupted = true
	}

	if sc.TurnComplete {
		out.Frames = a.flushUser(out.Frames)
		out.Frames = a.flushAgent(out.Frames)
		out.TurnComplete = true
	}

	return out
}

func (a *turnAssembler) flushUser(out []frames.Frame) []frames.Frame {
	return flush(&a.user, frames.RoleUser, out)
}

func (a *turnAssembler) flushAgent(out []frames.Frame) []frames.Frame {
	return flush(&a.agent, frames.RoleAgent, out)
}

func (a *turnAssembler) reset() {
	a.user.Reset()
	a.agent.Reset()
}

func flush(b *strings.Builder, role frames.Role, out []frames.Frame) []frames.Frame {
	text := strings.TrimSpace(b.String())
	b.Reset()
	if text == "" {
		return out
	}
	return append(out, frames.NewTranscriptionFrame(role, text, true))
}
