package orchestrator

import (
	"fmt"
	"strings"

	"github.com/harunnryd/voxpoll/pkg/dialogue"
	"github.com/harunnryd/voxpoll/pkg/llm"
)

const systemPromptTemplate = `You are a professional phone survey agent conducting a brief 3-question survey. Your role is to:

1. Follow the survey script exactly as provided
2. Be polite, professional, and concise
3. Capture answers accurately
4. Handle requests to repeat and clarifications
5. Never discuss topics outside the survey scope

SURVEY CONTEXT:
- Campaign: %s
- Language: %s
- Current Phase: %s

INTRO SCRIPT (use for consent):
%s

SURVEY QUESTIONS:
1. %s (Type: %s)
2. %s (Type: %s)
3. %s (Type: %s)

COLLECTED ANSWERS SO FAR:
%s

INSTRUCTIONS:
- For CONSENT phase: ask for consent using the intro script. Detect "yes"/"no" intent clearly.
- For QUESTION phases: ask the current question naturally, acknowledge answers briefly.
- If the respondent asks to repeat, re-ask the current question.
- If the answer is unclear, ask for clarification once.
- Keep responses brief and natural for phone conversation.

RESPONSE FORMAT:
Respond with your spoken text only. Do not include stage directions or metadata.
After your response, on a new line starting with "SIGNAL:", indicate one of:
- CONSENT_ACCEPTED (if user agreed to participate)
- CONSENT_REFUSED (if user declined)
- ANSWER_CAPTURED:<answer> (if you captured an answer, include the answer after colon)
- REPEAT_QUESTION (if user asked to repeat)
- UNCLEAR_RESPONSE (if you need clarification)
- OFF_TOPIC (if the user talked about something unrelated to the survey)
- SURVEY_COMPLETE (after capturing the final answer)

PROHIBITED TOPICS:
- Political opinions or discussions
- Religious topics
- Personal advice`

func phaseDescription(p dialogue.Phase) string {
	switch p {
	case dialogue.PhaseIntro, dialogue.PhaseConsentRequest, dialogue.PhaseConsentProcessing:
		return "CONSENT - Requesting participation consent"
	case dialogue.PhaseQuestion1:
		return "QUESTION 1 - First survey question"
	case dialogue.PhaseQuestion2:
		return "QUESTION 2 - Second survey question"
	case dialogue.PhaseQuestion3:
		return "QUESTION 3 - Final survey question"
	}
	return "COMPLETION - Survey complete"
}

func formatAnswers(answers []string) string {
	if len(answers) == 0 {
		return "None yet"
	}
	lines := make([]string, len(answers))
	for i, a := range answers {
		lines[i] = fmt.Sprintf("Q%d: %s", i+1, a)
	}
	return strings.Join(lines, "\n")
}

// SystemPrompt renders the survey agent prompt for the given phase.
func SystemPrompt(cc dialogue.CallContext, phase dialogue.Phase, answers []string) string {
	lang := strings.ToUpper(cc.Language)
	if lang == "" {
		lang = "EN"
	}
	q := cc.Questions
	return fmt.Sprintf(systemPromptTemplate,
		cc.CampaignName, lang, phaseDescription(phase),
		cc.IntroScript,
		q[0].Text, q[0].Type,
		q[1].Text, q[1].Type,
		q[2].Text, q[2].Type,
		formatAnswers(answers),
	)
}

// history converts the bounded transcript into chat messages.
func history(st dialogue.State) []llm.Message {
	msgs := make([]llm.Message, 0, len(st.Transcript)+1)
	for _, e := range st.Transcript {
		role := llm.RoleUser
		if e.Role == roleAgent {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: e.Text})
	}
	return msgs
}

func introInstruction(cc dialogue.CallContext) string {
	return "The call was just answered. Greet the respondent, deliver the intro script and ask for consent to take part. " +
		"Do not emit a SIGNAL line.\nIntro script: " + cc.IntroScript
}

func questionInstruction(n int, q dialogue.Question, repeat bool) string {
	verb := "Ask"
	if repeat {
		verb = "The respondent asked you to repeat. Ask again"
	}
	return fmt.Sprintf("%s question %d now, phrased naturally and without changing its meaning. Do not emit a SIGNAL line.\nQuestion %d (%s): %s",
		verb, n, n, q.Type, q.Text)
}
