package generate

import (
	"fmt"
	"strings"
)

const replySystemPrompt = `You are the messaging assistant of a dental clinic. ` +
	`Answer the patient's last message helpfully and briefly. ` +
	`Reply with a single short message in the patient's language. ` +
	`No placeholders, no lists, no signatures.`

// BuildMessages renders the chat messages for one generation request.
// Follow-up prompts are policy aware: cold follow-ups must not ask the
// patient anything, warm/hot may ask at most one question, and the step
// number is included so consecutive follow-ups do not repeat phrasing.
func BuildMessages(req Request) (system, user string) {
	if req.Kind != "followup" {
		user := req.UserText
		if req.LastIntent != "" {
			user = fmt.Sprintf("Known interest of the patient: %s\n\nPatient: %s", req.LastIntent, req.UserText)
		}
		return replySystemPrompt, user
	}

	var b strings.Builder
	b.WriteString("You are the messaging assistant of a dental clinic writing follow-up number ")
	fmt.Fprintf(&b, "%d to a patient who stopped replying.\n", req.Step)
	b.WriteString("Write a single short message in the patient's language. ")
	b.WriteString("No placeholders, no boilerplate, and do not reuse phrasing a previous follow-up would plausibly have used.\n")
	switch req.Policy {
	case "cold":
		b.WriteString("Tone: low pressure. Do NOT ask the patient any question. No question marks at all.")
	case "hot":
		b.WriteString("Tone: direct and warm, the patient was close to booking. You may ask at most one concrete question.")
	default: // warm
		b.WriteString("Tone: friendly. You may ask at most one soft question.")
	}
	system = b.String()

	if req.LastIntent != "" {
		user = fmt.Sprintf("The patient previously asked about: %s", req.LastIntent)
	} else {
		user = "There is no recorded topic; keep the message generic but personal."
	}
	return system, user
}

// CheckPolicy enforces the question-density rule on generated text
// before it is sent. Spanish wraps a question in both marks, so the
// counts are not additive: one question is max(¿, ?), not the sum.
func CheckPolicy(policy, text string) error {
	questions := strings.Count(text, "?")
	if n := strings.Count(text, "¿"); n > questions {
		questions = n
	}
	switch policy {
	case "cold":
		if questions > 0 {
			return fmt.Errorf("cold follow-up contains %d question(s)", questions)
		}
	case "warm", "hot":
		if questions > 1 {
			return fmt.Errorf("%s follow-up contains %d questions, at most one allowed", policy, questions)
		}
	}
	return nil
}
