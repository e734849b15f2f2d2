package inference

import "strings"

// Role is the author of a history message. The completions server only knows
// the Gemma roles; assistant and model are the same speaker.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleModel     Role = "model"
)

// Message is one entry of the conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// templateRole maps r to the role name used inside the chat template.
// Unknown roles are treated as the user speaking.
func (r Role) templateRole() string {
	switch Role(strings.ToLower(string(r))) {
	case RoleSystem:
		return "system"
	case RoleAssistant, RoleModel:
		return "model"
	default:
		return "user"
	}
}

// Gemma chat template markers.
const (
	startOfTurn = "<start_of_turn>"
	endOfTurn   = "<end_of_turn>"
)

// FormatPrompt renders a conversation with the Gemma chat template and leaves
// the model turn open. A prompt that is already templated is returned as is.
func FormatPrompt(system string, history []Message, prompt string) string {
	if strings.Contains(prompt, startOfTurn) {
		return prompt
	}

	var b strings.Builder
	if system = strings.TrimSpace(system); system != "" {
		writeTurn(&b, "system", system)
	}
	for _, msg := range history {
		writeTurn(&b, msg.Role.templateRole(), msg.Content)
	}
	writeTurn(&b, "user", prompt)
	b.WriteString(startOfTurn)
	b.WriteString("model\n")
	return b.String()
}

func writeTurn(b *strings.Builder, role, text string) {
	b.WriteString(startOfTurn)
	b.WriteString(role)
	b.WriteByte('\n')
	b.WriteString(text)
	b.WriteString(endOfTurn)
	b.WriteByte('\n')
}

// stopSequences returns stop with the end-of-turn marker guaranteed present.
func stopSequences(stop []string) []string {
	out := make([]string, 0, len(stop)+1)
	out = append(out, endOfTurn)
	for _, s := range stop {
		if s != "" && s != endOfTurn {
			out = append(out, s)
		}
	}
	return out
}
