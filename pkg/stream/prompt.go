package stream

import (
	"fmt"
	"strings"

	"conductor/pkg/proto"
)

// PromptMessage is one provider-ready conversation entry: strictly
// alternating user/assistant roles with flattened text content.
type PromptMessage struct {
	Role    proto.Role
	Content string
}

// BuildPrompt prepares persisted history for a provider API call:
// system-role messages are extracted into the system prompt (joined with the
// request instructions), consecutive non-assistant messages are merged into
// single user entries, and the sequence must end with a user message.
// Providers reject histories violating strict user/assistant alternation, so
// this is done here rather than per client.
func BuildPrompt(history []*proto.Message, instructions string) (string, []PromptMessage, error) {
	if len(history) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}

	var systemParts []string
	if instructions != "" {
		systemParts = append(systemParts, instructions)
	}

	var merged []PromptMessage
	var userParts []string

	flushUser := func() {
		if len(userParts) > 0 {
			merged = append(merged, PromptMessage{
				Role:    proto.RoleUser,
				Content: strings.Join(userParts, "\n\n"),
			})
			userParts = nil
		}
	}

	for _, msg := range history {
		content := flatten(msg)
		switch msg.Role {
		case proto.RoleSystem:
			systemParts = append(systemParts, content)
		case proto.RoleAssistant:
			if strings.TrimSpace(content) == "" {
				continue
			}
			flushUser()
			merged = append(merged, PromptMessage{Role: proto.RoleAssistant, Content: content})
		default:
			if strings.TrimSpace(content) == "" {
				continue
			}
			userParts = append(userParts, content)
		}
	}
	flushUser()

	if len(merged) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system message")
	}
	if merged[0].Role != proto.RoleUser {
		// A leading assistant message has nothing to answer; drop it.
		merged = merged[1:]
		if len(merged) == 0 {
			return "", nil, fmt.Errorf("history contains no user content")
		}
	}
	if merged[len(merged)-1].Role != proto.RoleUser {
		return "", nil, fmt.Errorf("last message must be user role, got %s", merged[len(merged)-1].Role)
	}

	return strings.Join(systemParts, "\n\n"), merged, nil
}

// flatten renders a message's parts as plain text.
func flatten(msg *proto.Message) string {
	var sb strings.Builder
	for _, part := range msg.Parts {
		switch part.Type {
		case proto.PartText:
			sb.WriteString(part.Text)
		case proto.PartAttachment:
			if part.Attachment != nil {
				fmt.Fprintf(&sb, "\n[attachment: %s, %d bytes]", part.Attachment.Name, part.Attachment.Size)
			}
		case proto.PartToolResult:
			if part.ToolOutput != "" {
				fmt.Fprintf(&sb, "\n[tool %s result]\n%s", part.ToolName, part.ToolOutput)
			}
		case proto.PartToolCall:
			if part.ToolName != "" {
				fmt.Fprintf(&sb, "\n[tool call: %s]", part.ToolName)
			}
		}
	}
	return sb.String()
}
