package toolexecutor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// FrontendTool is a tool rendered and executed by the client, declared per
// request as an MCP tool descriptor.
type FrontendTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// FrontendToolFromMCP converts an MCP tool descriptor.
func FrontendToolFromMCP(t mcp.Tool) FrontendTool {
	schema := map[string]interface{}{"type": "object"}
	if raw, err := json.Marshal(t.InputSchema); err == nil {
		var decoded map[string]interface{}
		if json.Unmarshal(raw, &decoded) == nil && len(decoded) > 0 {
			schema = decoded
		}
	}
	return FrontendTool{Name: t.Name, Description: t.Description, InputSchema: schema}
}

// Definition returns a handler-less definition advertised to the model.
func (f FrontendTool) Definition() ToolDefinition {
	schema := f.InputSchema
	if schema == nil {
		schema = map[string]interface{}{"type": "object"}
	}
	return ToolDefinition{Name: f.Name, Description: f.Description, Schema: schema}
}

// DecodeFrontendResult turns a client-produced result into a dispatch
// Result. MCP CallToolResult payloads ({"content":[...]}) are decoded with
// image and audio blocks becoming attachments; any other JSON value is
// passed through as the tool output.
func DecodeFrontendResult(raw json.RawMessage) Result {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Success{Value: nil}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		var value interface{}
		if err := json.Unmarshal(raw, &value); err != nil {
			return Failure{Kind: KindInvalidArguments, Message: fmt.Sprintf("invalid client result: %v", err)}
		}
		return Success{Value: value}
	}

	if _, ok := fields["content"]; !ok {
		var value interface{}
		_ = json.Unmarshal(raw, &value)
		return Success{Value: value}
	}

	msg := raw
	result, err := mcp.ParseCallToolResult(&msg)
	if err != nil {
		return Failure{Kind: KindInvalidArguments, Message: fmt.Sprintf("invalid client result: %v", err)}
	}

	var texts []string
	var attachments []AttachmentInput
	for _, content := range result.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			texts = append(texts, c.Text)
		case mcp.ImageContent:
			data, err := base64.StdEncoding.DecodeString(c.Data)
			if err != nil {
				return Failure{Kind: KindInvalidArguments, Message: fmt.Sprintf("invalid image data: %v", err)}
			}
			attachments = append(attachments, AttachmentInput{MimeType: c.MIMEType, Data: data})
		case mcp.AudioContent:
			data, err := base64.StdEncoding.DecodeString(c.Data)
			if err != nil {
				return Failure{Kind: KindInvalidArguments, Message: fmt.Sprintf("invalid audio data: %v", err)}
			}
			attachments = append(attachments, AttachmentInput{MimeType: c.MIMEType, Data: data})
		case mcp.EmbeddedResource:
			if text, ok := c.Resource.(mcp.TextResourceContents); ok {
				if strings.EqualFold(text.MIMEType, "text/html") {
					attachments = append(attachments, AttachmentInput{MimeType: text.MIMEType, Data: []byte(text.Text)})
				} else {
					texts = append(texts, text.Text)
				}
			}
		}
	}

	text := strings.Join(texts, "\n")
	if result.IsError {
		if text == "" {
			text = "client tool reported an error"
		}
		return Failure{Kind: KindUnknown, Message: text}
	}

	var value interface{} = text
	if result.StructuredContent != nil {
		value = result.StructuredContent
	}
	return Success{Value: value, Attachments: attachments}
}
