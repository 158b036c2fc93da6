package toolexecutor

import "encoding/json"

// AttachmentInput is a binary artifact produced by a tool. The orchestrator
// persists it and only a reference reaches the conversation log.
type AttachmentInput struct {
	MimeType string
	Data     []byte
	Filename string
}

// Output is what a handler returns on success.
type Output struct {
	Value       interface{}
	Attachments []AttachmentInput
}

// Result is the outcome of one dispatch: either Success or Failure.
type Result interface {
	isResult()
}

// Success carries the handler output.
type Success struct {
	Value       interface{}
	Attachments []AttachmentInput
}

// Failure carries a classified error.
type Failure struct {
	Kind    ErrorKind
	Message string
}

func (Success) isResult() {}
func (Failure) isResult() {}

type failurePayload struct {
	Error failureBody `json:"error"`
}

type failureBody struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// JSON renders the failure as the tool message body {"error":{"kind","message"}}.
func (f Failure) JSON() string {
	data, _ := json.Marshal(failurePayload{Error: failureBody{Kind: f.Kind, Message: f.Message}})
	return string(data)
}
