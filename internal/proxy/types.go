package proxy

import (
	"errors"
	"fmt"

	"github.com/ferrants/ChaasKit-sub001/internal/principal"
)

// FailureKind classifies a failed call for the caller.
type FailureKind string

const (
	// FailureNeedsAuthorization means the principal must sign in, pick a
	// team, or configure a credential for the server.
	FailureNeedsAuthorization FailureKind = "needs_authorization"
	// FailureNotConfigured means the server is unknown, disabled, or lacks
	// operator configuration.
	FailureNotConfigured FailureKind = "not_configured"
	// FailureTransport means the server could not be reached or dropped the
	// session.
	FailureTransport FailureKind = "transport"
	// FailureTimeout means the call exceeded its deadline.
	FailureTimeout FailureKind = "timeout"
	// FailureTool means the tool ran and reported an error.
	FailureTool FailureKind = "tool"
)

// ErrAuthenticationRequired is reported when a user-scoped server is called
// without an authenticated user.
var ErrAuthenticationRequired = principal.ErrUnauthenticated

// Content item types.
const (
	ContentText         = "text"
	ContentImage        = "image"
	ContentAudio        = "audio"
	ContentResource     = "resource"
	ContentResourceLink = "resource_link"
)

// ContentItem is one transport-neutral content block of a tool result. Its
// JSON form matches the protocol's content blocks.
type ContentItem struct {
	Type        string           `json:"type"`
	Text        string           `json:"text,omitempty"`
	Data        string           `json:"data,omitempty"`
	MIMEType    string           `json:"mimeType,omitempty"`
	URI         string           `json:"uri,omitempty"`
	Name        string           `json:"name,omitempty"`
	Description string           `json:"description,omitempty"`
	Resource    *ResourceContent `json:"resource,omitempty"`
}

// ResourceContent is the body of an embedded or read resource. Exactly one
// of Text and Blob is set.
type ResourceContent struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ToolResult is the outcome of a proxied tool call. Failed calls carry
// IsError, a single text item describing the failure and a Failure kind.
type ToolResult struct {
	Content           []ContentItem `json:"content"`
	StructuredContent interface{}   `json:"structuredContent,omitempty"`
	IsError           bool          `json:"isError,omitempty"`
	Failure           FailureKind   `json:"failure,omitempty"`
}

// ResourceResult is the outcome of a proxied resource read.
type ResourceResult struct {
	Contents []ResourceContent `json:"contents"`
}

// Failure is the error returned by ReadResource.
type Failure struct {
	Kind     FailureKind
	ServerID string
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s (server %s): %v", f.Kind, f.ServerID, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// FailureKindOf returns the kind of a *Failure in err's chain, or the empty
// string.
func FailureKindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

func failureResult(kind FailureKind, message string) *ToolResult {
	return &ToolResult{
		Content: []ContentItem{{Type: ContentText, Text: message}},
		IsError: true,
		Failure: kind,
	}
}
