// Package channel defines the messages exchanged between the worker and page
// clients. Every frame is a JSON object whose "type" field selects the kind.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

type Kind string

const (
	// KindPushOpen asks the page to navigate to the document a notification
	// refers to.
	KindPushOpen Kind = "push.open"
	// KindFocus asks the page to bring its window to the front.
	KindFocus Kind = "client.focus"
	// KindHello is the first frame a page sends after connecting.
	KindHello Kind = "client.hello"
)

var (
	ErrUnknownKind = errors.New("channel: unknown message kind")
	ErrMalformed   = errors.New("channel: malformed message")
)

// AppRoot is where clients land when a message carries no document.
const AppRoot = "/app"

// Message is implemented by PushOpen, Focus and Hello only.
type Message interface {
	Kind() Kind
	isMessage()
}

type PushOpen struct {
	ReferenceDoctype string `json:"reference_doctype,omitempty"`
	ReferenceName    string `json:"reference_name,omitempty"`
}

func (PushOpen) Kind() Kind { return KindPushOpen }
func (PushOpen) isMessage() {}

// HasReference reports whether both reference fields are set.
func (m PushOpen) HasReference() bool {
	return m.ReferenceDoctype != "" && m.ReferenceName != ""
}

// Path is the deep link of the referenced document, or AppRoot.
func (m PushOpen) Path() string {
	if !m.HasReference() {
		return AppRoot
	}
	return DocumentPath(m.ReferenceDoctype, m.ReferenceName)
}

type Focus struct{}

func (Focus) Kind() Kind { return KindFocus }
func (Focus) isMessage() {}

type Hello struct {
	URL        string `json:"url,omitempty"`
	Focusable  bool   `json:"focusable"`
	Visibility string `json:"visibility,omitempty"`
}

func (Hello) Kind() Kind { return KindHello }
func (Hello) isMessage() {}

// DocumentPath builds /app/<doctype slug>/<name>. The slug is the doctype
// lower-cased with spaces replaced by hyphens.
func DocumentPath(doctype, name string) string {
	return AppRoot + "/" + DoctypeSlug(doctype) + "/" + url.PathEscape(name)
}

func DoctypeSlug(doctype string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(doctype)), " ", "-")
}

// Encode renders m as a flat JSON object with its kind in "type".
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("channel: encode %s: %w", m.Kind(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("channel: encode %s: %w", m.Kind(), err)
	}
	fields["type"] = json.RawMessage(strconv.Quote(string(m.Kind())))
	return json.Marshal(fields)
}

// Decode parses a frame. Frames with an unrecognised or missing type return
// ErrUnknownKind; frames that are not JSON objects return ErrMalformed.
func Decode(b []byte) (Message, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		m   Message
		err error
	)
	switch head.Type {
	case KindPushOpen:
		var v PushOpen
		err = json.Unmarshal(b, &v)
		m = v
	case KindFocus:
		m = Focus{}
	case KindHello:
		var v Hello
		err = json.Unmarshal(b, &v)
		m = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}
