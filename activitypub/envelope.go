package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/deemkeen/agora/domain"
)

// Field is a top level member the envelope does not interpret.
type Field struct {
	Name  string
	Value json.RawMessage
}

// Envelope is the outer shape of every activity. Known members are decoded,
// everything else is kept in Extra in wire order and written back verbatim.
type Envelope struct {
	Context json.RawMessage
	ID      string
	Type    VerbKind
	RawType string
	Actor   string
	Object  ObjectRef
	To      Addresses
	Cc      Addresses
	Extra   []Field

	// wire forms of type and actor when they were not plain strings
	typeRaw  json.RawMessage
	actorRaw json.RawMessage
}

// ObjectRef is either a bare identifier or an inline object.
type ObjectRef struct {
	IRI string
	Raw json.RawMessage
}

// Inline reports whether the object was embedded.
func (o ObjectRef) Inline() bool {
	return len(o.Raw) > 0
}

// ID returns the identifier of the referenced object.
func (o ObjectRef) ID() string {
	if !o.Inline() {
		return o.IRI
	}
	var head struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(o.Raw, &head)
	return head.ID
}

// Type returns the wire type of an inline object, or "".
func (o ObjectRef) Type() string {
	if !o.Inline() {
		return ""
	}
	var head struct {
		Type json.RawMessage `json:"type"`
	}
	_ = json.Unmarshal(o.Raw, &head)
	return firstString(head.Type)
}

func (o ObjectRef) MarshalJSON() ([]byte, error) {
	if o.Inline() {
		return o.Raw, nil
	}
	return json.Marshal(o.IRI)
}

func (o *ObjectRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &o.IRI)
	}
	if len(data) > 0 && data[0] == '{' {
		o.Raw = append(json.RawMessage(nil), data...)
		return nil
	}
	return fmt.Errorf("object must be a string or an object")
}

// Addresses accepts a single identifier or a list on the wire.
type Addresses []string

func (a *Addresses) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Addresses{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*a = list
	return nil
}

// Contains reports whether iri is addressed.
func (a Addresses) Contains(iri string) bool {
	for _, s := range a {
		if s == iri {
			return true
		}
	}
	return false
}

// ParseEnvelope decodes an activity document.
func ParseEnvelope(data []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, domain.Wrap(domain.CodeMalformed, "", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, domain.Errorf(domain.CodeMalformed, "", "activity must be a JSON object")
	}

	env := &Envelope{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, domain.Wrap(domain.CodeMalformed, "", err)
		}
		key := tok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, domain.Wrap(domain.CodeMalformed, "", err)
		}

		if err := env.set(key, raw); err != nil {
			return nil, domain.Errorf(domain.CodeMalformed, env.ID, "field %q: %v", key, err)
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, domain.Wrap(domain.CodeMalformed, env.ID, err)
	}

	if err := env.validate(); err != nil {
		return nil, err
	}
	return env, nil
}

func (e *Envelope) set(key string, raw json.RawMessage) error {
	switch key {
	case "@context":
		e.Context = raw
	case "id":
		return json.Unmarshal(raw, &e.ID)
	case "type":
		e.RawType = firstString(raw)
		e.Type = ParseVerb(e.RawType)
		if !isString(raw) {
			e.typeRaw = raw
		}
	case "actor":
		e.Actor = idOf(raw)
		if !isString(raw) {
			e.actorRaw = raw
		}
	case "object":
		return json.Unmarshal(raw, &e.Object)
	case "to":
		return json.Unmarshal(raw, &e.To)
	case "cc":
		return json.Unmarshal(raw, &e.Cc)
	default:
		e.Extra = append(e.Extra, Field{Name: key, Value: raw})
	}
	return nil
}

func (e *Envelope) validate() error {
	if e.ID == "" {
		return domain.Errorf(domain.CodeMalformed, "", "activity has no id")
	}
	if e.RawType == "" {
		return domain.Errorf(domain.CodeMalformed, e.ID, "activity has no type")
	}
	if e.Actor == "" {
		return domain.Errorf(domain.CodeMalformed, e.ID, "activity has no actor")
	}
	if e.Object.IRI == "" && !e.Object.Inline() {
		return domain.Errorf(domain.CodeMalformed, e.ID, "activity has no object")
	}
	if !sameHost(e.ID, e.Actor) {
		return domain.Errorf(domain.CodeMalformed, e.ID, "activity id is not on the actor's host")
	}
	return nil
}

// Field returns the raw value of an extension member.
func (e *Envelope) Field(name string) (json.RawMessage, bool) {
	for _, f := range e.Extra {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Addressed reports whether iri appears in to or cc.
func (e *Envelope) Addressed(iri string) bool {
	return e.To.Contains(iri) || e.Cc.Contains(iri)
}

// Recipients returns to and cc in order.
func (e *Envelope) Recipients() []string {
	out := make([]string, 0, len(e.To)+len(e.Cc))
	out = append(out, e.To...)
	return append(out, e.Cc...)
}

// MarshalJSON writes known members first, then extensions in their original
// order and bytes.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	write := func(name string, value []byte) {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		k, _ := json.Marshal(name)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(value)
	}
	str := func(s string) []byte {
		b, _ := json.Marshal(s)
		return b
	}

	if len(e.Context) > 0 {
		write("@context", e.Context)
	} else {
		write("@context", str(ActivityStreamsContext))
	}
	write("id", str(e.ID))
	typ := e.RawType
	if typ == "" {
		typ = string(e.Type)
	}
	if len(e.typeRaw) > 0 && firstString(e.typeRaw) == typ {
		write("type", e.typeRaw)
	} else {
		write("type", str(typ))
	}
	if len(e.actorRaw) > 0 && idOf(e.actorRaw) == e.Actor {
		write("actor", e.actorRaw)
	} else {
		write("actor", str(e.Actor))
	}
	obj, err := e.Object.MarshalJSON()
	if err != nil {
		return nil, err
	}
	write("object", obj)
	if len(e.To) > 0 {
		b, _ := json.Marshal([]string(e.To))
		write("to", b)
	}
	if len(e.Cc) > 0 {
		b, _ := json.Marshal([]string(e.Cc))
		write("cc", b)
	}
	for _, f := range e.Extra {
		write(f.Name, f.Value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// idOf accepts an identifier or an object carrying one.
func idOf(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		_ = json.Unmarshal(raw, &s)
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &obj)
	return obj.ID
}

func isString(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '"'
}

// firstString reads a string or the first string of a list.
func firstString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}

func hostOf(iri string) string {
	u, err := url.Parse(iri)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return ""
	}
	return strings.ToLower(u.Host)
}

func sameHost(a, b string) bool {
	ha := hostOf(a)
	return ha != "" && ha == hostOf(b)
}
