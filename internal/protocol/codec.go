package protocol

import (
	"encoding/json"
	"fmt"
)

// Document is the structured request/response tree that crosses the codec
// boundary. The wire format behind Codec is swappable; commands only care
// that the top-level status and named values round-trip.
type Document struct {
	// Name is the command or element name, e.g. "Sync" or "Add".
	Name string `json:"name"`

	// Status is the protocol-level status carried by this element. For
	// top-level response documents this is the value fed through the
	// status-to-event tables.
	Status int `json:"status,omitempty"`

	// Attrs holds named scalar values.
	Attrs map[string]string `json:"attrs,omitempty"`

	// Children holds nested elements in document order.
	Children []*Document `json:"children,omitempty"`
}

// NewDocument builds an empty element with the given name.
func NewDocument(name string) *Document {
	return &Document{Name: name, Attrs: make(map[string]string)}
}

// Set stores a named scalar value and returns the document for chaining.
func (d *Document) Set(key, val string) *Document {
	if d.Attrs == nil {
		d.Attrs = make(map[string]string)
	}
	d.Attrs[key] = val

	return d
}

// Attr returns the named scalar value, or "".
func (d *Document) Attr(key string) string {
	return d.Attrs[key]
}

// Add appends a child element and returns the child.
func (d *Document) Add(child *Document) *Document {
	d.Children = append(d.Children, child)

	return child
}

// Child returns the first child with the given name, or nil.
func (d *Document) Child(name string) *Document {
	for _, c := range d.Children {
		if c.Name == name {
			return c
		}
	}

	return nil
}

// ChildrenNamed returns all children with the given name.
func (d *Document) ChildrenNamed(name string) []*Document {
	var out []*Document
	for _, c := range d.Children {
		if c.Name == name {
			out = append(out, c)
		}
	}

	return out
}

// Codec serializes documents to and from wire bytes. The engine treats this
// as an opaque boundary; the production deployment can swap in a binary
// codec without touching command logic.
type Codec interface {
	// ContentType is the MIME type the codec produces; the runner uses
	// it to recognize structured response bodies.
	ContentType() string

	Encode(doc *Document) ([]byte, error)
	Decode(data []byte) (*Document, error)
}

// JSONCodec is the default Codec, serializing documents as JSON.
type JSONCodec struct{}

// ContentType implements Codec.
func (JSONCodec) ContentType() string {
	return "application/vnd.mailsync+json"
}

// Encode implements Codec.
func (JSONCodec) Encode(doc *Document) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}

	return data, nil
}

// Decode implements Codec.
func (JSONCodec) Decode(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	return &doc, nil
}
