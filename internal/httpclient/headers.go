package httpclient

import "strings"

// HeaderField is one header with the case of its first assignment.
type HeaderField struct {
	Name   string
	Values []string
}

// Header is a case-insensitive table that preserves the original case
// of the first assignment of each field. Writes through any case alias
// land in the same slot.
type Header struct {
	slots map[string]*HeaderField
	order []string
}

func NewHeader() *Header {
	return &Header{slots: make(map[string]*HeaderField)}
}

func (h *Header) slot(name string) (*HeaderField, string) {
	key := strings.ToLower(name)
	return h.slots[key], key
}

// Get returns the most recently written value for the field, through
// any case.
func (h *Header) Get(name string) string {
	f, _ := h.slot(name)
	if f == nil || len(f.Values) == 0 {
		return ""
	}
	return f.Values[len(f.Values)-1]
}

func (h *Header) Has(name string) bool {
	f, _ := h.slot(name)
	return f != nil
}

func (h *Header) Values(name string) []string {
	f, _ := h.slot(name)
	if f == nil {
		return nil
	}
	return f.Values
}

// Set replaces the field's values. The stored name keeps the case of
// the first assignment.
func (h *Header) Set(name, value string) {
	f, key := h.slot(name)
	if f == nil {
		h.slots[key] = &HeaderField{Name: name, Values: []string{value}}
		h.order = append(h.order, key)
		return
	}
	f.Values = f.Values[:0]
	f.Values = append(f.Values, value)
}

// Add appends a value, turning the field multi-valued in order of
// arrival.
func (h *Header) Add(name, value string) {
	f, key := h.slot(name)
	if f == nil {
		h.slots[key] = &HeaderField{Name: name, Values: []string{value}}
		h.order = append(h.order, key)
		return
	}
	f.Values = append(f.Values, value)
}

func (h *Header) Del(name string) {
	_, key := h.slot(name)
	if _, ok := h.slots[key]; !ok {
		return
	}
	delete(h.slots, key)
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Fields yields the table in first-assignment order with original
// casing.
func (h *Header) Fields() []HeaderField {
	out := make([]HeaderField, 0, len(h.order))
	for _, key := range h.order {
		f := h.slots[key]
		out = append(out, HeaderField{Name: f.Name, Values: append([]string(nil), f.Values...)})
	}
	return out
}

func (h *Header) Len() int {
	return len(h.order)
}

func (h *Header) Clone() *Header {
	out := NewHeader()
	for _, f := range h.Fields() {
		for _, v := range f.Values {
			out.Add(f.Name, v)
		}
	}
	return out
}

// MergeMissing copies fields from other that are not already present.
// Used for the trailer fallback view: trailer values become visible
// through normal lookup without overwriting existing names.
func (h *Header) MergeMissing(other *Header) {
	if other == nil {
		return
	}
	for _, f := range other.Fields() {
		if h.Has(f.Name) {
			continue
		}
		for _, v := range f.Values {
			h.Add(f.Name, v)
		}
	}
}
