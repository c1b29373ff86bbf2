package email

import "strings"

// Header is a single metadata entry.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered list of metadata entries. Name lookups are
// case-insensitive; insertion order is kept because it is forwarded as is.
type Headers []Header

// Get returns the value of the first entry named name, or "".
func (h Headers) Get(name string) string {
	v, _ := h.Lookup(name)
	return v
}

// Lookup returns the value of the first entry named name and whether one exists.
func (h Headers) Lookup(name string) (string, bool) {
	for _, e := range h {
		if strings.EqualFold(e.Name, name) {
			return e.Value, true
		}
	}
	return "", false
}

// Add appends an entry without touching existing ones.
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Set replaces the first entry named name in place and drops any later
// duplicates. If there is none, the entry is appended.
func (h *Headers) Set(name, value string) {
	out := (*h)[:0]
	found := false
	for _, e := range *h {
		if strings.EqualFold(e.Name, name) {
			if found {
				continue
			}
			e.Value = value
			found = true
		}
		out = append(out, e)
	}
	if !found {
		out = append(out, Header{Name: name, Value: value})
	}
	*h = out
}

// Del removes every entry named name.
func (h *Headers) Del(name string) {
	out := (*h)[:0]
	for _, e := range *h {
		if !strings.EqualFold(e.Name, name) {
			out = append(out, e)
		}
	}
	*h = out
}
