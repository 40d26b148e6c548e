package syncstore

import (
	"bytes"
	"errors"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/unkn0wn-root/syncstore/internal/util"
)

// Collections lists the ordered sub-collections every Record carries.
var Collections = []Resource{ResourceUpdates, ResourceMilestones, ResourceGallery, ResourceEvidence}

var errInvalidJSON = errors.New("body is not valid JSON")

var emptyObject = []byte("{}")

// Item is one raw JSON value returned by the API. The sync layer never
// interprets it beyond its "id" member.
type Item []byte

// ID returns the item's "id" member as a string ("" when absent).
func (it Item) ID() string { return gjson.GetBytes(it, "id").String() }

// Get looks up a gjson path inside the item.
func (it Item) Get(path string) gjson.Result { return gjson.GetBytes(it, path) }

func (it Item) String() string { return string(it) }

func (it Item) MarshalJSON() ([]byte, error) {
	if len(it) == 0 {
		return []byte("null"), nil
	}
	return it, nil
}

func (it *Item) UnmarshalJSON(b []byte) error {
	*it = append((*it)[:0], b...)
	return nil
}

// Merge overlays the top-level members of patch onto it. When either side is
// not a JSON object, patch replaces it.
func (it Item) Merge(patch Item) (Item, error) {
	p := gjson.ParseBytes(patch)
	if !p.IsObject() || !gjson.ParseBytes(it).IsObject() {
		return append(Item(nil), patch...), nil
	}
	out := append([]byte(nil), it...)
	var err error
	p.ForEach(func(k, v gjson.Result) bool {
		out, err = sjson.SetRawBytes(out, util.EscapePath(k.String()), []byte(v.Raw))
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return Item(out), nil
}

// Record is the normalized payload cached for one key. Sub-collections are
// never nil and keep the server-returned order.
type Record struct {
	Key string `json:"key" msgpack:"key"`
	// Fields holds the record's own top-level members (title, counts,
	// completion, ...) with metrics and sub-collections removed.
	Fields     Item   `json:"fields" msgpack:"fields"`
	Metrics    Item   `json:"metrics" msgpack:"metrics"`
	Updates    []Item `json:"updates" msgpack:"updates"`
	Milestones []Item `json:"milestones" msgpack:"milestones"`
	Gallery    []Item `json:"gallery" msgpack:"gallery"`
	Evidence   []Item `json:"evidence" msgpack:"evidence"`
}

// Normalize turns a raw record body into a Record. Missing or non-array
// sub-collections become empty; a missing or non-object metrics member becomes
// {}. An empty body yields an empty record. Invalid JSON is a *PayloadError.
func Normalize(key string, body []byte) (Record, error) {
	rec := Record{Key: key}
	if len(bytes.TrimSpace(body)) == 0 {
		rec.ensure()
		return rec, nil
	}
	if !gjson.ValidBytes(body) {
		return Record{}, &PayloadError{Key: key, Err: errInvalidJSON}
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		rec.ensure()
		return rec, nil
	}

	rec.Metrics = objectOrEmpty(root.Get("metrics"))
	fields, err := sjson.DeleteBytes([]byte(root.Raw), "metrics")
	if err != nil {
		return Record{}, &PayloadError{Key: key, Err: err}
	}
	for _, c := range Collections {
		*rec.slot(c) = itemsOf(root.Get(string(c)))
		if fields, err = sjson.DeleteBytes(fields, string(c)); err != nil {
			return Record{}, &PayloadError{Key: key, Err: err}
		}
	}
	rec.Fields = Item(fields)
	rec.ensure()
	return rec, nil
}

func objectOrEmpty(v gjson.Result) Item {
	if !v.IsObject() {
		return Item(append([]byte(nil), emptyObject...))
	}
	return Item(v.Raw)
}

func itemsOf(v gjson.Result) []Item {
	items := []Item{}
	if !v.IsArray() {
		return items
	}
	v.ForEach(func(_, e gjson.Result) bool {
		if e.Type != gjson.Null {
			items = append(items, Item(e.Raw))
		}
		return true
	})
	return items
}

// ensure restores the shape guarantees after decoding from a codec that
// collapses empty slices to nil.
func (r *Record) ensure() {
	if len(r.Fields) == 0 {
		r.Fields = Item(append([]byte(nil), emptyObject...))
	}
	if len(r.Metrics) == 0 {
		r.Metrics = Item(append([]byte(nil), emptyObject...))
	}
	for _, c := range Collections {
		if s := r.slot(c); *s == nil {
			*s = []Item{}
		}
	}
}

func (r *Record) slot(c Resource) *[]Item {
	switch c {
	case ResourceUpdates:
		return &r.Updates
	case ResourceMilestones:
		return &r.Milestones
	case ResourceGallery:
		return &r.Gallery
	case ResourceEvidence:
		return &r.Evidence
	}
	return nil
}

// Items returns the sub-collection c, or nil when c is not a collection.
func (r Record) Items(c Resource) []Item {
	if s := r.slot(c); s != nil {
		return *s
	}
	return nil
}

// Find returns the first item of c with the given id.
func (r Record) Find(c Resource, id string) (Item, bool) {
	for _, it := range r.Items(c) {
		if it.ID() == id {
			return it, true
		}
	}
	return nil, false
}

// Upsert merges item into the element of c sharing its id, or appends it.
func (r *Record) Upsert(c Resource, item Item) error {
	s := r.slot(c)
	if s == nil {
		return nil
	}
	id := item.ID()
	if id != "" {
		for i, cur := range *s {
			if cur.ID() != id {
				continue
			}
			merged, err := cur.Merge(item)
			if err != nil {
				return err
			}
			(*s)[i] = merged
			return nil
		}
	}
	*s = append(*s, item)
	return nil
}

// Remove drops every element of c with the given id and reports whether any
// was present.
func (r *Record) Remove(c Resource, id string) bool {
	s := r.slot(c)
	if s == nil {
		return false
	}
	kept := (*s)[:0]
	removed := false
	for _, it := range *s {
		if it.ID() == id {
			removed = true
			continue
		}
		kept = append(kept, it)
	}
	*s = kept
	return removed
}

// Payload rebuilds the server-shaped document: Fields plus metrics and the
// sub-collections. Normalize(key, r.Payload()) reproduces r.
func (r Record) Payload() ([]byte, error) {
	out := append([]byte(nil), r.Fields...)
	if !gjson.ValidBytes(out) || !gjson.ParseBytes(out).IsObject() {
		out = append([]byte(nil), emptyObject...)
	}
	var err error
	metrics := r.Metrics
	if len(metrics) == 0 {
		metrics = emptyObject
	}
	if out, err = sjson.SetRawBytes(out, "metrics", metrics); err != nil {
		return nil, err
	}
	for _, c := range Collections {
		if out, err = sjson.SetRawBytes(out, string(c), rawArray(r.Items(c))); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func rawArray(items []Item) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, it := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(it)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
