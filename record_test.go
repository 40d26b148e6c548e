package syncstore

import (
	"errors"
	"testing"
)

func TestNormalizeShapes(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		updates int
		metrics string
		fields  string
	}{
		{"empty body", ``, 0, `{}`, `{}`},
		{"non-object root", `[1,2]`, 0, `{}`, `{}`},
		{"null collections", `{"updates":null,"metrics":null}`, 0, `{}`, `{}`},
		{"non-array collection", `{"updates":{"id":"u1"},"metrics":[1]}`, 0, `{}`, `{}`},
		{"nulls inside arrays are skipped", `{"updates":[null,{"id":"u1"},null]}`, 1, `{}`, `{}`},
		{"fields keep own members", `{"title":"T","metrics":{"a":1},"updates":[]}`, 0, `{"a":1}`, `{"title":"T"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := Normalize("k", []byte(tc.body))
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if r.Key != "k" {
				t.Fatalf("key = %q", r.Key)
			}
			for _, c := range Collections {
				if r.Items(c) == nil {
					t.Fatalf("collection %s is nil", c)
				}
			}
			if len(r.Updates) != tc.updates {
				t.Fatalf("updates = %v, want %d", r.Updates, tc.updates)
			}
			if string(r.Metrics) != tc.metrics {
				t.Fatalf("metrics = %s, want %s", r.Metrics, tc.metrics)
			}
			if string(r.Fields) != tc.fields {
				t.Fatalf("fields = %s, want %s", r.Fields, tc.fields)
			}
		})
	}
}

func TestNormalizeRejectsInvalidJSON(t *testing.T) {
	_, err := Normalize("alpha", []byte(`{"title":`))
	var pe *PayloadError
	if !errors.As(err, &pe) || pe.Key != "alpha" {
		t.Fatalf("expected PayloadError, got %v", err)
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	for _, doc := range []string{alphaDoc, `{}`, `{"updates":null}`, `{"title":"x","gallery":[{"id":"g1"}]}`} {
		once, err := Normalize("k", []byte(doc))
		if err != nil {
			t.Fatalf("Normalize(%s): %v", doc, err)
		}
		p1 := mustPayload(t, once)
		twice, err := Normalize("k", []byte(p1))
		if err != nil {
			t.Fatalf("Normalize(payload): %v", err)
		}
		if p2 := mustPayload(t, twice); p1 != p2 {
			t.Fatalf("not idempotent:\n once %s\ntwice %s", p1, p2)
		}
	}
}

func TestItemMerge(t *testing.T) {
	base := Item(`{"id":"m1","title":"Survey","completed":false}`)

	got, err := base.Merge(Item(`{"completed":true,"done.at":"2026-04-01"}`))
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !got.Get("completed").Bool() || got.Get("title").String() != "Survey" {
		t.Fatalf("merge = %s", got)
	}
	if got.Get(`done\.at`).String() != "2026-04-01" {
		t.Fatalf("dotted member not set literally: %s", got)
	}
	if string(base) != `{"id":"m1","title":"Survey","completed":false}` {
		t.Fatalf("Merge modified its receiver: %s", base)
	}

	replaced, _ := base.Merge(Item(`"gone"`))
	if string(replaced) != `"gone"` {
		t.Fatalf("non-object patch should replace, got %s", replaced)
	}
}

func TestRecordUpsertAndRemove(t *testing.T) {
	r, _ := Normalize("k", []byte(`{"evidence":[{"id":"e1"},{"id":"e2"}]}`))

	if err := r.Upsert(ResourceEvidence, Item(`{"id":"e2","name":"b.pdf"}`)); err != nil {
		t.Fatalf("Upsert existing: %v", err)
	}
	if err := r.Upsert(ResourceEvidence, Item(`{"id":"e3"}`)); err != nil {
		t.Fatalf("Upsert new: %v", err)
	}
	if len(r.Evidence) != 3 || r.Evidence[2].ID() != "e3" {
		t.Fatalf("evidence = %v", r.Evidence)
	}
	if e2, _ := r.Find(ResourceEvidence, "e2"); e2.Get("name").String() != "b.pdf" {
		t.Fatalf("e2 = %s", e2)
	}

	if !r.Remove(ResourceEvidence, "e1") {
		t.Fatalf("Remove e1 reported absent")
	}
	if r.Remove(ResourceEvidence, "e1") {
		t.Fatalf("second Remove should report absent")
	}
	if r.Remove(ResourceRecord, "e2") {
		t.Fatalf("Remove on a non-collection should be a no-op")
	}
	if len(r.Evidence) != 2 || r.Evidence[0].ID() != "e2" {
		t.Fatalf("order not kept after remove: %v", r.Evidence)
	}
}
