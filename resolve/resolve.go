// Package resolve maps record resources to URLs with RFC 6570 URI templates.
//
// Templates may use the variables base, key, id and action. id and action are
// left undefined (not empty) when a request has none, so optional path
// segments written as {/id} disappear entirely.
package resolve

import (
	"fmt"
	"strings"

	"github.com/yosida95/uritemplate/v3"

	"github.com/unkn0wn-root/syncstore"
)

// DefaultTemplates is the REST layout the project API uses.
var DefaultTemplates = map[syncstore.Resource]string{
	syncstore.ResourceRecord:     "{+base}/projects/{key}/",
	syncstore.ResourceMetrics:    "{+base}/projects/{key}/metrics/",
	syncstore.ResourceUpdates:    "{+base}/projects/{key}/updates{/id}{/action}/",
	syncstore.ResourceMilestones: "{+base}/projects/{key}/milestones{/id}{/action}/",
	syncstore.ResourceGallery:    "{+base}/projects/{key}/gallery{/id}{/action}/",
	syncstore.ResourceEvidence:   "{+base}/projects/{key}/evidence{/id}{/action}/",
}

// Templates is a syncstore.Resolver backed by URI templates.
type Templates struct {
	base string
	tmpl map[syncstore.Resource]*uritemplate.Template
}

var _ syncstore.Resolver = (*Templates)(nil)

// New compiles one template per resource. base is substituted for {+base}
// with any trailing slash removed.
func New(base string, templates map[syncstore.Resource]string) (*Templates, error) {
	t := &Templates{
		base: strings.TrimRight(base, "/"),
		tmpl: make(map[syncstore.Resource]*uritemplate.Template, len(templates)),
	}
	for r, src := range templates {
		ut, err := uritemplate.New(src)
		if err != nil {
			return nil, fmt.Errorf("resolve: template for %s: %w", r, err)
		}
		t.tmpl[r] = ut
	}
	return t, nil
}

// Default is New with DefaultTemplates.
func Default(base string) (*Templates, error) { return New(base, DefaultTemplates) }

func (t *Templates) Resolve(r syncstore.Resource, v syncstore.Vars) (string, error) {
	ut, ok := t.tmpl[r]
	if !ok {
		return "", fmt.Errorf("resolve: no template for resource %q", r)
	}
	if v.Key == "" {
		return "", fmt.Errorf("resolve: %s: empty key", r)
	}
	vals := uritemplate.Values{}
	vals.Set("base", uritemplate.String(t.base))
	vals.Set("key", uritemplate.String(v.Key))
	if v.ID != "" {
		vals.Set("id", uritemplate.String(v.ID))
	}
	if v.Action != "" {
		vals.Set("action", uritemplate.String(v.Action))
	}
	u, err := ut.Expand(vals)
	if err != nil {
		return "", fmt.Errorf("resolve: expand %s: %w", r, err)
	}
	return u, nil
}
