package syncstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Action names one remote write the pipeline knows how to reconcile.
type Action string

const (
	ActionToggleFeatured    Action = "toggle-featured"
	ActionCompleteMilestone Action = "complete-milestone"
	ActionUpdateMilestone   Action = "update-milestone"
	ActionCreateUpdate      Action = "create-update"
	ActionCreateMilestone   Action = "create-milestone"
	ActionUploadEvidence    Action = "upload-evidence"
	ActionAddGalleryItem    Action = "add-gallery-item"
	ActionDeleteEvidence    Action = "delete-evidence"
	ActionDeleteUpdate      Action = "delete-update"
	ActionDeleteMilestone   Action = "delete-milestone"
	ActionDeleteGalleryItem Action = "delete-gallery-item"
)

// Strategy is how the cache is brought in line after a successful write.
type Strategy int

const (
	// StrategyPatch merges the returned item into the cached collection.
	StrategyPatch Strategy = iota + 1
	// StrategyRefetch expires the entry and re-fetches the whole record.
	StrategyRefetch
	// StrategyIdempotentDelete removes the item locally; a 404 is success.
	StrategyIdempotentDelete
)

func (s Strategy) String() string {
	switch s {
	case StrategyPatch:
		return "patch"
	case StrategyRefetch:
		return "refetch"
	case StrategyIdempotentDelete:
		return "idempotent-delete"
	default:
		return "unknown"
	}
}

type rule struct {
	resource Resource
	method   string
	suffix   string // trailing action segment, e.g. "complete"
	needsID  bool
	upload   bool
	strategy Strategy
}

var rules = map[Action]rule{
	ActionToggleFeatured:    {resource: ResourceGallery, method: http.MethodPost, suffix: "toggle-featured", needsID: true, strategy: StrategyPatch},
	ActionCompleteMilestone: {resource: ResourceMilestones, method: http.MethodPost, suffix: "complete", needsID: true, strategy: StrategyPatch},
	ActionUpdateMilestone:   {resource: ResourceMilestones, method: http.MethodPatch, needsID: true, strategy: StrategyPatch},
	ActionCreateUpdate:      {resource: ResourceUpdates, method: http.MethodPost, strategy: StrategyRefetch},
	ActionCreateMilestone:   {resource: ResourceMilestones, method: http.MethodPost, strategy: StrategyRefetch},
	ActionUploadEvidence:    {resource: ResourceEvidence, method: http.MethodPost, upload: true, strategy: StrategyRefetch},
	ActionAddGalleryItem:    {resource: ResourceGallery, method: http.MethodPost, upload: true, strategy: StrategyRefetch},
	ActionDeleteEvidence:    {resource: ResourceEvidence, method: http.MethodDelete, needsID: true, strategy: StrategyIdempotentDelete},
	ActionDeleteUpdate:      {resource: ResourceUpdates, method: http.MethodDelete, needsID: true, strategy: StrategyIdempotentDelete},
	ActionDeleteMilestone:   {resource: ResourceMilestones, method: http.MethodDelete, needsID: true, strategy: StrategyIdempotentDelete},
	ActionDeleteGalleryItem: {resource: ResourceGallery, method: http.MethodDelete, needsID: true, strategy: StrategyIdempotentDelete},
}

// StrategyOf returns the reconciliation strategy of a known action.
func StrategyOf(a Action) (Strategy, bool) {
	r, ok := rules[a]
	return r.strategy, ok
}

// Mutation carries the inputs of one write.
type Mutation struct {
	// ID targets an existing item. Required by item-level actions.
	ID string
	// Body is JSON-encoded. []byte, json.RawMessage and Item are sent verbatim.
	Body any
	// Upload is required by multipart actions; Body is ignored for them.
	Upload *Upload
}

// Upload is one file sent as multipart/form-data.
type Upload struct {
	Field    string // form field of the file; "" => "file"
	Filename string
	Content  []byte
	Fields   map[string]string // extra form values
}

// Mutate performs a remote write for key and reconciles the cache according
// to the action's strategy. The returned item is the server's response object,
// or nil for deletes and empty responses.
func (s *syncer) Mutate(ctx context.Context, key string, act Action, m Mutation) (Item, error) {
	r, ok := rules[act]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, act)
	}
	if r.needsID && m.ID == "" {
		return nil, fmt.Errorf("%s: %w", act, ErrMissingID)
	}
	url, err := s.resolver.Resolve(r.resource, Vars{Key: key, ID: m.ID, Action: r.suffix})
	if err != nil {
		return nil, fmt.Errorf("%s: resolve: %w", act, err)
	}
	req, err := buildRequest(r, url, m)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", act, err)
	}

	resp, err := s.transport.Do(ctx, req)
	switch r.strategy {
	case StrategyIdempotentDelete:
		return nil, s.afterDelete(ctx, key, r, m.ID, err)
	case StrategyPatch:
		if err != nil {
			return nil, err
		}
		item := responseItem(resp)
		s.afterPatch(ctx, key, r, m.ID, item)
		return item, nil
	default:
		if err != nil {
			return nil, err
		}
		s.afterRefetch(ctx, key)
		return responseItem(resp), nil
	}
}

func (s *syncer) afterDelete(ctx context.Context, key string, r rule, id string, err error) error {
	if err != nil {
		if !IsNotFound(err) {
			return err
		}
		s.hooks.DeleteTreatedAsSuccess(key, string(r.resource), id)
		s.log.Debug("delete target already gone", Fields{"key": key, "collection": r.resource, "id": id})
	}
	ok, perr := s.store.patch(ctx, key, func(rec *Record) error {
		rec.Remove(r.resource, id)
		return nil
	}, true)
	if perr != nil {
		s.log.Warn("local delete failed", Fields{"key": key, "collection": r.resource, "id": id, "err": perr})
	}
	if perr != nil || !ok {
		s.expire(ctx, key)
	}
	return nil
}

func (s *syncer) afterPatch(ctx context.Context, key string, r rule, id string, item Item) {
	if !gjson.ParseBytes(item).IsObject() {
		// nothing to merge; the next fetch brings the server state
		s.expire(ctx, key)
		return
	}
	if item.ID() == "" && id != "" {
		if withID, err := sjson.SetBytes(append([]byte(nil), item...), "id", id); err == nil {
			item = withID
		}
	}
	ok, err := s.store.patch(ctx, key, func(rec *Record) error {
		return rec.Upsert(r.resource, item)
	}, true)
	if err != nil {
		s.log.Warn("local patch failed", Fields{"key": key, "collection": r.resource, "id": id, "err": err})
	}
	if err != nil || !ok {
		// no usable entry: make sure an older in-flight fetch cannot land
		s.expire(ctx, key)
	}
}

// afterRefetch never fails the mutation: the write already succeeded and a
// refetch error is recorded for the key like any other fetch failure. A fetch
// pending at this point cannot store (Expire moved the generation), so the
// refetch waits for it and then goes to the network itself.
func (s *syncer) afterRefetch(ctx context.Context, key string) {
	s.expire(ctx, key)
	if _, err := s.fetcher.refetch(ctx, key); err != nil {
		s.log.Warn("refetch after write failed", Fields{"key": key, "err": err})
	}
}

func (s *syncer) expire(ctx context.Context, key string) {
	if err := s.store.Expire(ctx, key); err != nil {
		s.log.Warn("expire failed", Fields{"key": key, "err": err})
	}
}

func responseItem(resp Response) Item {
	if resp.NoContent || !resp.JSON || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	return Item(resp.Body)
}

func buildRequest(r rule, url string, m Mutation) (Request, error) {
	req := Request{Method: r.method, URL: url}
	if r.upload {
		if m.Upload == nil {
			return Request{}, fmt.Errorf("upload required")
		}
		body, ctype, err := m.Upload.encode()
		if err != nil {
			return Request{}, err
		}
		req.Body, req.ContentType = body, ctype
		return req, nil
	}
	if m.Body == nil {
		return req, nil
	}
	body, err := jsonBody(m.Body)
	if err != nil {
		return Request{}, err
	}
	req.Body, req.ContentType = body, "application/json"
	return req, nil
}

func jsonBody(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case Item:
		return b, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return b, nil
}

func (u *Upload) encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range u.Fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	field := u.Field
	if field == "" {
		field = "file"
	}
	fw, err := w.CreateFormFile(field, u.Filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(u.Content); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// Typed helpers.

func (s *syncer) CreateUpdate(ctx context.Context, key string, body any) (Item, error) {
	return s.Mutate(ctx, key, ActionCreateUpdate, Mutation{Body: body})
}

func (s *syncer) CreateMilestone(ctx context.Context, key string, body any) (Item, error) {
	return s.Mutate(ctx, key, ActionCreateMilestone, Mutation{Body: body})
}

func (s *syncer) CompleteMilestone(ctx context.Context, key, id string) (Item, error) {
	return s.Mutate(ctx, key, ActionCompleteMilestone, Mutation{ID: id})
}

func (s *syncer) ToggleFeatured(ctx context.Context, key, id string) (Item, error) {
	return s.Mutate(ctx, key, ActionToggleFeatured, Mutation{ID: id})
}

func (s *syncer) UploadEvidence(ctx context.Context, key string, up Upload) (Item, error) {
	return s.Mutate(ctx, key, ActionUploadEvidence, Mutation{Upload: &up})
}

func (s *syncer) DeleteEvidence(ctx context.Context, key, id string) (Item, error) {
	return s.Mutate(ctx, key, ActionDeleteEvidence, Mutation{ID: id})
}
