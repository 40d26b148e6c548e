package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/unkn0wn-root/syncstore"
)

// LoginCmd exchanges a username and password for credentials.
type LoginCmd struct {
	Username string `arg:"" help:"Account name."`
	Password string `help:"Account password." env:"SYNCCTL_PASSWORD" required:""`
}

func (c *LoginCmd) Run(ctx context.Context, a *app) error {
	if err := a.client.SignIn(ctx, c.Username, c.Password); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	fmt.Fprintln(a.out, "signed in")
	return nil
}

type LogoutCmd struct{}

func (c *LogoutCmd) Run(ctx context.Context, a *app) error {
	return a.client.SignOut(ctx)
}

// FetchCmd prints the cached record, fetching it when stale or forced.
type FetchCmd struct {
	Slug  string `arg:"" help:"Project slug."`
	Force bool   `help:"Bypass the freshness window." short:"f"`
}

func (c *FetchCmd) Run(ctx context.Context, a *app) error {
	rec, err := a.store.Fetch(ctx, c.Slug, c.Force)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", c.Slug, err)
	}
	return a.print(rec)
}

type MetricsCmd struct {
	Slug string `arg:"" help:"Project slug."`
}

func (c *MetricsCmd) Run(ctx context.Context, a *app) error {
	m, err := a.store.RefreshMetrics(ctx, c.Slug)
	if err != nil {
		return fmt.Errorf("metrics %s: %w", c.Slug, err)
	}
	return a.print(m)
}

type PostUpdateCmd struct {
	Slug  string `arg:"" help:"Project slug."`
	Title string `help:"Update title." required:""`
	Body  string `help:"Update text."`
}

func (c *PostUpdateCmd) Run(ctx context.Context, a *app) error {
	it, err := a.store.CreateUpdate(ctx, c.Slug, map[string]string{"title": c.Title, "body": c.Body})
	return a.result(it, err)
}

type AddMilestoneCmd struct {
	Slug  string `arg:"" help:"Project slug."`
	Title string `help:"Milestone title." required:""`
	Due   string `help:"Due date (YYYY-MM-DD)."`
}

func (c *AddMilestoneCmd) Run(ctx context.Context, a *app) error {
	body := map[string]string{"title": c.Title}
	if c.Due != "" {
		body["due_date"] = c.Due
	}
	it, err := a.store.CreateMilestone(ctx, c.Slug, body)
	return a.result(it, err)
}

type CompleteCmd struct {
	Slug string `arg:"" help:"Project slug."`
	ID   string `arg:"" help:"Milestone id."`
}

func (c *CompleteCmd) Run(ctx context.Context, a *app) error {
	return a.result(a.store.CompleteMilestone(ctx, c.Slug, c.ID))
}

type FeatureCmd struct {
	Slug string `arg:"" help:"Project slug."`
	ID   string `arg:"" help:"Gallery item id."`
}

func (c *FeatureCmd) Run(ctx context.Context, a *app) error {
	return a.result(a.store.ToggleFeatured(ctx, c.Slug, c.ID))
}

type UploadEvidenceCmd struct {
	Slug  string `arg:"" help:"Project slug."`
	File  string `arg:"" type:"existingfile" help:"File to upload."`
	Title string `help:"Evidence title; defaults to the file name."`
}

func (c *UploadEvidenceCmd) Run(ctx context.Context, a *app) error {
	content, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	name := filepath.Base(c.File)
	title := c.Title
	if title == "" {
		title = name
	}
	return a.result(a.store.UploadEvidence(ctx, c.Slug, syncstore.Upload{
		Filename: name,
		Content:  content,
		Fields:   map[string]string{"title": title},
	}))
}

type DeleteEvidenceCmd struct {
	Slug string `arg:"" help:"Project slug."`
	ID   string `arg:"" help:"Evidence id."`
}

func (c *DeleteEvidenceCmd) Run(ctx context.Context, a *app) error {
	return a.result(a.store.DeleteEvidence(ctx, c.Slug, c.ID))
}

// MutateCmd exposes every action, including those without a dedicated command.
type MutateCmd struct {
	Slug   string `arg:"" help:"Project slug."`
	Action string `arg:"" help:"Action name, e.g. update-milestone or delete-gallery-item."`
	ID     string `help:"Target item id."`
	Body   string `help:"JSON request body."`
}

func (c *MutateCmd) Run(ctx context.Context, a *app) error {
	m := syncstore.Mutation{ID: c.ID}
	if c.Body != "" {
		if !json.Valid([]byte(c.Body)) {
			return fmt.Errorf("mutate: --body is not valid JSON")
		}
		m.Body = json.RawMessage(c.Body)
	}
	return a.result(a.store.Mutate(ctx, c.Slug, syncstore.Action(c.Action), m))
}

func (a *app) result(it syncstore.Item, err error) error {
	if err != nil {
		return err
	}
	if it == nil {
		fmt.Fprintln(a.out, "ok")
		return nil
	}
	return a.print(it)
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
