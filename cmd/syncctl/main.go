// Command syncctl drives the project sync layer from a terminal: sign in,
// read project records and perform the admin writes.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"
)

var version = "dev"

// CLI is the top-level command structure for syncctl.
type CLI struct {
	Version kong.VersionFlag `help:"Show version." short:"V"`

	Login  LoginCmd  `cmd:"" help:"Sign in and store the credential pair."`
	Logout LogoutCmd `cmd:"" help:"Forget the stored credential pair."`

	Fetch   FetchCmd   `cmd:"" help:"Print a project record."`
	Metrics MetricsCmd `cmd:"" help:"Re-read and print project metrics."`

	PostUpdate     PostUpdateCmd     `cmd:"" help:"Post a project update."`
	AddMilestone   AddMilestoneCmd   `cmd:"" help:"Create a milestone."`
	Complete       CompleteCmd       `cmd:"" help:"Mark a milestone complete."`
	Feature        FeatureCmd        `cmd:"" help:"Toggle the featured flag of a gallery item."`
	UploadEvidence UploadEvidenceCmd `cmd:"" help:"Upload an evidence file."`
	DeleteEvidence DeleteEvidenceCmd `cmd:"" help:"Delete an evidence file."`
	Mutate         MutateCmd         `cmd:"" help:"Run any write action by name."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("syncctl"),
		kong.Description("Project data sync client."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	cfg, err := loadConfig(nil)
	kctx.FatalIfErrorf(err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a, err := newApp(ctx, cfg, os.Stdout)
	kctx.FatalIfErrorf(err)

	kctx.BindTo(ctx, (*context.Context)(nil))
	err = kctx.Run(a)
	a.close(context.WithoutCancel(ctx))
	kctx.FatalIfErrorf(err)
}
