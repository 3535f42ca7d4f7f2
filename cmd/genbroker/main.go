package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rmax-ai/genbroker/pkg/client"
	"github.com/rmax-ai/genbroker/pkg/mcp"
	"github.com/rmax-ai/genbroker/pkg/progress"
)

var (
	Version   = "v0.1.0"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const usage = `Usage: genbroker <command> [args]

Commands:
  credential add [-tier t] [-issuer i] [-quota n] [-source s] <secret>
  credential list
  credential remove <id>
  credential health <id> <healthy|degraded|invalid|expired>
  credential import <file|->
  stats
  job watch [-timeout d] [-no-push] <generation-id>
  mcp
  version

Environment:
  GENBROKER_ENDPOINT     daemon URL (default http://127.0.0.1:8095)
  GENBROKER_ADMIN_TOKEN  bearer token for credential commands
  GENBROKER_CLIENT_TOKEN bearer token for lease routes
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type cli struct {
	api    *client.Client
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	endpoint := os.Getenv("GENBROKER_ENDPOINT")
	var opts []client.Option
	if token := os.Getenv("GENBROKER_ADMIN_TOKEN"); token != "" {
		opts = append(opts, client.WithAdminToken(token))
	}
	if token := os.Getenv("GENBROKER_CLIENT_TOKEN"); token != "" {
		opts = append(opts, client.WithClientToken(token))
	}
	c := &cli{api: client.NewClient(endpoint, opts...), stdin: stdin, stdout: stdout, stderr: stderr}

	var err error
	switch args[0] {
	case "credential", "credentials":
		err = c.credential(ctx, args[1:])
	case "stats":
		err = c.stats(ctx)
	case "job":
		err = c.job(ctx, args[1:])
	case "mcp":
		err = mcp.NewServer(c.api.Endpoint(), opts...).Serve()
	case "version":
		fmt.Fprintf(stdout, "genbroker %s (%s, built %s)\n", Version, Commit, BuildTime)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
	default:
		fmt.Fprint(stderr, usage)
		return 2
	}

	if err != nil {
		var usageErr usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintf(stderr, "%s\n\n%s", usageErr, usage)
			return 2
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, client.ErrNetwork) {
			fmt.Fprintln(stderr, "Is genbroker-d running?")
		}
		return 1
	}
	return 0
}

type usageError string

func (e usageError) Error() string { return string(e) }

func (c *cli) credential(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing credential subcommand")
	}
	switch args[0] {
	case "add":
		return c.addCredential(ctx, args[1:])
	case "list":
		return c.listCredentials(ctx)
	case "remove", "rm":
		if len(args) != 2 {
			return usageError("credential remove takes exactly one id")
		}
		if err := c.api.RemoveCredential(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "Credential removed: %s\n", args[1])
		return nil
	case "health":
		if len(args) != 3 {
			return usageError("credential health takes an id and a health value")
		}
		info, err := c.api.SetHealth(ctx, args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "Credential %s is now %s\n", info.ID, info.Health)
		return nil
	case "import":
		if len(args) != 2 {
			return usageError("credential import takes one file (or - for stdin)")
		}
		return c.importCredentials(ctx, args[1])
	default:
		return usageError(fmt.Sprintf("unknown credential subcommand %q", args[0]))
	}
}

func (c *cli) addCredential(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("credential add", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	tier := fs.String("tier", "", "free|paid|enterprise")
	issuer := fs.String("issuer", "", "issuer override")
	quota := fs.Int("quota", 0, "daily quota (0 = pool default)")
	source := fs.String("source", "manual", "manual|harvested|migrated")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if fs.NArg() != 1 {
		return usageError("credential add takes exactly one secret")
	}

	info, err := c.api.AddCredential(ctx, client.AddCredentialRequest{
		Secret:     fs.Arg(0),
		Issuer:     *issuer,
		Source:     *source,
		Tier:       *tier,
		DailyQuota: *quota,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Credential added: %s (%s, %s tier, expires %s)\n",
		info.ID, info.Fingerprint, info.Tier, info.ExpiresAt.Format(time.RFC3339))
	return nil
}

func (c *cli) listCredentials(ctx context.Context) error {
	creds, err := c.api.ListCredentials(ctx)
	if err != nil {
		return err
	}
	if len(creds) == 0 {
		fmt.Fprintln(c.stdout, "No credentials pooled.")
		return nil
	}

	tw := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFINGERPRINT\tTIER\tHEALTH\tSOURCE\tUSAGE\tEXPIRES")
	for _, cr := range creds {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			cr.ID, cr.Fingerprint, cr.Tier, cr.Health, cr.Source,
			cr.UsageCount, cr.DailyQuota, cr.ExpiresAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// importCredentials reads a JSON array of credential records.
func (c *cli) importCredentials(ctx context.Context, path string) error {
	var r io.Reader = c.stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	var recs []client.AddCredentialRequest
	if err := json.NewDecoder(r).Decode(&recs); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}

	report, err := c.api.ImportCredentials(ctx, recs)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Imported: %d added, %d superseded, %d duplicate, %d invalid\n",
		report.Added, report.Superseded, report.Duplicates, report.Invalid)
	for _, msg := range report.Errors {
		fmt.Fprintf(c.stdout, "  %s\n", msg)
	}
	return nil
}

func (c *cli) stats(ctx context.Context) error {
	s, err := c.api.PoolStats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Total:       %d\n", s.Total)
	fmt.Fprintf(c.stdout, "Active:      %d\n", s.Active)
	fmt.Fprintf(c.stdout, "Healthy:     %d\n", s.Healthy)
	fmt.Fprintf(c.stdout, "Expired:     %d\n", s.Expired)
	fmt.Fprintf(c.stdout, "Invalid:     %d\n", s.Invalid)
	fmt.Fprintf(c.stdout, "Utilization: %.1f%%\n", s.UtilizationPercent)
	for _, tier := range []string{"free", "paid", "enterprise"} {
		if n := s.ByTier[tier]; n > 0 {
			fmt.Fprintf(c.stdout, "  %-12s %d\n", tier, n)
		}
	}
	return nil
}

func (c *cli) job(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "watch" {
		return usageError("expected: job watch <generation-id>")
	}

	fs := flag.NewFlagSet("job watch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	timeout := fs.Duration("timeout", 5*time.Minute, "give up after this long")
	noPush := fs.Bool("no-push", false, "poll the status endpoint only")
	if err := fs.Parse(args[1:]); err != nil {
		return usageError(err.Error())
	}
	if fs.NArg() != 1 {
		return usageError("job watch takes exactly one generation id")
	}
	jobID := fs.Arg(0)

	cfg := client.SyncConfig{Timeout: *timeout}
	var watch *client.StatusSync
	if *noPush {
		watch = client.NewStatusSync(jobID, nil, c.api, cfg)
		watch.Start(ctx)
	} else {
		watch = c.api.Watch(ctx, jobID, cfg)
	}
	defer watch.Cancel()

	var (
		last    *progress.Update
		lastErr error
	)
	for ev := range watch.Events() {
		switch {
		case ev.Update != nil:
			u := ev.Update
			last = u
			fmt.Fprintf(c.stdout, "%s %-10s %3d%%", time.UnixMilli(u.Timestamp).Format(time.TimeOnly), u.Status, u.Progress)
			if u.AudioURL != "" {
				fmt.Fprintf(c.stdout, " %s", u.AudioURL)
			}
			if u.Error != "" {
				fmt.Fprintf(c.stdout, " error=%s", u.Error)
			}
			fmt.Fprintln(c.stdout)
		case ev.Err != nil:
			if ev.Reconnecting {
				fmt.Fprintf(c.stderr, "push channel lost, reconnecting: %v\n", ev.Err)
				continue
			}
			lastErr = ev.Err
		default:
			fmt.Fprintf(c.stderr, "[%s]\n", ev.State)
		}
	}

	switch {
	case lastErr != nil:
		return lastErr
	case last == nil || !last.Status.Terminal():
		return errors.New("watch ended before the job finished")
	case last.Status == progress.StatusFailed:
		return fmt.Errorf("generation %s failed: %s", jobID, last.Error)
	}
	return nil
}
