package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"wadispatch/internal/app"
	"wadispatch/internal/config"
	"wadispatch/internal/domain"
	"wadispatch/internal/storage"
	logx "wadispatch/pkg/logx"
	"wadispatch/pkg/systemd"
)

const usage = `usage: wadispatch [-config path] [-env path] <command> [flags]

commands:
  run                                   start the daemon (telegram console, HTTP API, scheduler)
  send -friend ID | -group ID [-interval now|daily|weekly|monthly]
  seed -file seed.yaml                  import contacts, groups and templates
  list                                  print contacts, groups and template counts
`

func main() {
	var cfgPath, envPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.StringVar(&envPath, "env", ".env", "dotenv file loaded before the config")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "fatal: load env:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd, args := "run", []string(nil)
	if flag.NArg() > 0 {
		cmd, args = flag.Arg(0), flag.Args()[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = runDaemon(ctx, cfgPath)
	case "send":
		err = runSend(ctx, cfgPath, args)
	case "seed":
		err = runSeed(ctx, cfgPath, args)
	case "list":
		err = runList(ctx, cfgPath)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context, cfgPath string) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	if _, err := systemd.Ready(); err != nil {
		a.Logger().Warn("sd_notify ready failed", logx.Err(err))
	}
	go systemd.Watchdog(ctx, a.Logger(), func() bool { return a.Err() == nil })

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	reason := app.StopSignal
	if ctx.Err() == nil {
		reason = app.StopFatalError
	}
	_, _ = systemd.Stopping()

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func runSend(ctx context.Context, cfgPath string, args []string) error {
	fset := flag.NewFlagSet("send", flag.ExitOnError)
	friend := fset.Int64("friend", 0, "contact id")
	group := fset.Int64("group", 0, "group id")
	interval := fset.String("interval", "now", "now, daily, weekly or monthly")
	_ = fset.Parse(args)

	var sel domain.Selection
	switch {
	case *friend > 0 && *group > 0:
		return errors.New("send: use either -friend or -group")
	case *friend > 0:
		sel = domain.ContactSelection(*friend)
	case *group > 0:
		sel = domain.GroupSelection(*group)
	default:
		return errors.New("send: -friend or -group is required")
	}
	iv, err := domain.ParseInterval(*interval)
	if err != nil {
		return err
	}

	a, err := app.New(cfgPath, app.WithoutSurfaces())
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}
	stop := func(reason app.StopReason) {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, reason)
	}

	res, err := a.Service().Schedule(ctx, sel, iv)
	if res != nil {
		fmt.Println(res.Summary())
		for _, it := range res.Items {
			fmt.Printf("  %-7s %s %s\n", it.Status, it.Recipient, it.Reason)
		}
	}
	if err != nil || !iv.Recurring() {
		stop(app.StopRunDone)
		return err
	}

	st, _ := a.Service().Status(ctx)
	if st.Task != nil {
		fmt.Printf("scheduled %s for %s, next run %s (ctrl-c to stop)\n", iv, sel, st.Task.Next.Format(time.RFC1123))
	}
	select {
	case <-ctx.Done():
		stop(app.StopSignal)
		return nil
	case <-a.Done():
		stop(app.StopFatalError)
		return a.Err()
	}
}

func loadConfig(path string) (*config.Config, error) {
	return config.NewConfigManager(path).Load()
}

func runSeed(ctx context.Context, cfgPath string, args []string) error {
	fset := flag.NewFlagSet("seed", flag.ExitOnError)
	file := fset.String("file", "seed.yaml", "seed document")
	_ = fset.Parse(args)

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	st, err := app.OpenStore(cfg, logx.NewConsole(cfg.Logging.Level))
	if err != nil {
		return err
	}
	defer st.Close()

	sf, err := storage.LoadSeed(*file)
	if err != nil {
		return err
	}
	rep, err := storage.Seed(ctx, st, sf)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d contacts, %d groups (%d members), %d templates\n",
		rep.Contacts, rep.Groups, rep.Members, rep.Templates)
	return nil
}

func runList(ctx context.Context, cfgPath string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	st, err := app.OpenStore(cfg, logx.NewConsole(cfg.Logging.Level))
	if err != nil {
		return err
	}
	defer st.Close()

	contacts, err := st.ListContacts(ctx)
	if err != nil {
		return err
	}
	groups, members, err := st.ListGroups(ctx)
	if err != nil {
		return err
	}
	counts, err := st.CountTemplates(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONTACT\tNAME\tNUMBER")
	for _, c := range contacts {
		fmt.Fprintf(w, "%d\t%s\t%s\n", c.ID, c.Name, c.Number)
	}
	fmt.Fprintln(w, "\nGROUP\tNAME\tMEMBERS")
	for _, g := range groups {
		fmt.Fprintf(w, "%d\t%s\t%s\n", g.ID, g.Name, strings.Join(members[g.ID], ", "))
	}
	fmt.Fprintln(w, "\nCATEGORY\tTEMPLATES\t")
	for _, c := range domain.Categories() {
		fmt.Fprintf(w, "%s\t%d\t\n", c, counts[c])
	}
	return w.Flush()
}
