package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kballard/go-shellquote"
	"github.com/kjk/kvlog/backup"
	"github.com/kjk/kvlog/client"
	"github.com/kjk/kvlog/config"
	"github.com/kjk/kvlog/log"
	"github.com/kjk/kvlog/pubsub"
	"github.com/kjk/kvlog/store"
	"github.com/tidwall/pretty"
)

// errNotFound makes the process exit with 1 after the output was printed
var errNotFound = errors.New("not found")

const usage = `usage: kvlog [flags] <command> [args]

commands:
  set <key> <val>    set value of key, prints previous value
  get <key>          print value of key
  rm <key>           remove key, prints removed value
  sub                print set and rm notifications from NATS
  shell              read commands from stdin
  dump               print the index
  backup <remote>    compress the log and upload it (.br or .zst)
  restore <remote>   replace the log with a backup
`

type app struct {
	cfg *config.Config
	out io.Writer
	in  io.Reader

	store  *store.Store
	client *client.Client
}

func newApp(cfg *config.Config, out io.Writer) *app {
	a := &app{
		cfg: cfg,
		out: out,
		in:  os.Stdin,
	}
	if cfg.ServerURL != "" {
		a.client = client.New(cfg.ServerURL)
	}
	return a
}

func (a *app) openStore() (*store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	s, err := store.Open(a.cfg.LogPath)
	if err != nil {
		return nil, err
	}
	a.store = s
	return s, nil
}

func (a *app) close() {
	if a.store != nil {
		log.IfErrf(a.store.Close())
		a.store = nil
	}
}

func (a *app) printJSON(v any) error {
	d, err := json.Marshal(v)
	if err != nil {
		return err
	}
	d = pretty.Pretty(d)
	if f, ok := a.out.(*os.File); ok && isTerminal(f) {
		d = pretty.Color(d, nil)
	}
	_, err = a.out.Write(d)
	return err
}

func isTerminal(f *os.File) bool {
	st, err := f.Stat()
	return err == nil && st.Mode()&os.ModeCharDevice != 0
}

func needArgs(args []string, n int, syntax string) error {
	if len(args) != n {
		return fmt.Errorf("usage: %s", syntax)
	}
	return nil
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "set":
		if err := needArgs(args, 2, "set <key> <val>"); err != nil {
			return err
		}
		return a.set(ctx, args[0], args[1])
	case "get":
		if err := needArgs(args, 1, "get <key>"); err != nil {
			return err
		}
		return a.get(ctx, args[0])
	case "rm":
		if err := needArgs(args, 1, "rm <key>"); err != nil {
			return err
		}
		return a.remove(ctx, args[0])
	case "sub":
		return a.sub(ctx)
	case "shell":
		return a.shell(ctx)
	case "dump":
		return a.dump()
	case "backup":
		if err := needArgs(args, 1, "backup <remote>"); err != nil {
			return err
		}
		return a.backup(ctx, args[0])
	case "restore":
		if err := needArgs(args, 1, "restore <remote>"); err != nil {
			return err
		}
		return a.restore(ctx, args[0])
	case "help":
		fmt.Fprint(a.out, usage)
		return nil
	}
	return fmt.Errorf("unknown command '%s'\n%s", cmd, usage)
}

func (a *app) set(ctx context.Context, key, val string) error {
	if a.client != nil {
		res, err := a.client.Set(ctx, key, val)
		if err != nil {
			return err
		}
		return a.printJSON(res)
	}
	s, err := a.openStore()
	if err != nil {
		return err
	}
	old, hadOld, err := s.Set(key, val)
	if err != nil {
		return err
	}
	if hadOld {
		fmt.Fprintf(a.out, "set '%s', previous value: %q\n", key, old)
	} else {
		fmt.Fprintf(a.out, "set '%s'\n", key)
	}
	return nil
}

func (a *app) get(ctx context.Context, key string) error {
	if a.client != nil {
		res, err := a.client.Get(ctx, key)
		if err != nil {
			return err
		}
		return a.printJSON(res)
	}
	s, err := a.openStore()
	if err != nil {
		return err
	}
	val, found, err := s.Get(key)
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintf(a.out, "key '%s' not found\n", key)
		return nil
	}
	fmt.Fprintf(a.out, "%s\n", val)
	return nil
}

func (a *app) remove(ctx context.Context, key string) error {
	if a.client != nil {
		res, err := a.client.Remove(ctx, key)
		if err != nil {
			return err
		}
		if err = a.printJSON(res); err != nil {
			return err
		}
		if !res.Found {
			return errNotFound
		}
		return nil
	}
	s, err := a.openStore()
	if err != nil {
		return err
	}
	old, err := s.Remove(key)
	if store.IsKeyNotFound(err) {
		fmt.Fprintf(a.out, "key '%s' not found\n", key)
		return errNotFound
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "removed '%s', value: %q\n", key, old)
	return nil
}

func (a *app) sub(ctx context.Context) error {
	if a.cfg.NatsURL == "" {
		return errors.New("sub needs -nats or KVLOG_NATS_URL")
	}
	events := make(chan *pubsub.Event, 64)
	sub, err := pubsub.Subscribe(a.cfg.NatsURL, func(e *pubsub.Event) {
		select {
		case events <- e:
		default:
			log.Logf("dropped %s, printing is too slow\n", e)
		}
	})
	if err != nil {
		return err
	}
	defer sub.Close()
	log.Logf("subscribed to %s, press Ctrl-C to stop\n", a.cfg.NatsURL)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	for {
		select {
		case e := <-events:
			fmt.Fprintf(a.out, "%s\n", e)
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *app) shell(ctx context.Context) error {
	sc := bufio.NewScanner(a.in)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for {
		fmt.Fprint(a.out, "> ")
		if !sc.Scan() {
			fmt.Fprint(a.out, "\n")
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		args, err := shellquote.Split(line)
		if err != nil {
			fmt.Fprintf(a.out, "error: %s\n", err)
			continue
		}
		if len(args) > 0 && args[0] == "shell" {
			fmt.Fprintf(a.out, "error: already in shell\n")
			continue
		}
		err = a.run(ctx, args)
		if err != nil && err != errNotFound {
			fmt.Fprintf(a.out, "error: %s\n", err)
		}
	}
}

func (a *app) dump() error {
	if a.client != nil {
		return errors.New("dump only works on a local log, not with -server")
	}
	s, err := a.openStore()
	if err != nil {
		return err
	}
	st := s.LoadStats()
	fmt.Fprintf(a.out, "%s: %d bytes, %d records, %d keys\n", s.LogPath(), s.Size(), st.Records, s.Len())
	s.DumpIndex(a.out)
	return nil
}

func (a *app) remote(ctx context.Context) (backup.Remote, error) {
	if a.cfg.BackupDir != "" {
		return backup.DirRemote{Dir: a.cfg.BackupDir}, nil
	}
	var trace io.Writer
	if a.cfg.Verbose {
		trace = os.Stderr
	}
	return backup.NewMinioClient(ctx, &a.cfg.S3, trace)
}

func (a *app) backup(ctx context.Context, remotePath string) error {
	r, err := a.remote(ctx)
	if err != nil {
		return err
	}
	if err = backup.Upload(ctx, r, a.cfg.LogPath, remotePath); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "uploaded '%s' to '%s'\n", a.cfg.LogPath, remotePath)
	return nil
}

func (a *app) restore(ctx context.Context, remotePath string) error {
	r, err := a.remote(ctx)
	if err != nil {
		return err
	}
	// the log is replaced, an open store would keep using the old file
	a.close()
	info, err := backup.Restore(ctx, r, remotePath, a.cfg.LogPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "restored '%s' from '%s': %d records\n", a.cfg.LogPath, remotePath, info.Records)
	return nil
}
