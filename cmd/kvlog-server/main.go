package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kjk/kvlog/config"
	"github.com/kjk/kvlog/httpapi"
	"github.com/kjk/kvlog/log"
	"github.com/kjk/kvlog/pubsub"
	"github.com/kjk/kvlog/store"
)

func must(err error) {
	if err != nil {
		log.Errorf("%s\n", err)
		log.Close()
		os.Exit(1)
	}
}

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	log.Verbose = cfg.Verbose
	log.Init(&log.Config{Dir: cfg.LogDir})
	defer log.Close()

	s := &store.Store{
		Path: cfg.LogPath,
	}
	var notifier *pubsub.Notifier
	if cfg.NatsURL != "" {
		notifier, err = pubsub.NewNotifier(cfg.NatsURL)
		if err != nil {
			log.Logf("%s, running without notifications\n", err)
		} else {
			s.Notifier = notifier
			defer notifier.Close()
		}
	}

	must(store.OpenStore(s))
	defer s.Close()
	st := s.LoadStats()
	log.Logf("opened '%s': %d records, %d keys\n", s.LogPath(), st.Records, st.LiveKeys)
	log.Event("server.start", "path", s.LogPath(), "records", st.Records, "keys", st.LiveKeys, "torn", st.TornBytes)

	srv := httpapi.NewServer(cfg.Addr, httpapi.Handler(s))
	err = httpapi.ListenAndServeUntilSignal(srv)
	log.IfErrf(err)
	log.Logf("server stopped\n")
	log.Event("server.stop", "path", s.LogPath(), "keys", s.Len())
}
