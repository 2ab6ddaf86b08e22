package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/kjk/kvlog/config"
	"github.com/kjk/kvlog/log"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(2)
	}
	fs := flag.NewFlagSet("kvlog", flag.ExitOnError)
	cfg.RegisterFlags(fs)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fmt.Fprintf(fs.Output(), "\nflags:\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	// stdout is for command output
	log.Output = os.Stderr
	log.Verbose = cfg.Verbose
	log.Init(&log.Config{Dir: cfg.LogDir})

	a := newApp(cfg, os.Stdout)
	err = a.run(context.Background(), fs.Args())
	a.close()
	log.Close()
	if err == errNotFound {
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
