package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/log"
	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli"
	"go.etcd.io/bbolt"

	"github.com/downpour-dl/downpour/internal/checkpoint"
	"github.com/downpour-dl/downpour/internal/checkpoint/boltstore"
	"github.com/downpour-dl/downpour/internal/checkpoint/filestore"
	"github.com/downpour-dl/downpour/internal/logger"
	"github.com/downpour-dl/downpour/internal/tracker/udptracker"
	"github.com/downpour-dl/downpour/session"
)

var (
	app = cli.NewApp()
	cfg = session.DefaultConfig
)

func main() {
	app.Name = "downpour"
	app.Usage = "swarm file-transfer client"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "read config from `FILE`",
			Value: "~/.downpour.yaml",
		},
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "enable debug log",
		},
	}
	app.Before = handleBeforeCommand
	app.Commands = []cli.Command{
		{
			Name:      "download",
			Usage:     "download content from a layout descriptor file",
			ArgsUsage: "<descriptor>",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "dest, o",
					Usage: "download into `DIR`",
				},
				cli.StringSliceFlag{
					Name:  "tracker, t",
					Usage: "announce to tracker `HOST:PORT`",
				},
				cli.BoolFlag{
					Name:  "seed",
					Usage: "keep running after the download completes",
				},
			},
			Action: handleDownload,
		},
		{
			Name:  "checkpoint",
			Usage: "checkpoint store maintenance",
			Subcommands: []cli.Command{
				{
					Name:  "export",
					Usage: "copy checkpoints from the session database into a directory of flat files",
					Flags: []cli.Flag{
						cli.StringFlag{
							Name:  "db",
							Usage: "session database `FILE` (defaults to the configured database)",
						},
						cli.StringFlag{
							Name:  "dir",
							Usage: "write flat-file checkpoints into `DIR`",
						},
					},
					Action: handleCheckpointExport,
				},
				{
					Name:  "import",
					Usage: "copy flat-file checkpoints from a directory into the session database",
					Flags: []cli.Flag{
						cli.StringFlag{
							Name:  "db",
							Usage: "session database `FILE` (defaults to the configured database)",
						},
						cli.StringFlag{
							Name:  "dir",
							Usage: "read flat-file checkpoints from `DIR`",
						},
					},
					Action: handleCheckpointImport,
				},
			},
		},
		{
			Name:  "tracker",
			Usage: "run a standalone UDP tracker",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "addr",
					Usage: "listen address",
					Value: "0.0.0.0:6969",
				},
				cli.DurationFlag{
					Name:  "interval",
					Usage: "announce interval returned to clients",
					Value: time.Minute,
				},
			},
			Action: handleTracker,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func handleBeforeCommand(c *cli.Context) error {
	if c.GlobalBool("debug") {
		logger.SetLevel(log.DEBUG)
	}
	path := c.GlobalString("config")
	loaded, err := session.LoadConfig(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cannot load config: %w", err)
	}
	cfg = loaded
	return nil
}

func handleDownload(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("give a descriptor file as the first argument", 1)
	}
	f, err := os.Open(c.Args().Get(0))
	if err != nil {
		return err
	}
	defer f.Close()

	s, err := session.New(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := s.AddTransfer(f, &session.AddTransferOptions{
		Dest:     c.String("dest"),
		Trackers: c.StringSlice("tracker"),
	})
	if err != nil {
		return err
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-t.NotifyComplete():
		st := t.Stats()
		fmt.Printf("downloaded %d bytes into %s\n", st.BytesDownloaded, t.Dest())
		if !c.Bool("seed") {
			return nil
		}
		<-sigC
		return nil
	case <-sigC:
		return nil
	}
}

func openCheckpointStores(c *cli.Context) (*boltstore.Store, *filestore.Store, func(), error) {
	path := c.String("db")
	if path == "" {
		path = cfg.Database
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, nil, nil, err
	}
	dir := c.String("dir")
	if dir == "" {
		return nil, nil, nil, cli.NewExitError("give a checkpoint directory with --dir", 1)
	}
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, nil, nil, err
	}
	bs, err := boltstore.New(db, []byte("checkpoints"))
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	fs, err := filestore.New(dir)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	return bs, fs, func() { db.Close() }, nil
}

func handleCheckpointExport(c *cli.Context) error {
	bs, fs, closeDB, err := openCheckpointStores(c)
	if err != nil {
		return err
	}
	defer closeDB()
	return checkpoint.Convert(bs, fs)
}

func handleCheckpointImport(c *cli.Context) error {
	bs, fs, closeDB, err := openCheckpointStores(c)
	if err != nil {
		return err
	}
	defer closeDB()
	return checkpoint.Convert(fs, bs)
}

func handleTracker(c *cli.Context) error {
	srv, err := udptracker.NewServer(c.String("addr"), c.Duration("interval"))
	if err != nil {
		return err
	}
	defer srv.Close()
	fmt.Printf("tracker listening on %s\n", srv.Addr())

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	<-sigC
	return nil
}
