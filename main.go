package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/gosuri/uiprogress"
	"github.com/jpillora/opts"

	"magnet2torrent/channel"
	"magnet2torrent/config"
	"magnet2torrent/dht"
	"magnet2torrent/file"
	"magnet2torrent/helper"
	"magnet2torrent/logger"
	"magnet2torrent/resolver"
	"magnet2torrent/torrent"
	"magnet2torrent/tracker"
	"magnet2torrent/watch"
)

var VERSION = "0.0.0-src" //set with ldflags

type flags struct {
	Magnet     []string `opts:"mode=arg, help=magnet URIs to resolve"`
	Output     string   `opts:"short=o, help=directory for .torrent files (overrides OutputDirectory)"`
	Config     string   `opts:"short=c, help=path to the yaml config file"`
	Overwrite  bool     `opts:"help=replace existing .torrent files"`
	Debug      bool     `opts:"short=d, help=verbose logging"`
	Progress   bool     `opts:"short=p, help=show a metadata progress bar"`
	Watch      string   `opts:"short=w, help=resolve every .magnet file written to this directory"`
	Feed       string   `opts:"short=f, help=resolve the magnet links of an RSS/Atom feed"`
	SaveConfig bool     `opts:"help=write the effective config and exit"`
}

func main() {
	f := flags{}
	opts.New(&f).Name("magnet2torrent").Version(VERSION).Parse()

	if err := run(f); err != nil {
		log.Fatal(err)
	}
}

func run(f flags) error {
	c, err := config.Load(f.Config)
	if err != nil {
		return err
	}
	if f.Output != "" {
		c.OutputDirectory = f.Output
	}
	if f.Watch != "" {
		c.WatchDirectory = f.Watch
	}
	c.Overwrite = c.Overwrite || f.Overwrite
	c.Debug = c.Debug || f.Debug
	if err := c.Validate(); err != nil {
		return err
	}
	if f.SaveConfig {
		if err := c.WriteYaml(""); err != nil {
			return err
		}
		log.Printf("[config] config file written: %s", c.File())
		return nil
	}
	if len(f.Magnet) == 0 && c.WatchDirectory == "" && f.Feed == "" {
		return fmt.Errorf("nothing to do: pass a magnet URI, --watch or --feed")
	}
	if err := file.CheckDir(c.OutputDirectory); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lg := logger.New("m2t", c.Debug)
	r, closeDHT, err := newResolver(c, lg)
	if err != nil {
		return err
	}
	defer closeDHT()

	resolve := func(ctx context.Context, uri string) error {
		rr := *r
		// one bar at a time, watched files resolve concurrently
		if f.Progress && c.WatchDirectory == "" {
			var (
				once   sync.Once
				bar    *uiprogress.Bar
				filled int64
			)
			uiprogress.Start()
			defer uiprogress.Stop()
			rr.OnProgress = func(n, total int) {
				once.Do(func() { bar = progressBar(total, &filled) })
				atomic.StoreInt64(&filled, int64(n))
				bar.Set(n)
			}
		}
		res, err := rr.Resolve(ctx, uri)
		if err != nil {
			return err
		}
		fmt.Println(res.Path)
		return nil
	}

	failed := 0
	for _, m := range f.Magnet {
		if err := resolve(ctx, m); err != nil {
			lg.Errorf("%v", err)
			failed++
		}
	}
	if f.Feed != "" {
		if _, err := watch.Feed(ctx, f.Feed, lg.Named("feed"), resolve); err != nil {
			return err
		}
	}
	if c.WatchDirectory != "" {
		return watch.Dir(ctx, c.WatchDirectory, lg.Named("watch"), resolve)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d magnets failed", failed, len(f.Magnet))
	}
	return nil
}

// progressBar counts metadata blocks the way a download bar counts pieces.
func progressBar(total int, filled *int64) *uiprogress.Bar {
	bar := uiprogress.AddBar(total)
	bar.AppendCompleted()
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "blocks: " + strconv.FormatInt(atomic.LoadInt64(filled), 10) + "/" + strconv.Itoa(total)
	})
	bar.AppendElapsed()
	return bar
}

func newResolver(c *config.Config, lg logger.Logger) (*resolver.Resolver, func(), error) {
	limit, err := c.MetadataLimit()
	if err != nil {
		return nil, nil, err
	}
	peerID := helper.GeneratePeerID()
	r := &resolver.Resolver{
		Log:             lg,
		PeerID:          peerID,
		Timeout:         c.Timeout,
		MaxSessions:     int64(c.MaxPeerSessions),
		MaxMetadataSize: limit,
		Session: channel.Options{
			DialTimeout: c.PeerDialTimeout,
			IdleTimeout: c.PeerIdleTimeout,
		},
		Banned:    torrent.NewBanlist(c.BanlistSize),
		OutputDir: c.OutputDirectory,
		Overwrite: c.Overwrite,
		CreatedBy: c.CreatedBy,
	}
	if c.EnableTrackers {
		r.Trackers = tracker.NewClient(peerID, c.TrackerTimeout, lg.Named("tracker"))
		r.TrackerList = tracker.NewList(c.TrackerList, c.TrackerListTTL, lg.Named("trackerlist"))
	}
	closeDHT := func() {}
	if c.EnableDHT {
		switch c.DHTBackend {
		case config.BackendMainline:
			m, err := dht.NewMainline(dht.MainlineConfig{
				Port:    c.DHTPort,
				Routers: c.DHTBootstrap,
			}, lg.Named("dht"))
			if err != nil {
				return nil, nil, err
			}
			r.DHT = m
			closeDHT = func() { m.Close() }
		default:
			d, err := dht.New(dht.Config{
				ListenAddr:   fmt.Sprintf(":%d", c.DHTPort),
				Bootstrap:    c.DHTBootstrap,
				QueryTimeout: c.DHTQueryTimeout,
				QueryRate:    c.DHTQueryRate,
				Alpha:        c.DHTAlpha,
				MaxHops:      c.DHTMaxHops,
				StatePath:    c.DHTStatePath,
			}, lg.Named("dht"))
			if err != nil {
				return nil, nil, err
			}
			r.DHT = d
			closeDHT = func() { d.Close() }
		}
	}
	return r, closeDHT, nil
}
