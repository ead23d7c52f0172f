package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pglink/pglink/internal/api"
	"github.com/pglink/pglink/internal/config"
	"github.com/pglink/pglink/internal/conninfo"
	"github.com/pglink/pglink/internal/engine"
	"github.com/pglink/pglink/internal/metrics"
	"github.com/pglink/pglink/internal/pool"
	"github.com/pglink/pglink/internal/query"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to configuration file (daemon mode)")
		target     = flag.String("target", "", "connection URI, DBI:Pg DSN, or service name")
		sql        = flag.String("c", "", "SQL to run against the target")
		params     = flag.String("params", "", "comma-separated bind parameters for -c")
		timeout    = flag.Duration("timeout", 10*time.Second, "connect and query timeout")
	)
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if *configPath == "" {
		if *target == "" || *sql == "" {
			log.Fatalf("Need either -config for daemon mode or -target with -c")
		}
		if err := runOnce(*target, *sql, *params, *timeout); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	runDaemon(*configPath)
}

// runOnce connects a single engine and executes one statement.
func runOnce(target, sql, params string, timeout time.Duration) error {
	env := conninfo.SystemEnv()
	info, err := conninfo.Resolve(env, target)
	if err != nil {
		return err
	}

	e, err := engine.New(engine.Config{
		Info:     info,
		Password: conninfo.LookupPassword(env, info),
	})
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := e.Connect(ctx); err != nil {
		return err
	}

	var q *query.Query
	if params != "" {
		q = query.New(sql, strings.Split(params, ",")...)
		err = e.HandleQuery(q)
	} else {
		q, err = e.SimpleQuery(sql)
	}
	if err != nil {
		return err
	}

	for row := range q.Rows {
		fmt.Println(strings.Join(row, "\t"))
	}
	tag, err := q.Completed.Wait(ctx)
	if err != nil {
		return err
	}
	log.Printf("%s", tag)
	return nil
}

// runDaemon serves pools for every configured target plus the admin API.
func runDaemon(configPath string) {
	log.Printf("pglink starting...")

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Configuration loaded from %s (%d targets)", configPath, len(cfg.Targets))

	m := metrics.New()
	env := conninfo.SystemEnv()
	pm := pool.NewManager(pool.Settings{
		MinConns:       cfg.Defaults.MinConns,
		MaxConns:       cfg.Defaults.MaxConns,
		IdleTimeout:    cfg.Defaults.IdleTimeout,
		MaxLifetime:    cfg.Defaults.MaxLifetime,
		AcquireTimeout: cfg.Defaults.AcquireTimeout,
		DialTimeout:    cfg.Defaults.DialTimeout,
	})

	openTargets := func(c *config.Config) {
		for name, tc := range c.Targets {
			info, err := conninfo.Resolve(env, tc.Connstring())
			if err != nil {
				log.Printf("Target %s unusable: %v", name, err)
				continue
			}
			settings := pool.Settings{
				MinConns:       tc.EffectiveMinConns(c.Defaults),
				MaxConns:       tc.EffectiveMaxConns(c.Defaults),
				IdleTimeout:    tc.EffectiveIdleTimeout(c.Defaults),
				MaxLifetime:    tc.EffectiveMaxLifetime(c.Defaults),
				AcquireTimeout: tc.EffectiveAcquireTimeout(c.Defaults),
				DialTimeout:    tc.EffectiveDialTimeout(c.Defaults),
			}
			p := pm.GetOrCreate(name, info, conninfo.LookupPassword(env, info), &settings)
			p.SetOnPoolExhausted(m.PoolExhausted)
			p.SetNotificationHandler(func(target, channel, payload string) {
				m.NotificationReceived(target, channel)
				log.Printf("[notify] %s %s: %s", target, channel, payload)
			})
		}
	}
	openTargets(cfg)

	pm.StartStatsLoop(5*time.Second, func(s pool.Stats) {
		m.UpdatePoolStats(s.Target, s.Active, s.Idle, s.Total, s.Waiting)
	})

	apiServer := api.NewServer(pm, m, cfg.Listen)
	if err := apiServer.Start(); err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	configWatcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		log.Printf("Reloading configuration...")
		pm.UpdateDefaults(pool.Settings{
			MinConns:       newCfg.Defaults.MinConns,
			MaxConns:       newCfg.Defaults.MaxConns,
			IdleTimeout:    newCfg.Defaults.IdleTimeout,
			MaxLifetime:    newCfg.Defaults.MaxLifetime,
			AcquireTimeout: newCfg.Defaults.AcquireTimeout,
			DialTimeout:    newCfg.Defaults.DialTimeout,
		})
		openTargets(newCfg)
	})
	if err != nil {
		log.Printf("Warning: config hot-reload not available: %v", err)
	}

	log.Printf("pglink ready - API:%d targets:%d", cfg.Listen.APIPort, len(cfg.Targets))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %s, shutting down...", sig)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	pm.Close()

	log.Printf("pglink stopped")
}
