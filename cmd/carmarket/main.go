package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/guarzo/carmarket/internal/config"
	"github.com/guarzo/carmarket/internal/ingest"
	"github.com/guarzo/carmarket/internal/model"
	"github.com/guarzo/carmarket/internal/platform"
	"github.com/guarzo/carmarket/internal/platform/craigslist"
	"github.com/guarzo/carmarket/internal/platform/mercadolibre"
	"github.com/guarzo/carmarket/internal/ratelimit"
	"github.com/guarzo/carmarket/internal/schedule"
	"github.com/guarzo/carmarket/internal/session"
	"github.com/guarzo/carmarket/internal/snapshot"
	"github.com/guarzo/carmarket/internal/trends"
)

func main() {
	mode := flag.String("mode", "run", "run, daemon, supply, trend, movers, overview, frequency, share, top, activity")
	date := flag.String("date", time.Now().Format(model.SnapshotDateFormat), "civil date for ingestion (YYYY-MM-DD)")
	mk := flag.String("make", "", "vehicle make for trend queries")
	mdl := flag.String("model", "", "vehicle model for trend queries")
	days := flag.Int("days", 30, "comparison window in days for movers")
	limit := flag.Int("limit", 10, "result limit for ranked queries")
	by := flag.String("by", "", "share grouping (make, model) or top ranking (engagement, frequency)")
	window := flag.Int("window", 3, "trailing snapshots a listing may miss before it counts as delisted")
	platformName := flag.String("platform", "", "platform for supply mode")
	credentials := flag.String("credentials", "", "opaque credential blob for supply mode")
	flag.Parse()

	log.SetPrefix("[carmarket] ")
	cfg := config.Load()

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open snapshot store: %v", err)
	}

	switch *mode {
	case "supply":
		if *platformName == "" || *credentials == "" {
			log.Fatal("supply mode needs -platform and -credentials")
		}
		sessions := mustSessions(cfg)
		if err := sessions.SupplyCredentials(*platformName, *credentials); err != nil {
			log.Fatalf("supply credentials: %v", err)
		}
		log.Printf("credentials stored for %s", *platformName)

	case "run":
		orch := buildOrchestrator(cfg, store)
		reports := orch.RunIngestion(signalContext(), *date)
		printJSON(reports)

	case "daemon":
		ctx := signalContext()
		orch := buildOrchestrator(cfg, store)
		sched := schedule.New(orch)
		if err := sched.Start(ctx, cfg.CronSpec); err != nil {
			log.Fatalf("start scheduler: %v", err)
		}
		log.Printf("daemon started, cron %q", cfg.CronSpec)
		<-ctx.Done()
		sched.Stop()

	case "trend", "movers", "overview", "frequency", "share", "top", "activity":
		out, err := runQuery(store, *mode, queryOpts{
			Make:   *mk,
			Model:  *mdl,
			Days:   *days,
			Limit:  *limit,
			By:     *by,
			Window: *window,
		})
		if err != nil {
			log.Fatalf("%s query: %v", *mode, err)
		}
		printJSON(out)

	default:
		log.Fatalf("unknown mode %q", *mode)
	}
}

// queryOpts carries the flag values a trend query needs.
type queryOpts struct {
	Make   string
	Model  string
	Days   int
	Limit  int
	By     string
	Window int
}

// runQuery dispatches the read-only analytics modes. Flagged make and
// model values are folded to lowercase since that is how normalized
// listings store them.
func runQuery(store snapshot.Store, mode string, opts queryOpts) (interface{}, error) {
	mk := strings.ToLower(opts.Make)
	mdl := strings.ToLower(opts.Model)

	var q snapshot.Query
	switch mode {
	case "trend", "frequency", "activity":
		q = snapshot.Query{Make: mk, Model: mdl}
	}
	snaps, err := store.ReadRange(q)
	if err != nil {
		return nil, fmt.Errorf("read snapshots: %w", err)
	}

	switch mode {
	case "trend":
		points, dir := trends.PriceTrend(snaps, mk, mdl)
		return map[string]interface{}{"direction": dir, "points": points}, nil
	case "movers":
		return trends.TrendingMovers(snaps, opts.Days, opts.Limit), nil
	case "overview":
		return trends.Overview(snaps), nil
	case "frequency":
		return trends.ListingFrequency(snaps, mk, mdl), nil
	case "share":
		groupBy := trends.ByMake
		if opts.By == string(trends.ByModel) {
			groupBy = trends.ByModel
		}
		return trends.MarketShare(snaps, groupBy), nil
	case "top":
		switch opts.By {
		case "frequency":
			return trends.TopByFrequency(snaps, opts.Limit), nil
		case "", "engagement":
			return trends.TopByEngagement(snaps, opts.Limit), nil
		default:
			return nil, fmt.Errorf("top ranks by engagement or frequency, not %q", opts.By)
		}
	case "activity":
		active, delisted := trends.SplitByActivity(snaps, opts.Window)
		return map[string]interface{}{"active": active, "delisted": delisted}, nil
	default:
		return nil, fmt.Errorf("unknown query mode %q", mode)
	}
}

func openStore(cfg *config.Config) (snapshot.Store, error) {
	if cfg.PostgresDSN != "" {
		return snapshot.NewPostgresStore(cfg.PostgresDSN)
	}
	return snapshot.NewFileStore(cfg.SnapshotDir)
}

func mustSessions(cfg *config.Config) *session.Store {
	sessions, err := session.NewStore(cfg.SessionPath, cfg.SessionMaxAge)
	if err != nil {
		log.Fatalf("open session store: %v", err)
	}
	return sessions
}

func buildOrchestrator(cfg *config.Config, store snapshot.Store) *ingest.Orchestrator {
	client := platform.NewClient(cfg.RequestTimeout)

	var adapters []platform.Adapter
	for _, name := range cfg.Platforms {
		switch name {
		case "mercadolibre":
			adapters = append(adapters, mercadolibre.New(client))
		case "craigslist":
			adapters = append(adapters, craigslist.New(client))
		default:
			log.Printf("unknown platform %q in config, skipping", name)
		}
	}
	if len(adapters) == 0 {
		log.Fatal("no usable platforms configured")
	}

	limiter := ratelimit.NewController(ratelimit.Options{
		BaseDelay:      cfg.RequestDelay,
		MaxDelay:       cfg.MaxBackoff,
		CooldownStreak: cfg.CooldownStreak,
	})

	return ingest.New(adapters, mustSessions(cfg), limiter, store, ingest.Options{
		MaxPages:             cfg.MaxPages,
		MaxRetries:           cfg.MaxRetries,
		DedupWindow:          cfg.DedupWindow,
		PageFailureThreshold: cfg.PageFailureThreshold,
	})
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down")
		cancel()
	}()
	return ctx
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("encode output: %v", err)
	}
	fmt.Println(string(data))
}
