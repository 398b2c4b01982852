// meridian-test exercises the portal login and extraction path once,
// outside the daemon, and prints what the six sensors would show.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nimdanitro/meridian-scraper-go/pkg/httpcache"
	"github.com/nimdanitro/meridian-scraper-go/pkg/meridian"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

var (
	username    string
	password    string
	configPath  string
	portalURL   string
	historyDays int
	cacheDir    string
	verbose     bool
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pflag.StringVarP(&username, "username", "u", "", "Portal account email address")
	pflag.StringVarP(&password, "password", "p", "", "Portal account password")
	pflag.StringVarP(&configPath, "config", "c", "test/config.json", "JSON config file with username/password")
	pflag.StringVar(&portalURL, "portal-url", meridian.DefaultBaseURL, "Customer portal base URL")
	pflag.IntVar(&historyDays, "history-days", 7, "Days of usage history to average over (1-30)")
	pflag.StringVar(&cacheDir, "cache", "", "Cache HTTP responses in this directory (replay on next run)")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pflag.Parse()

	logCfg := zap.NewDevelopmentConfig()
	if !verbose {
		logCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := logCfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot create logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if username == "" || password == "" {
		creds, err := loadCredentials(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "no credentials: pass --username/--password or create %s\n", configPath)
			os.Exit(1)
		}
		username, password = creds.Username, creds.Password
	}

	opts := []meridian.Option{
		meridian.WithLogger(logger),
		meridian.WithCredentials(username, password),
		meridian.WithBaseURL(portalURL),
		meridian.WithHistoryDays(historyDays),
	}
	if cacheDir != "" {
		cache, err := httpcache.New(cacheDir, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, "cannot set up HTTP cache:", err)
			os.Exit(1)
		}
		fmt.Println("HTTP caching enabled in", cacheDir)
		opts = append(opts, meridian.WithTransport(cache))
	}

	client, err := meridian.NewClient(opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot create portal client:", err)
		os.Exit(1)
	}

	fmt.Println("Signing in to", portalURL, "...")
	reading, err := client.Fetch(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "FAILED:", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("Expected sensor values:")
	fmt.Printf("  Current Rate:      %.3f $/kWh\n", reading.CurrentRate)
	fmt.Printf("  Next Rate:         %.3f $/kWh\n", reading.NextRate)
	fmt.Printf("  Solar Generation:  %.2f kWh\n", reading.SolarGeneration)
	fmt.Printf("  Daily Consumption: %.2f kWh\n", reading.DailyConsumption)
	fmt.Printf("  Daily Feed-in:     %.2f kWh\n", reading.DailyFeedIn)
	fmt.Printf("  Average Daily Use: %.2f kWh\n", reading.AverageDailyUse)
	fmt.Printf("  Fetched At:        %s\n", reading.FetchedAt.Format("2006-01-02 15:04:05"))
}

func loadCredentials(path string) (*credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if creds.Username == "" || creds.Password == "" {
		return nil, fmt.Errorf("%s is missing username or password", path)
	}
	return &creds, nil
}
