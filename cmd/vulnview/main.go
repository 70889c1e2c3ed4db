// vulnview - streaming vulnerability dataset loader and query tool
//
// Usage:
//
//  1. INGEST a dataset and print (or export) a filtered page:
//     vulnview ingest -severity critical,high -sort cvss -dir desc data.json.gz
//
//  2. QUERY a running mirror server page by page:
//     vulnview query -api-url http://localhost:8787/api/v1 -query openssl
//
//  3. SERVE a dataset over the list API, reloading when the file changes:
//     vulnview serve -data data.json -watch
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/exploopio/vulnview/pkg/client"
	"github.com/exploopio/vulnview/pkg/coordinator"
	"github.com/exploopio/vulnview/pkg/ingest"
	"github.com/exploopio/vulnview/pkg/metrics"
	"github.com/exploopio/vulnview/pkg/server"
	"github.com/exploopio/vulnview/pkg/session"
	"github.com/exploopio/vulnview/pkg/shared/severity"
	"github.com/exploopio/vulnview/pkg/store"
	"github.com/exploopio/vulnview/pkg/vuln"
)

const (
	appName    = "vulnview"
	appVersion = "1.0.0"
)

// Config is the optional YAML configuration file. Environment variables in
// it are expanded before parsing.
type Config struct {
	LogLevel string `yaml:"log_level"`

	API         client.Config      `yaml:"api"`
	Session     session.Config     `yaml:"session"`
	Coordinator coordinator.Config `yaml:"coordinator"`
	Server      server.Config      `yaml:"server"`

	// DataFile is the dataset served by "serve" when no -data is given.
	DataFile string `yaml:"data_file"`
}

func defaultConfig() *Config {
	return &Config{
		LogLevel:    "info",
		API:         *client.DefaultConfig(),
		Session:     *session.DefaultConfig(),
		Coordinator: *coordinator.DefaultConfig(),
		Server:      *server.DefaultConfig(),
	}
}

func main() {
	if err := mainImpl(os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func mainImpl(args []string) error {
	if len(args) == 0 {
		usage()
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "ingest":
		return runIngest(ctx, args[1:])
	case "query":
		return runQuery(ctx, args[1:])
	case "serve":
		return runServe(ctx, args[1:])
	case "version", "-version", "--version":
		fmt.Printf("%s version %s\n", appName, appVersion)
		return nil
	case "help", "-h", "-help", "--help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [flags]

Commands:
  ingest   load a dataset (file, URL, github://, gitlab://, -) and print a page
  query    query a mirror server
  serve    serve a dataset over the list API
  version  print the version

Run "%s <command> -h" for the flags of a command.
`, appName, appName)
}

// commonFlags are shared by every command.
type commonFlags struct {
	config  string
	verbose bool
	level   string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.config, "config", "", "Path to YAML config file")
	fs.BoolVar(&c.verbose, "v", false, "Verbose output (debug logging)")
	fs.StringVar(&c.level, "log-level", "", "Log level (debug, info, warn, error)")
}

// setup loads the config file and installs the default logger.
func (c *commonFlags) setup() (*Config, *slog.Logger, error) {
	cfg := defaultConfig()
	if c.config != "" {
		if err := loadConfig(c.config, cfg); err != nil {
			return nil, nil, err
		}
	}
	level := cfg.LogLevel
	if c.level != "" {
		level = c.level
	}
	if c.verbose {
		level = "debug"
	}
	logger, err := newLogger(os.Stderr, level)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func loadConfig(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables in config
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func newLogger(w *os.File, level string) (*slog.Logger, error) {
	var ll slog.Level
	if err := ll.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(tint.NewHandler(colorable.NewColorable(w), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(w.Fd()),
	})), nil
}

func getEnvOrFlag(flagVal, envName string) string {
	if flagVal != "" {
		return flagVal
	}
	return os.Getenv(envName)
}

// queryFlags select, order and page records. They are collected as list API
// parameters so the CLI validates exactly like the server.
type queryFlags struct {
	query, severity, risk, excludeStatus string
	minSeverity                          string
	from, to, sortKey, sortDir           string
	page, pageSize                       int

	export, format string
}

func (q *queryFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&q.query, "query", "", "Case-insensitive text match on id, title and description")
	fs.StringVar(&q.severity, "severity", "", "Comma-separated severities (critical,high,medium,low,unknown)")
	fs.StringVar(&q.minSeverity, "min-severity", "", "Only records at or above this severity")
	fs.StringVar(&q.risk, "risk", "", "Comma-separated risk factors; any must match")
	fs.StringVar(&q.excludeStatus, "exclude-status", "", "Comma-separated statuses to exclude")
	fs.StringVar(&q.from, "from", "", "Earliest published date (inclusive)")
	fs.StringVar(&q.to, "to", "", "Latest published date (inclusive)")
	fs.StringVar(&q.sortKey, "sort", "", "Sort key ("+sortKeyList()+")")
	fs.StringVar(&q.sortDir, "dir", "", "Sort direction (asc, desc)")
	fs.IntVar(&q.page, "page", 0, "Zero-based page")
	fs.IntVar(&q.pageSize, "page-size", coordinator.DefaultPageSize, "Records per page")
	fs.StringVar(&q.export, "export", "", "Export every matching record to this file (.csv or .json, optionally .gz/.zst)")
	fs.StringVar(&q.format, "format", "", "Export format (csv, json); default from the file name")
}

func sortKeyList() string {
	keys := vuln.SortKeys()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return strings.Join(out, ", ")
}

// params converts the flags to list parameters.
func (q *queryFlags) params() (client.ListParams, error) {
	v := url.Values{}
	set := func(key, val string) {
		if val != "" {
			v.Set(key, val)
		}
	}
	set(client.ParamQuery, q.query)
	set(client.ParamSeverity, q.severity)
	set(client.ParamRiskFactors, q.risk)
	set(client.ParamStatusExclude, q.excludeStatus)
	set(client.ParamDateFrom, q.from)
	set(client.ParamDateTo, q.to)
	set(client.ParamSortKey, q.sortKey)
	set(client.ParamSortDir, q.sortDir)
	if q.page < 0 || q.pageSize <= 0 {
		return client.ListParams{}, fmt.Errorf("invalid page %d of size %d", q.page, q.pageSize)
	}
	p, err := client.ParseListParams(v)
	if err != nil {
		return client.ListParams{}, err
	}
	if q.minSeverity != "" {
		if p.Filters.Severity, err = atLeast(q.minSeverity, p.Filters.Severity); err != nil {
			return client.ListParams{}, err
		}
	}
	p.Offset, p.Limit = q.page*q.pageSize, q.pageSize
	return p, nil
}

// atLeast narrows levels to those ranked at or above name. An empty levels
// set means every level.
func atLeast(name string, levels vuln.Set[severity.Level]) (vuln.Set[severity.Level], error) {
	floor := severity.Level(strings.ToLower(strings.TrimSpace(name)))
	if !floor.Valid() {
		return nil, fmt.Errorf("invalid minimum severity %q", name)
	}
	out := vuln.NewSet[severity.Level]()
	for _, l := range severity.AllLevels() {
		if severity.Compare(l, floor) >= 0 && (levels.Len() == 0 || levels.Has(l)) {
			out[l] = struct{}{}
		}
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("no severity is both listed and at least %s", floor)
	}
	return out, nil
}

// apply pushes the query state into coord, refreshing once per change.
func (q *queryFlags) apply(coord *coordinator.Coordinator) error {
	p, err := q.params()
	if err != nil {
		return err
	}
	if err := coord.SetPageSize(p.Limit); err != nil {
		return err
	}
	if err := coord.SetSort(p.Sort); err != nil {
		return err
	}
	if err := coord.SetFilters(p.Filters); err != nil {
		return err
	}
	return coord.SetPage(q.page)
}

func runIngest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	var common commonFlags
	var q queryFlags
	common.register(fs)
	q.register(fs)
	sqlitePath := fs.String("sqlite", "", "SQLite file used once the input passes -migrate-threshold")
	threshold := fs.Int64("migrate-threshold", 0, "Bytes after which records move to SQLite (default from config, 64 MiB)")
	githubToken := fs.String("github-token", "", "GitHub token for github:// locations (or GITHUB_TOKEN env)")
	gitlabToken := fs.String("gitlab-token", "", "GitLab token for gitlab:// locations (or GITLAB_TOKEN env)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := common.setup()
	if err != nil {
		return err
	}
	location := getEnvOrFlag(fs.Arg(0), "VULNVIEW_DATA_FILE")
	if location == "" {
		return errors.New("ingest: missing location")
	}
	if *sqlitePath != "" {
		cfg.Session.SQLitePath = *sqlitePath
	}
	if *threshold > 0 {
		cfg.Session.MigrateThreshold = *threshold
	}
	cfg.Session.Source.GitHubToken = getEnvOrFlag(*githubToken, "GITHUB_TOKEN")
	cfg.Session.Source.GitLabToken = getEnvOrFlag(*gitlabToken, "GITLAB_TOKEN")
	cfg.Session.Logger = logger
	cfg.Coordinator.Logger = logger

	coord := coordinator.New(store.NewMemory(store.Options{Logger: logger}), &cfg.Coordinator)
	defer coord.Close()
	if err := q.apply(coord); err != nil {
		return err
	}

	sess := session.New(coord, &cfg.Session)
	defer sess.Close()

	go reportProgress(ctx, coord, sess, logger)
	start := time.Now()
	sess.Load(ctx, location)
	sess.Wait()

	st := sess.Status()
	if st.Err != nil {
		return fmt.Errorf("ingest %s: %w", location, st.Err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	logger.Info("dataset ready", "records", st.IngestedCount, "bytes", st.ProgressBytes,
		"backend", st.Backend, "highest", coord.ReadModel().Summary.SeverityCounts.HighestSeverity(),
		"duration", time.Since(start))

	return output(ctx, coord, &q)
}

func runQuery(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	var common commonFlags
	var q queryFlags
	common.register(fs)
	q.register(fs)
	apiURL := fs.String("api-url", "", "List API base URL (or VULNVIEW_API_URL env)")
	apiKey := fs.String("api-key", "", "API key sent as bearer token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := common.setup()
	if err != nil {
		return err
	}
	if u := getEnvOrFlag(*apiURL, "VULNVIEW_API_URL"); u != "" {
		cfg.API.BaseURL = u
	}
	if *apiKey != "" {
		cfg.API.APIKey = *apiKey
	}
	cfg.API.Logger = logger
	cfg.Coordinator.Logger = logger

	c := client.New(&cfg.API)
	if err := c.TestConnection(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", c.BaseURL(), err)
	}

	coord := coordinator.New(store.NewRemote(c, store.Options{Logger: logger}), &cfg.Coordinator)
	defer coord.Close()
	sess := session.New(coord, &cfg.Session)
	defer sess.Close()
	if err := sess.Attach(coord.Backend()); err != nil {
		return err
	}
	if err := q.apply(coord); err != nil {
		return err
	}
	return output(ctx, coord, &q)
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	addr := fs.String("addr", "", "Address to listen on (default :$PORT or :8787)")
	data := fs.String("data", "", "Dataset to serve (or VULNVIEW_DATA_FILE env)")
	watch := fs.Bool("watch", false, "Reload the dataset when the file changes")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := common.setup()
	if err != nil {
		return err
	}
	switch {
	case *addr != "":
		cfg.Server.Addr = *addr
	case os.Getenv("PORT") != "":
		cfg.Server.Addr = ":" + os.Getenv("PORT")
	}
	location := getEnvOrFlag(*data, "VULNVIEW_DATA_FILE")
	if location == "" {
		location = cfg.DataFile
	}

	pc, err := metrics.NewPrometheusCollector(nil)
	if err != nil {
		return err
	}
	cfg.Server.Logger = logger
	cfg.Server.Metrics = pc
	srv := server.New(store.NewMemory(store.Options{Logger: logger, Metrics: pc}), &cfg.Server)

	opts := ingest.Options{Parser: cfg.Session.Parser, Source: cfg.Session.Source, Logger: logger, Metrics: pc}
	if location != "" {
		if _, err := srv.Load(ctx, location, opts); err != nil {
			return fmt.Errorf("load %s: %w", location, err)
		}
		if *watch {
			if err := watchDataset(ctx, location, func() {
				if _, err := srv.Load(ctx, location, opts); err != nil {
					logger.Warn("reload failed, keeping previous dataset", "location", location, "error", err)
				}
			}); err != nil {
				return fmt.Errorf("watch %s: %w", location, err)
			}
		}
	} else {
		logger.Warn("no dataset given, serving an empty store")
	}
	return srv.ListenAndServe(ctx)
}

// watchDataset calls reload after path changes. The parent directory is
// watched so editors that replace the file by rename are seen, and bursts of
// events are coalesced by a throttle.
func watchDataset(ctx context.Context, path string, reload func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return err
	}
	th := coordinator.NewThrottle(time.Second, reload)
	go func() {
		defer func() { _ = w.Close() }()
		defer th.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					slog.InfoContext(ctx, "dataset modified, reloading", "path", abs, "op", event.Op.String())
					th.Trigger()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "error watching dataset", "err", err)
			}
		}
	}()
	return nil
}

// reportProgress logs each published read model while a load runs.
func reportProgress(ctx context.Context, coord *coordinator.Coordinator, sess *session.Session, logger *slog.Logger) {
	ch := coord.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			st := sess.Status()
			if !st.Loading {
				continue
			}
			logger.Info("loading",
				"progress", progressText(st), "ingested", st.IngestedCount,
				"matching", m.Total, "backend", m.Backend)
		}
	}
}

func progressText(st session.Status) string {
	if st.TotalBytes <= 0 {
		return strconv.FormatInt(st.ProgressBytes, 10) + " bytes"
	}
	return fmt.Sprintf("%.1f%%", 100*st.Ratio())
}

// output prints the current page, or exports every match when -export is
// set.
func output(ctx context.Context, coord *coordinator.Coordinator, q *queryFlags) error {
	m := coord.ReadModel()
	if m.Err != nil {
		return m.Err
	}
	if q.export != "" {
		st := coord.State()
		n, err := exportFile(ctx, coord.Backend(), st.Filters, st.Sort, q.export, q.format)
		if err != nil {
			return err
		}
		slog.Info("exported", "path", q.export, "records", n)
		return nil
	}
	printPage(os.Stdout, m, coord.State())
	return nil
}

func printPage(w io.Writer, m coordinator.ReadModel, st coordinator.State) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSEVERITY\tCVSS\tPUBLISHED\tSTATUS\tTITLE")
	for i := range m.Results {
		r := &m.Results[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Severity, vuln.StringValue(r, vuln.SortScore), r.Published, r.Status, truncate(r.Title, 60))
	}
	_ = tw.Flush()

	pages := (m.Total + st.PageSize - 1) / st.PageSize
	fmt.Fprintf(w, "\n%d matching of %d records, page %d/%d\n", m.Total, m.Summary.Total, st.Page+1, max(pages, 1))
	counts := m.Summary.SeverityCounts
	for _, l := range severity.AllLevels() {
		fmt.Fprintf(w, "%s=%d ", l, counts.Get(l))
	}
	fmt.Fprintf(w, "total=%d highest=%s\n", counts.Total(), counts.HighestSeverity())
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
