package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	gonotify "github.com/go-pkgz/notify"
	"github.com/go-pkgz/syncs"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/jobsync/app/engine"
	"github.com/umputun/jobsync/app/notify"
	"github.com/umputun/jobsync/app/stream"
	"github.com/umputun/jobsync/app/web"
)

var opts struct {
	API        string        `short:"a" long:"api" env:"JOBSYNC_API" default:"http://localhost:8000/api" description:"generation server api root"`
	WS         string        `short:"w" long:"ws" env:"JOBSYNC_WS" description:"update stream websocket url, derived from api if not set"`
	Timeout    time.Duration `long:"timeout" env:"JOBSYNC_TIMEOUT" default:"30s" description:"api request timeout"`
	Resync     string        `long:"resync" env:"JOBSYNC_RESYNC" default:"@every 5m" description:"periodic resync schedule, empty to disable"`
	StatsEvery time.Duration `long:"stats-interval" env:"JOBSYNC_STATS_INTERVAL" default:"5s" description:"server stats polling interval"`
	List       bool          `short:"l" long:"list" description:"print jobs and exit"`
	Status     string        `short:"s" long:"status" default:"all" description:"status filter for --list"`
	Dbg        bool          `long:"dbg" env:"JOBSYNC_DEBUG" description:"debug mode"`

	Stream struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"12" description:"reconnect attempts before giving up"`
		Delay    time.Duration `long:"delay" env:"DELAY" default:"1s" description:"initial reconnect delay"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"1.5" description:"reconnect backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"reconnect jitter"`
		Ping     time.Duration `long:"ping" env:"PING" default:"30s" description:"keepalive ping interval"`
	} `group:"stream" namespace:"stream" env-namespace:"JOBSYNC_STREAM"`

	Journal struct {
		Enabled bool   `long:"enabled" env:"ENABLED" description:"enable change journal"`
		Path    string `long:"path" env:"PATH" default:"jobsync.db" description:"journal sqlite file"`
		Keep    int    `long:"keep" env:"KEEP" default:"100" description:"entries kept per job on daily cleanup"`
	} `group:"journal" namespace:"journal" env-namespace:"JOBSYNC_JOURNAL"`

	Web struct {
		Enabled      bool    `long:"enabled" env:"ENABLED" description:"enable web api"`
		Address      string  `long:"address" env:"ADDRESS" default:":8080" description:"web server listen address"`
		BaseURL      string  `long:"base-url" env:"BASE_URL" description:"base url path for reverse proxy (e.g., /jobsync)"`
		PasswordHash string  `long:"password-hash" env:"PASSWORD_HASH" description:"bcrypt hash for basic auth, user jobsync"`
		SubmitRate   float64 `long:"submit-rate" env:"SUBMIT_RATE" default:"1" description:"max submits per second per client"`
	} `group:"web" namespace:"web" env-namespace:"JOBSYNC_WEB"`

	Notify struct {
		OnCompleted    bool          `long:"on-completed" env:"ON_COMPLETED" description:"notify on completed jobs"`
		OnFailed       bool          `long:"on-failed" env:"ON_FAILED" description:"notify on failed jobs"`
		OnGiveUp       bool          `long:"on-give-up" env:"ON_GIVE_UP" description:"notify when update stream is lost"`
		SMTPHost       string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort       int           `long:"smtp-port" env:"SMTP_PORT" default:"25" description:"SMTP port"`
		SMTPUsername   string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword   string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS        bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		Timeout        time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"notification timeout"`
		FromEmail      string        `long:"from" env:"FROM" description:"SMTP from email"`
		ToEmails       []string      `long:"to" env:"TO" description:"SMTP to email(s)" env-delim:","`
		Webhooks       []string      `long:"webhook" env:"WEBHOOK" description:"webhook url(s)" env-delim:","`
		WebhookHeaders []string      `long:"webhook-header" env:"WEBHOOK_HEADER" description:"webhook header(s), i.e. Authorization:token" env-delim:","`
		Template       string        `long:"template" env:"TEMPLATE" description:"custom email message template file"`
		HostName       string        `long:"host" env:"HOSTNAME" description:"host name running jobsync"`
	} `group:"notify" namespace:"notify" env-namespace:"JOBSYNC_NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"jobsync.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in megabytes"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of old log files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max days to keep old log files"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"compress rotated log files"`
	} `group:"log" namespace:"log" env-namespace:"JOBSYNC_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("jobsync %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if opts.List {
		if err := listJobs(ctx, os.Stdout, isTerminal(os.Stdout)); err != nil {
			log.Printf("[ERROR] %v", err)
			os.Exit(1)
		}
		return
	}

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] %v", err)
		cancel()
		os.Exit(1)
	}
	cancel()
}

// run starts the engine and the optional web server, returns when both are done
func run(ctx context.Context) error {
	streamURL := opts.WS
	if streamURL == "" {
		u, err := streamURLFromAPI(opts.API)
		if err != nil {
			return err
		}
		streamURL = u
	}

	params := engine.Params{
		APIURL:        opts.API,
		StreamURL:     streamURL,
		HTTPTimeout:   opts.Timeout,
		Backoff:       stream.Backoff{Attempts: opts.Stream.Attempts, Delay: opts.Stream.Delay, Factor: opts.Stream.Factor, Jitter: opts.Stream.Jitter},
		PingInterval:  opts.Stream.Ping,
		StatsInterval: opts.StatsEvery,
		ResyncSpec:    opts.Resync,
		Notifier:      makeNotifier(),
	}
	if opts.Journal.Enabled {
		params.JournalPath = opts.Journal.Path
		params.JournalKeep = opts.Journal.Keep
	}

	eng, err := engine.New(params)
	if err != nil {
		return fmt.Errorf("failed to make engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Printf("[WARN] failed to close engine, %v", err)
		}
	}()
	log.Printf("[INFO] syncing jobs from %s, updates from %s", opts.API, streamURL)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	gr := syncs.NewErrSizedGroup(2, syncs.Context(ctx))
	gr.Go(func() error {
		defer cancel() // engine is done, web api has nothing to serve
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("engine failed: %w", err)
		}
		return nil
	})

	if opts.Web.Enabled {
		cfg := web.Config{
			Store:        eng.Store,
			Actions:      eng.Actions,
			Stream:       eng.Stream,
			Stats:        eng.Stats,
			BaseURL:      validateBaseURL(opts.Web.BaseURL),
			Version:      revision,
			PasswordHash: opts.Web.PasswordHash,
			SubmitRate:   opts.Web.SubmitRate,
		}
		if eng.Journal != nil {
			cfg.Journal = eng.Journal
		}
		srv, err := web.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to make web server: %w", err)
		}
		gr.Go(func() error {
			if err := srv.Run(ctx, opts.Web.Address); err != nil {
				cancel()
				return err
			}
			return nil
		})
	}
	return gr.Wait()
}

// streamURLFromAPI makes websocket url from api root, http://host:8000/api -> ws://host:8000/ws
func streamURLFromAPI(api string) (string, error) {
	u, err := url.Parse(api)
	if err != nil {
		return "", fmt.Errorf("invalid api url %q: %w", api, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid api url %q, http or https expected", api)
	}
	path := strings.TrimSuffix(u.Path, "/")
	path = strings.TrimSuffix(path, "/api")
	u.Path = path + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

func makeNotifier() *notify.Service {
	if !opts.Notify.OnCompleted && !opts.Notify.OnFailed && !opts.Notify.OnGiveUp {
		return nil
	}

	if opts.Notify.FromEmail == "" {
		opts.Notify.FromEmail = "jobsync@" + makeHostName()
	}

	return notify.NewService(
		notify.Params{
			OnCompleted: opts.Notify.OnCompleted,
			OnFailed:    opts.Notify.OnFailed,
			OnGiveUp:    opts.Notify.OnGiveUp,
			Template:    opts.Notify.Template,
			Host:        makeHostName(),
			Timeout:     opts.Notify.Timeout,
		},
		notify.SendersParams{
			SMTP: gonotify.SMTPParams{
				Host:     opts.Notify.SMTPHost,
				Port:     opts.Notify.SMTPPort,
				TLS:      opts.Notify.SMTPTLS,
				Username: opts.Notify.SMTPUsername,
				Password: opts.Notify.SMTPPassword,
				TimeOut:  opts.Notify.Timeout,
			},
			FromEmail:      opts.Notify.FromEmail,
			ToEmails:       opts.Notify.ToEmails,
			WebhookURLs:    opts.Notify.Webhooks,
			WebhookHeaders: opts.Notify.WebhookHeaders,
		},
	)
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// validateBaseURL normalizes base url, "/" and "" mean root
func validateBaseURL(baseURL string) string {
	res := strings.TrimSuffix(baseURL, "/")
	if res != "" && !strings.HasPrefix(res, "/") {
		res = "/" + res
	}
	return res
}

// setupLogs configures logger and returns its destination, stdout or rotated file
func setupLogs() io.Writer {
	var out io.Writer = os.Stdout
	if opts.Log.Enabled {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}

	logOpts := []log.Option{log.Msec, log.Out(out), log.Err(out)}
	if opts.Dbg {
		logOpts = append(logOpts, log.Debug, log.CallerFunc, log.CallerPkg, log.CallerFile)
	}
	log.Setup(logOpts...)
	return out
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			log.Printf("[INFO] %v received, terminating", sig)
			cancel()
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
