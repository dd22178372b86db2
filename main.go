package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/tylerb/graceful.v1"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
	"github.com/honeybadger-io/honeybadger-go"
	"github.com/newrelic/go-agent"
	"github.com/satori/go.uuid"

	"github.com/kiskolabs/cloudwatch-appender/appender"
	"github.com/kiskolabs/cloudwatch-appender/payload"
)

// App is an HTTPS log drain. It receives newline-delimited payload batches as
// POST requests addressed to a log group (and optionally a log stream), and
// appends them to CloudWatch Logs.
type App struct {
	retention      int
	stripAnsiCodes bool
	user, pass     string
	defaultStream  string
	parse          payload.ParseFunc
	appender       logAppender
	newrelic       newrelic.Application
}

type logAppender interface {
	AppendBatch(payloads []interface{}, group, stream string, opts *appender.Options) (*cloudwatchlogs.PutLogEventsOutput, error)
}

func main() {
	var bind, user, pass string
	var retention int
	var stripAnsiCodes bool

	flag.StringVar(&bind, "bind", ":8080", "address to bind to")
	flag.IntVar(&retention, "retention", 0, "log retention in days for new log groups")
	flag.StringVar(&user, "user", "", "username for HTTP basic auth")
	flag.StringVar(&pass, "pass", "", "password for HTTP basic auth")
	flag.BoolVar(&stripAnsiCodes, "strip-ansi-codes", false, "strip ANSI codes from log messages")
	flag.Parse()

	nrAppName := os.Getenv("NEW_RELIC_APP_NAME")
	if nrAppName == "" {
		nrAppName = "cloudwatch-appender"
	}

	nrLicense := os.Getenv("NEW_RELIC_LICENSE_KEY")
	nrConfig := newrelic.NewConfig(nrAppName, nrLicense)
	nrConfig.Enabled = (nrLicense != "")

	nrApp, err := newrelic.NewApplication(nrConfig)
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}

	sess, err := session.NewSession()
	if err != nil {
		log.Printf("failed to create AWS session: %s\n", err)
		os.Exit(1)
	}

	a, err := appender.New(&appender.Config{
		Client:   cloudwatchlogs.New(sess),
		NewRelic: nrApp,
	})
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}

	app := &App{
		retention:      retention,
		user:           user,
		pass:           pass,
		stripAnsiCodes: stripAnsiCodes,
		defaultStream:  uuid.NewV4().String(),
		parse:          payload.Parse,
		appender:       a,
		newrelic:       nrApp,
	}

	if honeybadger.Config.APIKey == "" {
		honeybadger.Configure(honeybadger.Configuration{Backend: honeybadger.NewNullBackend()})
	}

	honeybadger.BeforeNotify(
		func(notice *honeybadger.Notice) error {
			if notice.ErrorClass == "errors.errorString" {
				notice.Fingerprint = notice.ErrorMessage
			}
			return nil
		},
	)

	mux := http.NewServeMux()
	mux.Handle(newrelic.WrapHandle(nrApp, "/", honeybadger.Handler(app)))
	err = graceful.RunWithErr(bind, 5*time.Second, mux)
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	group, stream := splitPath(r.URL.Path)
	if stream == "" {
		stream = app.defaultStream
	}

	if r.Method == http.MethodGet {
		if group == "" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		} else {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("Not found"))
		}
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("The only accepted request method is POST"))
		return
	}

	if group == "" {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("Request path must specify the log group name"))
		return
	}

	user, pass, _ := r.BasicAuth()
	if user != app.user || pass != app.pass {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	txn, _ := w.(newrelic.Transaction)
	if txn != nil {
		if err := txn.AddAttribute("LogGroup", group); nil != err {
			log.Printf("failed to add New Relic attribute for group %s: %s\n", group, err)
		}
	}

	payloads, err := app.readPayloads(r.Body, txn)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		honeybadger.Notify(err)
		log.Println(err)
		return
	}

	if len(payloads) > 0 {
		opts := &appender.Options{Retention: app.retention}
		if _, err = app.appender.AppendBatch(payloads, group, stream, opts); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			honeybadger.Notify(err)
			log.Printf("failed to append %d payloads to %s/%s: %s\n", len(payloads), group, stream, err)
			return
		}
	}

	w.WriteHeader(http.StatusAccepted)
}

// readPayloads parses the request body into one payload per line.
func (app *App) readPayloads(r io.Reader, txn newrelic.Transaction) ([]interface{}, error) {
	if txn != nil {
		defer newrelic.StartSegment(txn, "readPayloads").End()
	}
	var payloads []interface{}
	buf := bufio.NewReader(r)
	eof := false
	for {
		b, err := buf.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				eof = true
			} else {
				return nil, fmt.Errorf("failed to scan request body: %s", err)
			}
		}
		if eof && len(b) == 0 {
			break
		}
		p := app.parse(b)
		if s, ok := p.(string); ok && app.stripAnsiCodes {
			p = stripAnsi(s)
		}
		payloads = append(payloads, p)
		if eof {
			break
		}
	}
	return payloads, nil
}

// splitPath breaks "/group/stream" into its parts; the stream is optional.
func splitPath(path string) (group, stream string) {
	parts := strings.SplitN(strings.Trim(path, "/"), "/", 2)
	group = parts[0]
	if len(parts) == 2 {
		stream = parts[1]
	}
	return group, stream
}

var ansiRegexp = regexp.MustCompile("\x1b[^m]*m")

func stripAnsi(s string) string {
	return ansiRegexp.ReplaceAllLiteralString(s, "")
}
