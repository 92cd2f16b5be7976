package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"golang.org/x/term"

	"github.com/storelink/storelink"
	"github.com/storelink/storelink/config"
)

const StoreCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Store link control.

Usage:
    storectl serve --config=<config>
    storectl chat --url=<url> --name=<name>
        [--token=<token>]
        [--history]
    storectl mint-token --secret=<secret> --name=<name>

Options:
    -h --help            Show this screen.
    --version            Show version.
    --config=<config>    Path to the yaml service config.
    --url=<url>          Websocket attach url, e.g. ws://127.0.0.1:7301/link
    --name=<name>        Display name.
    --token=<token>      Subscription token. Prompted for when the store is
                         gated and this is not given.
    --history            Print the transcript before joining.
    --secret=<secret>    Token signing secret.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], StoreCtlVersion)
	if err != nil {
		panic(err)
	}

	// docopt owns the argv; glog just needs the flag set parsed
	flag.CommandLine.Parse([]string{})

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if chat_, _ := opts.Bool("chat"); chat_ {
		chat(opts)
	} else if mintToken_, _ := opts.Bool("mint-token"); mintToken_ {
		mintToken(opts)
	}
}

func serve(opts docopt.Opts) {
	cfg, err := config.Load(opts["--config"].(string))
	if err != nil {
		Err.Fatalf("config error = %s", err)
	}

	flag.Set("logtostderr", "true")
	flag.Set("v", strconv.Itoa(cfg.Verbosity))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	chat := newChatStore(ctx, cfg.ChatHistorySize)
	defer chat.store.Close()

	subscribe := func(req *storelink.SubscribeRequest) storelink.Admission {
		return storelink.AcceptInto(chat.store, "welcome")
	}
	if cfg.AuthSecret != "" {
		subscribe = storelink.RequireAuth([]byte(cfg.AuthSecret), subscribe)
	}

	root := storelink.NewRootStore(ctx)
	defer root.Close()
	root.RequireRegister("chat", subscribe)

	wsSettings := storelink.DefaultWsConnectionSettings()
	mux := http.NewServeMux()
	mux.HandleFunc("/link", func(w http.ResponseWriter, r *http.Request) {
		connection, err := storelink.UpgradeWs(ctx, w, r, wsSettings)
		if err != nil {
			glog.Infof("[ctl]upgrade error = %s\n", err)
			return
		}
		root.Attach(connection)
	})

	if cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metricsMux,
		}
		go metricsServer.ListenAndServe()
		defer metricsServer.Shutdown(ctx)
	}

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	Out.Printf("serving on %s", cfg.ListenAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		Err.Fatalf("serve error = %s", err)
	}
}

func chat(opts docopt.Opts) {
	url := opts["--url"].(string)
	name := opts["--name"].(string)
	var token string
	if tokenAny := opts["--token"]; tokenAny != nil {
		token = tokenAny.(string)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := newChatClientStore(ctx, func(name string, text string) {
		Out.Printf("%s: %s", name, text)
	})
	defer client.store.Close()

	link, payload, err := dialChat(ctx, client.store, url, token)
	var denied *storelink.DeniedError
	if errors.As(err, &denied) && token == "" {
		fmt.Print("Enter token: ")
		tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			Err.Fatalf("token error = %s", err)
		}
		fmt.Printf("\n")
		token = string(tokenBytes)
		link, payload, err = dialChat(ctx, client.store, url, token)
		if err != nil {
			Err.Fatalf("subscribe error = %s", err)
		}
	} else if err != nil {
		Err.Fatalf("subscribe error = %s", err)
	}
	if 0 < len(payload) {
		Out.Printf("joined: %v", payload[0])
	}

	if history_, _ := opts.Bool("--history"); history_ {
		subscription := client.history.Call().Subscribe(ctx)
		values, err := subscription.Collect()
		if err != nil {
			Err.Printf("history error = %s", err)
		}
		for _, value := range values {
			if m, ok := value.(map[string]any); ok {
				Out.Printf("%v: %v", m["name"], m["text"])
			}
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			client.say.PublishTo(storelink.ToOne(link), name, line)
		}
	}
}

func dialChat(ctx context.Context, store *storelink.Store, url string, token string) (*storelink.StoreLink, []any, error) {
	connection, err := storelink.DialWs(ctx, url, storelink.DefaultWsConnectionSettings())
	if err != nil {
		return nil, nil, err
	}
	params := []any{}
	if token != "" {
		params = append(params, token)
	}
	return store.DialLink(ctx, connection, "chat", params...)
}

func mintToken(opts docopt.Opts) {
	secret := opts["--secret"].(string)
	name := opts["--name"].(string)
	byJwt := storelink.NewByJwt(storelink.NewId(), name)
	token, err := byJwt.Sign([]byte(secret))
	if err != nil {
		Err.Fatalf("sign error = %s", err)
	}
	Out.Printf("%s", token)
}
