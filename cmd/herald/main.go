package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NumminorihSF/rabbitmq-herald-client/config"
	"github.com/NumminorihSF/rabbitmq-herald-client/encoding/json"
	"github.com/NumminorihSF/rabbitmq-herald-client/herald"
	"github.com/NumminorihSF/rabbitmq-herald-client/metrics"
	"github.com/NumminorihSF/rabbitmq-herald-client/rail"
	"github.com/NumminorihSF/rabbitmq-herald-client/util/cli"
	"github.com/gin-gonic/gin"
	_ "go.uber.org/automaxprocs"
)

const usage = `
herald - call and serve herald rpc over rabbitmq

Usage:
  %[1]s serve [configFile=conf.yml] [key=value ...]
  %[1]s call -target APP -action NAME [-args JSON] [-instance UID] [-broadcast] [-timeout DUR] [-retry] [key=value ...]

Properties can be set in the config file, as environment variables or as key=value arguments,
e.g., herald.rabbitmq.host=localhost herald.log.level=debug.
`

func main() {
	if len(os.Args) < 2 {
		cli.Printlnf(usage, os.Args[0])
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = serve(os.Args[2:])
	case "call":
		err = call(os.Args[2:])
	default:
		cli.Printlnf(usage, os.Args[0])
		os.Exit(2)
	}
	if err != nil {
		cli.Exitf("%v", err)
	}
}

// Load config and build client from it.
func newClient(args []string) (*herald.Client, error) {
	if err := config.DefaultReadConfig(args); err != nil {
		return nil, err
	}
	rail.SetLogLevel(config.GetPropStr(herald.PropLogLevel))
	if f := config.GetPropStr(herald.PropLogFile); f != "" {
		rail.AppendRollingLogFile(rail.RollingLogFileParam{Filename: f, MaxSize: 50, MaxAge: 7, MaxBackups: 10})
	}

	s, err := herald.SettingsFromConfig(config.Global())
	if err != nil {
		return nil, err
	}
	return herald.NewClient(s)
}

func serve(args []string) error {
	rl := rail.EmptyRail()
	c, err := newClient(args)
	if err != nil {
		return err
	}

	c.AddHandler("ping", herald.TypedHandler(func(rl rail.Rail, req any) (string, error) {
		return "pong", nil
	}))
	c.AddHandler("echo", herald.HandlerWithIdentity(func(rl rail.Rail, caller herald.Identity, args herald.Payload, respond herald.Respond) {
		rl.Infof("Echo for %v, %v", caller, args)
		respond(args, nil)
	}))
	c.OnConnected(func(id herald.Identity) { rl.Infof("Serving as %v", id) })
	c.OnDisconnected(func(err error) { rl.Warnf("Lost connection, %v", err) })
	c.OnFault(func(err error) { rl.Errorf("Fault, %v", err) })
	if err := c.Connect(); err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	if config.GetPropBool(metrics.PropMetricsEnabled) {
		metrics.Route(engine, config.GetPropStr(metrics.PropMetricsRoute))
	}
	engine.GET("/health", func(gc *gin.Context) {
		st := c.State()
		code := http.StatusOK
		if st != herald.Connected {
			code = http.StatusServiceUnavailable
		}
		gc.JSON(code, gin.H{
			"state":    st.String(),
			"identity": c.Identity().String(),
			"inFlight": c.InFlight(),
			"buffered": c.Buffered(),
			"handlers": c.Handlers(),
		})
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", config.GetPropInt(herald.PropServerPort)), Handler: engine}
	go func() {
		rl.Infof("HTTP server listening on %v", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rl.Errorf("HTTP server failed, %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	rl.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		rl.Warnf("Failed to shutdown HTTP server, %v", err)
	}
	return c.Close()
}

func call(args []string) error {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	target := fs.String("target", "", "Target application")
	action := fs.String("action", "", "Action name")
	params := fs.String("args", "{}", "Arguments in json")
	instance := fs.String("instance", "", "Uid of the target instance")
	broadcast := fs.Bool("broadcast", false, "Call every instance of the target")
	timeout := fs.Duration("timeout", 0, "Call timeout, herald.rpc.timeout by default")
	doRetry := fs.Bool("retry", false, "Retry on timeout, up to herald.rpc.retry times")
	debug := fs.Bool("debug", false, "Debug")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !json.IsValidJson([]byte(*params)) {
		return fmt.Errorf("-args is not valid json: %v", *params)
	}

	c, err := newClient(fs.Args())
	if err != nil {
		return err
	}
	if err := c.Connect(); err != nil {
		return err
	}
	defer c.Close()

	rl, cancel := rail.EmptyRail().WithTimeout(time.Minute)
	defer cancel()
	if err := c.WaitReady(rl); err != nil {
		return err
	}
	cli.DebugPrintlnf(*debug, "Connected as %v", c.Identity())

	a := herald.Action{Name: *action, Args: herald.Payload(*params)}
	opts := &herald.CallOptions{Timeout: *timeout, Instance: *instance, Broadcast: *broadcast}
	var res herald.Payload
	if *doRetry {
		res, err = c.CallRetry(rl, *target, a, opts)
	} else {
		res, err = c.Call(rl, *target, a, opts)
	}
	if err != nil {
		return err
	}
	cli.Printlnf("%s", res)
	return nil
}
