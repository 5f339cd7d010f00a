// Command mbeanctl talks to an mbeand server.
//
//	mbeanctl [flags] count
//	mbeanctl [flags] domain
//	mbeanctl [flags] query [pattern]
//	mbeanctl [flags] get <name> <attribute>
//	mbeanctl [flags] set <name> <attribute> <value>
//	mbeanctl [flags] invoke <name> <operation> [param...]
//	mbeanctl [flags] unregister <name>
//	mbeanctl [flags] watch <name>
//
// Values are parsed as YAML scalars, so 3 is an int and true a bool.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"mbean-remoting/client"
	"mbean-remoting/config"
	"mbean-remoting/mbean"
	"mbean-remoting/registry"
)

type options struct {
	configPath string
	addr       string
	etcd       string
	routing    string
	codec      string
	timeout    time.Duration
}

func main() {
	var o options
	flags := gnuflag.NewFlagSet("mbeanctl", gnuflag.ExitOnError)
	flags.StringVar(&o.configPath, "config", "", "YAML configuration file")
	flags.StringVar(&o.addr, "addr", "", "server address, overrides client.address")
	flags.StringVar(&o.etcd, "etcd", "", "comma separated etcd endpoints; resolves the server by routing tag")
	flags.StringVar(&o.routing, "routing", "", "routing tag of the target")
	flags.StringVar(&o.codec, "codec", "", "json or binary")
	flags.DurationVar(&o.timeout, "timeout", 0, "per-call timeout")
	_ = flags.Parse(true, os.Args[1:])

	if err := run(o, flags.Args(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "mbeanctl: %v\n", err)
		os.Exit(1)
	}
}

func run(o options, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("no command")
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return errors.Trace(err)
	}
	override(&cfg, o)
	if err := cfg.Validate(); err != nil {
		return errors.Trace(err)
	}
	logger, err := cfg.Log.Build()
	if err != nil {
		return errors.Trace(err)
	}
	defer logger.Sync()

	reg, err := mbean.NewRegistry()
	if err != nil {
		return errors.Trace(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	addr := cfg.Client.Address
	if cfg.Etcd.Enabled() {
		dir, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout.D(), logger)
		if err != nil {
			return errors.Trace(err)
		}
		ep, err := registry.Resolve(ctx, dir, cfg.Client.Routing, reg.Fingerprint())
		_ = dir.Close()
		if err != nil {
			return errors.Trace(err)
		}
		addr = ep.Addr
		logger.Debug("resolved", zap.String("addr", addr), zap.String("codec", ep.Codec))
	}

	c, err := client.Dial(ctx, addr, reg,
		client.WithLogger(logger),
		client.WithCodec(config.CodecType(cfg.Client.Codec)),
		client.WithRouting(cfg.Client.Routing),
		client.WithTimeout(cfg.Client.Timeout.D()),
		client.WithNotificationTTL(cfg.Client.NotificationTTL.D()),
		client.WithHeartbeat(cfg.Client.HeartbeatInterval.D()),
	)
	if err != nil {
		return errors.Trace(err)
	}
	defer c.Close()

	return command(ctx, c, args, out)
}

func override(cfg *config.Config, o options) {
	if o.addr != "" {
		cfg.Client.Address = o.addr
	}
	if o.etcd != "" {
		cfg.Etcd.Endpoints = strings.Split(o.etcd, ",")
	}
	if o.routing != "" {
		cfg.Client.Routing = o.routing
	}
	if o.codec != "" {
		cfg.Client.Codec = o.codec
	}
	if o.timeout > 0 {
		cfg.Client.Timeout = config.Duration(o.timeout)
	}
}

func command(ctx context.Context, conn mbean.Connection, args []string, out io.Writer) error {
	need := func(n int) error {
		if len(args)-1 < n {
			return errors.NotValidf("%s with %d arguments", args[0], len(args)-1)
		}
		return nil
	}
	switch args[0] {
	case "count":
		n, err := conn.GetMBeanCount(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, n)
	case "domain":
		d, err := conn.GetDefaultDomain(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, d)
	case "query":
		pattern := mbean.ObjectName("*:*")
		if len(args) > 1 {
			pattern = mbean.ObjectName(args[1])
		}
		names, err := conn.QueryNames(ctx, pattern)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(out, name)
		}
	case "get":
		if err := need(2); err != nil {
			return err
		}
		v, err := conn.GetAttribute(ctx, mbean.ObjectName(args[1]), args[2])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v)
	case "set":
		if err := need(3); err != nil {
			return err
		}
		return conn.SetAttribute(ctx, mbean.ObjectName(args[1]), mbean.Attribute{Name: args[2], Value: scalar(args[3])})
	case "invoke":
		if err := need(2); err != nil {
			return err
		}
		params := make([]any, 0, len(args)-3)
		for _, a := range args[3:] {
			params = append(params, scalar(a))
		}
		v, err := conn.Invoke(ctx, mbean.ObjectName(args[1]), args[2], params)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v)
	case "unregister":
		if err := need(1); err != nil {
			return err
		}
		return conn.UnregisterMBean(ctx, mbean.ObjectName(args[1]))
	case "watch":
		if err := need(1); err != nil {
			return err
		}
		return watch(ctx, conn, mbean.ObjectName(args[1]), out)
	default:
		return errors.NotSupportedf("command %q", args[0])
	}
	return nil
}

// printer writes each notification on one line.
type printer struct {
	out io.Writer
}

func (p *printer) HandleNotification(n mbean.Notification, handback any) {
	fmt.Fprintf(p.out, "%s #%d %s %s %v\n", n.TimeStamp.Format(time.RFC3339), n.Sequence, n.Source, n.Type, n.UserData)
}

// watch prints notifications from name until ctx is done.
func watch(ctx context.Context, conn mbean.Connection, name mbean.ObjectName, out io.Writer) error {
	p := &printer{out: out}
	if err := conn.AddNotificationListener(ctx, name, p, nil); err != nil {
		return err
	}
	<-ctx.Done()
	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.RemoveNotificationListener(rctx, name, p)
}

func scalar(s string) any {
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil || v == nil {
		return s
	}
	switch v.(type) {
	case int, float64, bool, string:
		return v
	}
	return s
}
