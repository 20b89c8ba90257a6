package main

import (
	"fmt"
	"net/netip"
	"os"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	netrepeater "github.com/zhenghaven/NetRepeater"
)

type options struct {
	configFile string
	verbose    bool
	version    bool
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "netrepeater",
		Short: "Transparent per-host network repeater",
		Long: `Transparent per-host network repeater.

Answers address-record DNS queries with locally-bound addresses drawn from a
configured subnet. Every allocation transparently stands up forwarding
servers on that address that proxy TCP or TLS traffic to the real upstream
host. A static mode binds fixed inbound servers to named forwarding
handlers without DNS involvement.
`,
		Example:      `  netrepeater --config config.json`,
		RunE:         func(cmd *cobra.Command, args []string) error { return start(opt) },
		SilenceUsage: true,
	}

	cmd.Flags().StringVarP(&opt.configFile, "config", "c", "", "Path to the configuration file")
	cmd.Flags().BoolVar(&opt.verbose, "verbose", false, "Enable verbose logging")
	cmd.Flags().BoolVarP(&opt.version, "version", "v", false, "Prints code version string")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Functions to call on shutdown
var onClose []func()

func start(opt options) error {
	if opt.version {
		fmt.Println(version)
		os.Exit(0)
	}
	if opt.configFile == "" {
		return fmt.Errorf("no configuration file given, use --config")
	}

	config, err := loadConfig(opt.configFile)
	if err != nil {
		return err
	}
	if err := initLogger(config.Logger, opt.verbose); err != nil {
		return err
	}

	cluster := netrepeater.NewServerCluster()

	// Static repeat mode: fixed inbound servers bound to named handlers.
	handlers, err := buildHandlers(config.Downstream)
	if err != nil {
		return err
	}
	for _, h := range handlers {
		if rl, ok := h.(*netrepeater.RateLimitHandler); ok {
			onClose = append(onClose, func() { rl.Close() })
		}
	}
	servers, err := buildServers(config.Servers, handlers)
	if err != nil {
		return err
	}
	for _, s := range servers {
		cluster.Add(s)
	}

	// DNS-driven mode: a server manager answering address queries.
	if config.ServerManager != nil {
		listeners, err := buildServerManager(*config.ServerManager)
		if err != nil {
			return err
		}
		for _, l := range listeners {
			cluster.Add(l)
		}
	}

	err = cluster.ServeUntilSignal(syscall.SIGINT, syscall.SIGTERM)
	for _, f := range onClose {
		f()
	}
	return err
}

func buildServerManager(cfg serverManagerConfig) ([]netrepeater.Listener, error) {
	localNet, err := netip.ParsePrefix(cfg.LocalNet)
	if err != nil {
		return nil, fmt.Errorf("invalid local-net: %w", err)
	}
	protoPorts, err := parseProtoAndPorts(cfg.ProtoAndPorts)
	if err != nil {
		return nil, err
	}
	serverTTL, err := parseServerTTL(cfg.ServerTTL)
	if err != nil {
		return nil, err
	}

	manager, err := netrepeater.NewServerManager(netrepeater.ServerManagerOptions{
		LocalNet:   localNet,
		Iface:      cfg.LocalIface,
		IfaceMode:  netrepeater.IfaceMode(cfg.LocalIfaceMode),
		ProtoPorts: protoPorts,
		Lookup:     netrepeater.NewDNSLookup(cfg.RemoteIPLookup, cfg.LookupProto),
		PreferIPv6: cfg.PreferIPv6,
		ServerTTL:  serverTTL,
		AnswerTTL:  cfg.AnswerTTL,
	})
	if err != nil {
		return nil, err
	}
	onClose = append(onClose, manager.Terminate)

	var resolver netrepeater.Resolver = manager
	if cfg.Syslog != nil {
		resolver = netrepeater.NewSyslog("server-manager", manager, netrepeater.SyslogOptions{
			Network:     cfg.Syslog.Network,
			Address:     cfg.Syslog.Address,
			Priority:    cfg.Syslog.Priority,
			Tag:         cfg.Syslog.Tag,
			LogRequest:  cfg.Syslog.LogRequest,
			LogResponse: cfg.Syslog.LogResponse,
		})
	}

	listen := cfg.Listen
	if len(listen) == 0 {
		listen = []dnsListenConfig{{Address: ":53", Protocol: "udp"}}
	}
	var out []netrepeater.Listener
	for i, l := range listen {
		protocol := l.Protocol
		if protocol == "" {
			protocol = "udp"
		}
		id := fmt.Sprintf("dns-%d", i)
		out = append(out, netrepeater.NewDNSListener(id, l.Address, protocol, resolver))
	}
	return out, nil
}

func initLogger(cfg loggerConfig, verbose bool) error {
	level := logrus.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = logrus.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
	}
	if verbose {
		level = logrus.DebugLevel
	}
	netrepeater.Log.SetLevel(level)

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		netrepeater.Log.SetOutput(f)
	}
	return nil
}
