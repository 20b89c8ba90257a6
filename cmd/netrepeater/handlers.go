package main

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/heimdalr/dag"
	netrepeater "github.com/zhenghaven/NetRepeater"
)

type handlerNode struct {
	id    string
	value handlerConfig
}

var _ dag.IDInterface = handlerNode{}

func (n handlerNode) ID() string {
	return n.id
}

// buildHandlers instantiates the named downstream handlers. Handlers can
// reference each other by name (auto_block_by_rate wraps another handler),
// so they are added to a DAG first, which catches duplicate names, missing
// references and reference cycles, then built leaves-first.
func buildHandlers(configs []handlerConfig) (map[string]netrepeater.ConnHandler, error) {
	graph := dag.NewDAG()
	for _, hc := range configs {
		if _, err := graph.AddVertex(&handlerNode{hc.Name, hc}); err != nil {
			return nil, err
		}
	}
	for _, hc := range configs {
		if hc.Config.DownstreamHandler == "" {
			continue
		}
		if err := graph.AddEdge(hc.Name, hc.Config.DownstreamHandler); err != nil {
			return nil, err
		}
	}

	handlers := make(map[string]netrepeater.ConnHandler)
	for graph.GetOrder() > 0 {
		leaves := graph.GetLeaves()
		for id, v := range leaves {
			node := v.(*handlerNode)
			h, err := buildHandler(node.value, handlers)
			if err != nil {
				return nil, err
			}
			handlers[node.id] = h
			if err := graph.DeleteVertex(id); err != nil {
				return nil, err
			}
		}
	}
	return handlers, nil
}

func buildHandler(hc handlerConfig, handlers map[string]netrepeater.ConnHandler) (netrepeater.ConnHandler, error) {
	fwdOpt := netrepeater.ForwarderOptions{
		PollInterval: time.Duration(hc.Config.PollInterval * float64(time.Second)),
		ReadSize:     hc.Config.ReadSize,
	}

	switch hc.Module {
	case "tcp_repeat":
		addr, err := netip.ParseAddr(hc.Config.IP)
		if err != nil {
			return nil, fmt.Errorf("handler %q: %w", hc.Name, err)
		}
		dialer := netrepeater.NewStaticDialer(netip.AddrPortFrom(addr, hc.Config.Port))
		return netrepeater.NewForwarder(dialer, fwdOpt), nil

	case "tls_repeat":
		addr, err := netip.ParseAddr(hc.Config.IP)
		if err != nil {
			return nil, fmt.Errorf("handler %q: %w", hc.Name, err)
		}
		tlsCfg, err := netrepeater.ClientTLSOptions{
			ServerName: hc.Config.ServerHostName,
			CAPath:     hc.Config.CAPath,
			CertPath:   hc.Config.CertPath,
			KeyPath:    hc.Config.PrivKeyPath,
		}.Build()
		if err != nil {
			return nil, fmt.Errorf("handler %q: %w", hc.Name, err)
		}
		dialer := netrepeater.NewTLSDialer(
			netrepeater.NewStaticDialer(netip.AddrPortFrom(addr, hc.Config.Port)),
			tlsCfg,
		)
		return netrepeater.NewForwarder(dialer, fwdOpt), nil

	case "auto_block_by_rate":
		next, ok := handlers[hc.Config.DownstreamHandler]
		if !ok {
			return nil, fmt.Errorf("handler %q references unknown handler %q",
				hc.Name, hc.Config.DownstreamHandler)
		}
		return netrepeater.NewRateLimitHandler(next, netrepeater.RateLimitHandlerOptions{
			MaxRequests: hc.Config.MaxNumRequests,
			Window:      time.Duration(hc.Config.TimeWindowSec * float64(time.Second)),
			StateFile:   hc.Config.SavedStatePath,
			LogIPs:      hc.Config.LogIPs,
		}), nil
	}
	return nil, fmt.Errorf("unknown handler module: %q", hc.Module)
}

// buildServers binds the configured inbound servers to their named
// downstream handlers.
func buildServers(configs []serverConfig, handlers map[string]netrepeater.ConnHandler) ([]netrepeater.Listener, error) {
	var out []netrepeater.Listener
	for _, sc := range configs {
		handler, ok := handlers[sc.Config.Downstream]
		if !ok {
			return nil, fmt.Errorf("server %s:%d references unknown handler %q",
				sc.Config.IP, sc.Config.Port, sc.Config.Downstream)
		}
		addr, err := netip.ParseAddr(sc.Config.IP)
		if err != nil {
			return nil, err
		}

		var opt netrepeater.RepeatListenerOptions
		switch sc.Module {
		case "TCP":
		case "TLS":
			tlsCfg, err := netrepeater.ServerTLSOptions{
				CertPath:     sc.Config.CertPath,
				KeyPath:      sc.Config.PrivKeyPath,
				ClientCAPath: sc.Config.CAPath,
				VerifyClient: sc.Config.VerifyClient,
			}.Build()
			if err != nil {
				return nil, err
			}
			opt.TLSConfig = tlsCfg
		default:
			return nil, fmt.Errorf("unknown server module: %q", sc.Module)
		}

		out = append(out, netrepeater.NewRepeatListener(
			netip.AddrPortFrom(addr, sc.Config.Port), handler, opt))
	}
	return out, nil
}
