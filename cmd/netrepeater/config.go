package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	netrepeater "github.com/zhenghaven/NetRepeater"
)

type config struct {
	Logger        loggerConfig         `json:"logger" toml:"logger"`
	Downstream    []handlerConfig      `json:"downstream" toml:"downstream"`
	Servers       []serverConfig       `json:"servers" toml:"servers"`
	ServerManager *serverManagerConfig `json:"serverManager" toml:"server-manager"`
}

type loggerConfig struct {
	Level string `json:"level" toml:"level"`
	File  string `json:"file" toml:"file"`
}

// One named downstream handler. Modules: "tcp_repeat", "tls_repeat" and
// "auto_block_by_rate".
type handlerConfig struct {
	Name   string         `json:"name" toml:"name"`
	Module string         `json:"module" toml:"module"`
	Config handlerOptions `json:"config" toml:"config"`
}

type handlerOptions struct {
	// tcp_repeat / tls_repeat
	IP           string  `json:"ip" toml:"ip"`
	Port         uint16  `json:"port" toml:"port"`
	PollInterval float64 `json:"pollInterval" toml:"poll-interval"` // seconds
	ReadSize     int     `json:"readSize" toml:"read-size"`

	// tls_repeat
	ServerHostName string `json:"serverHostName" toml:"server-host-name"`
	CAPath         string `json:"caPath" toml:"ca-path"`
	CertPath       string `json:"certPath" toml:"cert-path"`
	PrivKeyPath    string `json:"privKeyPath" toml:"priv-key-path"`

	// auto_block_by_rate
	MaxNumRequests    uint    `json:"maxNumRequests" toml:"max-num-requests"`
	TimeWindowSec     float64 `json:"timeWindowSec" toml:"time-window-sec"`
	DownstreamHandler string  `json:"downstreamHandler" toml:"downstream-handler"`
	SavedStatePath    string  `json:"savedStatePath" toml:"saved-state-path"`
	LogIPs            bool    `json:"logIPs" toml:"log-ips"`
}

// One inbound server. Modules: "TCP" and "TLS".
type serverConfig struct {
	Module string        `json:"module" toml:"module"`
	Config serverOptions `json:"config" toml:"config"`
}

type serverOptions struct {
	IP         string `json:"ip" toml:"ip"`
	Port       uint16 `json:"port" toml:"port"`
	Downstream string `json:"downstream" toml:"downstream"`

	// TLS module only
	PrivKeyPath  string `json:"privKeyPath" toml:"priv-key-path"`
	CertPath     string `json:"certPath" toml:"cert-path"`
	CAPath       string `json:"caPath" toml:"ca-path"`
	VerifyClient bool   `json:"verifyClient" toml:"verify-client"`
}

type serverManagerConfig struct {
	LocalNet       string            `json:"localNet" toml:"local-net"`
	LocalIface     string            `json:"localIface" toml:"local-iface"`
	LocalIfaceMode string            `json:"localIfaceMode" toml:"local-iface-mode"`
	ProtoAndPorts  [][]interface{}   `json:"protoAndPorts" toml:"proto-and-ports"`
	RemoteIPLookup string            `json:"remoteIPLookup" toml:"remote-ip-lookup"`
	LookupProto    string            `json:"lookupProto" toml:"lookup-proto"`
	ServerTTL      []interface{}     `json:"serverTTL" toml:"server-ttl"`
	PreferIPv6     bool              `json:"remotePreferIPv6" toml:"remote-prefer-ipv6"`
	AnswerTTL      uint32            `json:"answerTTL" toml:"answer-ttl"`
	Listen         []dnsListenConfig `json:"listen" toml:"listen"`
	Syslog         *syslogConfig     `json:"syslog" toml:"syslog"`
}

type dnsListenConfig struct {
	Address  string `json:"address" toml:"address"`
	Protocol string `json:"protocol" toml:"protocol"` // "udp" or "tcp"
}

type syslogConfig struct {
	Network     string `json:"network" toml:"network"`
	Address     string `json:"address" toml:"address"`
	Priority    int    `json:"priority" toml:"priority"`
	Tag         string `json:"tag" toml:"tag"`
	LogRequest  bool   `json:"logRequest" toml:"log-request"`
	LogResponse bool   `json:"logResponse" toml:"log-response"`
}

// loadConfig reads a config file and returns the decoded structure. JSON
// and TOML are both accepted; the format is picked by looking at the first
// significant byte.
func loadConfig(name string) (config, error) {
	var c config
	b, err := os.ReadFile(name)
	if err != nil {
		return c, err
	}
	if strings.HasPrefix(strings.TrimSpace(string(b)), "{") {
		err = json.Unmarshal(b, &c)
	} else {
		err = toml.Unmarshal(b, &c)
	}
	if err != nil {
		return c, fmt.Errorf("failed to parse config %s: %w", name, err)
	}
	return c, nil
}

// parseProtoAndPorts turns the [proto, port] and [proto, localPort,
// remotePort] entries of the config into ProtoPort values. The remote port
// defaults to the local port when omitted.
func parseProtoAndPorts(entries [][]interface{}) ([]netrepeater.ProtoPort, error) {
	var out []netrepeater.ProtoPort
	for _, e := range entries {
		if len(e) != 2 && len(e) != 3 {
			return nil, fmt.Errorf("invalid protocol and port config: %v", e)
		}
		proto, ok := e[0].(string)
		if !ok {
			return nil, fmt.Errorf("invalid protocol in config: %v", e[0])
		}
		localPort, err := asPort(e[1])
		if err != nil {
			return nil, err
		}
		remotePort := localPort
		if len(e) == 3 {
			remotePort, err = asPort(e[2])
			if err != nil {
				return nil, err
			}
		}
		out = append(out, netrepeater.ProtoPort{
			Proto:      proto,
			LocalPort:  localPort,
			RemotePort: remotePort,
		})
	}
	return out, nil
}

// asPort converts the numeric types produced by the JSON and TOML decoders.
func asPort(v interface{}) (uint16, error) {
	switch n := v.(type) {
	case float64:
		return uint16(n), nil
	case int64:
		return uint16(n), nil
	}
	return 0, fmt.Errorf("invalid port in config: %v", v)
}

// parseServerTTL turns the [value, unit] pair of the config into a TTL.
func parseServerTTL(entry []interface{}) (netrepeater.TTL, error) {
	if len(entry) != 2 {
		return netrepeater.TTL{}, fmt.Errorf("invalid server TTL config: %v", entry)
	}
	unit, ok := entry[1].(string)
	if !ok {
		return netrepeater.TTL{}, fmt.Errorf("invalid TTL unit in config: %v", entry[1])
	}
	var value int64
	switch n := entry[0].(type) {
	case float64:
		value = int64(n)
	case int64:
		value = n
	default:
		return netrepeater.TTL{}, fmt.Errorf("invalid TTL value in config: %v", entry[0])
	}
	return netrepeater.TTL{Value: value, Unit: unit}, nil
}
