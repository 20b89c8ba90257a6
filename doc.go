/*
Package netrepeater implements a transparent per-host network repeater.

It answers address-record DNS queries for arbitrary hostnames with
locally-bound addresses drawn from a configured subnet. On each allocation it
installs the address on a host interface and stands up forwarding servers on
it that proxy TCP or TLS traffic to the real, upstream-resolved host. Clients
using the repeater as their resolver see every name at a stable private
address while their traffic is shuttled unchanged to the remote service.

The central type is ServerManager, a TTL-evicted index from hostname to a
live forwarding-server bundle. A static mode, independent of DNS, binds fixed
inbound servers to named forwarding handlers; see ServerCluster, Forwarder
and RateLimitHandler.
*/
package netrepeater
