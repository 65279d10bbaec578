// Command kamilatad runs the gossip/routing/search daemon: it dials
// and accepts peer connections, gossips sketch hierarchies, serves and
// issues distributed searches, and exposes the results over a small
// HTTP API, following the cobra single-binary layout of the teacher's
// cmd/trakr.
package main

import (
	"bufio"
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kamilata/kamilata/internal/api"
	"github.com/kamilata/kamilata/internal/behaviour"
	"github.com/kamilata/kamilata/internal/census"
	"github.com/kamilata/kamilata/internal/conn"
	"github.com/kamilata/kamilata/internal/config"
	"github.com/kamilata/kamilata/internal/klog"
	"github.com/kamilata/kamilata/internal/memstore"
	"github.com/kamilata/kamilata/internal/metrics"
	"github.com/kamilata/kamilata/internal/peerdb"
	"github.com/kamilata/kamilata/internal/protocol"
	"github.com/kamilata/kamilata/internal/query"
	"github.com/kamilata/kamilata/internal/search"
	"github.com/kamilata/kamilata/internal/stop"
	"github.com/kamilata/kamilata/internal/store"
	"github.com/kamilata/kamilata/internal/swarm"
)

func main() {
	var (
		configPath      string
		listenAddrs     []string
		externalAddrs   []string
		ipfsRPC         string
		ipfsPeers       bool
		censusRPC       string
		censusEnabled   bool
		apiAddr         string
		metricsAddr     string
		dnsPins         []string
		dnsPinsInterval time.Duration
		dnsProvider     string
		firstClass      int
		leechers        int
		peerStorePath   string
	)

	root := &cobra.Command{
		Use:   "kamilatad",
		Short: "Sketch-gossip, distributed search daemon",
		Long:  "kamilatad gossips sketch hierarchies with its peers and answers distributed boolean-query searches over them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Open(configPath)
			if err != nil {
				return err
			}

			applyFlagOverrides(cfg, cmd.Flags(), listenAddrs, externalAddrs, ipfsRPC, ipfsPeers,
				censusRPC, censusEnabled, apiAddr, dnsPins, dnsPinsInterval, dnsProvider, firstClass, leechers, peerStorePath)

			return run(cfg, metricsAddr)
		},
	}

	flags := root.Flags()
	flags.StringVar(&configPath, "config", "", "path to the YAML configuration file")
	flags.StringArrayVar(&listenAddrs, "listen-addrs", nil, "addresses to accept peer connections on (repeatable)")
	flags.StringArrayVar(&externalAddrs, "external-addrs", nil, "addresses to advertise to peers")
	flags.StringVar(&ipfsRPC, "ipfs-rpc", "", "address of the IPFS daemon's RPC API (stored in config; the built-in TCP dialer does not use it)")
	flags.BoolVar(&ipfsPeers, "ipfs-peers-enabled", false, "enable IPFS-sourced peer candidates (stored in config; no IPFS peer source is wired)")
	flags.StringVar(&censusRPC, "census-rpc", "", "base URL of a census presence-directory service")
	flags.BoolVar(&censusEnabled, "census-enabled", false, "draw peer candidates from the census service (our own presence is not submitted)")
	flags.StringVar(&apiAddr, "api-addr", "", "listen address for the HTTP search API")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "listen address for the Prometheus /metrics endpoint (disabled if empty)")
	flags.StringArrayVar(&dnsPins, "dns-pins", nil, "DNS names of pinned bootstrap peers (stored in config; not resolved by this daemon)")
	flags.DurationVar(&dnsPinsInterval, "dns-pins-interval", 0, "re-resolution interval for --dns-pins (stored in config; minimum 180s)")
	flags.StringVar(&dnsProvider, "dns-provider", "", "DNS-over-HTTPS provider for --dns-pins (stored in config; not used by this daemon)")
	flags.IntVar(&firstClass, "first-class", 0, "target number of First-class peers to maintain")
	flags.IntVar(&leechers, "leechers", 0, "maximum number of simultaneous leechers to serve")
	flags.StringVar(&peerStorePath, "peer-store-path", "", "path to a bbolt database persisting the known-peer directory across restarts (in-memory only if empty)")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

// applyFlagOverrides layers explicitly-set flags on top of the loaded
// config file, so an operator can override one setting without writing
// a full YAML document.
func applyFlagOverrides(
	cfg *config.Node,
	flags cobraFlagSet,
	listenAddrs, externalAddrs []string,
	ipfsRPC string,
	ipfsPeers bool,
	censusRPC string,
	censusEnabled bool,
	apiAddr string,
	dnsPins []string,
	dnsPinsInterval time.Duration,
	dnsProvider string,
	firstClass, leechers int,
	peerStorePath string,
) {
	if flags.Changed("listen-addrs") {
		cfg.ListenAddrs = listenAddrs
	}
	if flags.Changed("external-addrs") {
		cfg.ExternalAddrs = externalAddrs
	}
	if flags.Changed("ipfs-rpc") {
		cfg.IPFSRPC = ipfsRPC
	}
	if flags.Changed("ipfs-peers-enabled") {
		cfg.IPFSPeersEnabled = ipfsPeers
	}
	if flags.Changed("census-rpc") {
		cfg.CensusRPC = censusRPC
	}
	if flags.Changed("census-enabled") {
		cfg.CensusEnabled = censusEnabled
	}
	if flags.Changed("api-addr") {
		cfg.API.ListenAddr = apiAddr
	}
	if flags.Changed("dns-pins") {
		cfg.DNSPins = dnsPins
	}
	if flags.Changed("dns-pins-interval") {
		cfg.DNSPinsInterval.Duration = dnsPinsInterval
		if cfg.DNSPinsInterval.Duration < config.MinDNSPinsInterval {
			cfg.DNSPinsInterval.Duration = config.MinDNSPinsInterval
		}
	}
	if flags.Changed("dns-provider") {
		cfg.DNSProvider = dnsProvider
	}
	if flags.Changed("first-class") {
		cfg.Swarm.FirstClassTarget = firstClass
	}
	if flags.Changed("leechers") {
		cfg.PeerDB.MaxLeechers = leechers
		cfg.Swarm.MaxLeechers = leechers
	}
	if flags.Changed("peer-store-path") {
		cfg.PeerStorePath = peerStorePath
	}
}

func run(cfg *config.Node, metricsAddr string) error {
	local := memstore.New(cfg.MemStore)
	db := peerdb.New(cfg.PeerDB, local)

	events := make(chan conn.Event, 64)
	dialer := newTCPDialer(cfg.IPFSRPC)

	beh := behaviour.New(db, dialer, local, store.HashFunc(local), alwaysApprove, cfg.Conn, events)

	mgr := swarm.New(cfg.Swarm, beh, events)

	var persist *swarm.BoltPersistence
	if cfg.PeerStorePath != "" {
		var err error
		persist, err = swarm.OpenBoltPersistence(cfg.PeerStorePath)
		if err != nil {
			return err
		}
		defer persist.Close()
		mgr.SetPersistence(persist)
	}

	svc := search.Service{
		Local:     local,
		DB:        db,
		Hash:      store.HashFunc(local),
		Searcher:  beh,
		Config:    cfg.Search,
		OurPeerID: dialer.selfID,
	}

	apiSrv := api.New(cfg.API, svc, local)

	listener, err := newTCPListener(cfg.ListenAddrs, beh, local, store.HashFunc(local), cfg.Conn)
	if err != nil {
		return err
	}

	group := stop.NewGroup()
	group.Add(mgr)
	group.Add(apiSrv)
	group.Add(listener)

	if cfg.CensusEnabled && cfg.CensusRPC != "" {
		mgr.AddSource(census.NewClient(cfg.CensusRPC))
	}

	var metricsSrv *metrics.Server
	if metricsAddr != "" {
		metricsSrv = metrics.NewServer(metricsAddr)
		metricsSrv.Start(context.Background())
		group.AddFunc(metricsSrv.Stop)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.Start(ctx)
	apiSrv.Start(ctx)
	listener.Start(ctx)

	klog.Info("kamilatad started", klog.Component("main", nil))

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	klog.Info("shutting down", klog.Component("main", nil))
	for _, err := range group.Stop() {
		klog.Error("subsystem reported an error while stopping", klog.Component("main", nil), klog.Err(err))
	}
	return nil
}

func alwaysApprove(peerID string) bool { return true }

// cobraFlagSet is the subset of *pflag.FlagSet this file depends on,
// narrowed so applyFlagOverrides doesn't need to import pflag directly.
type cobraFlagSet interface {
	Changed(name string) bool
}

// tcpDialer is a minimal behaviour.Dialer: it treats every address as a
// plain "host:port" and dials it directly. The real substrate this
// daemon is meant to run over (an IPFS/libp2p node reachable at
// ipfsRPC) is an external collaborator spec.md leaves unspecified
// beyond its RPC address; this dialer is the seam a libp2p-aware
// implementation would replace.
type tcpDialer struct {
	ipfsRPC string
	selfID  string
}

func newTCPDialer(ipfsRPC string) *tcpDialer {
	return &tcpDialer{ipfsRPC: ipfsRPC, selfID: "self"}
}

func (d *tcpDialer) Dial(ctx context.Context, peerID string, addrs []string) (conn.StreamOpener, error) {
	var lastErr error
	for _, addr := range addrs {
		dialer := net.Dialer{}
		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		return &tcpOpener{conn: c}, nil
	}
	if lastErr == nil {
		lastErr = errNoAddrs
	}
	return nil, lastErr
}

var errNoAddrs = dialError("tcpDialer: no addresses to dial")

type dialError string

func (e dialError) Error() string { return string(e) }

// tcpOpener serves every OpenStream call off the same underlying TCP
// connection, since this minimal dialer has no multiplexing of its own
// (a real libp2p substrate multiplexes substreams natively).
type tcpOpener struct {
	conn net.Conn
}

func (o *tcpOpener) OpenStream(ctx context.Context, peerID string) (conn.Substream, error) {
	return o.conn, nil
}

func (o *tcpOpener) Close() error {
	return o.conn.Close()
}

// tcpListener accepts inbound peer connections on plain TCP sockets,
// deriving a peer id from the remote address since this placeholder
// transport has no handshake/identity exchange of its own (the same
// honesty tcpDialer already carries: a real libp2p/IPFS substrate would
// replace both). Each accepted connection carries exactly one request,
// matching the single-substream shape conn.Handler's Serve* methods
// expect.
type tcpListener struct {
	listeners []net.Listener
	beh       *behaviour.Behaviour
	local     store.Store
	hash      query.HashFunc
	cfg       conn.Config

	closing chan struct{}
	done    chan error
}

// newTCPListener binds a net.Listener for every address in addrs,
// closing any already-opened listener and returning an error if one
// fails to bind (spec.md §6: "non-zero exit on bind failure").
func newTCPListener(addrs []string, beh *behaviour.Behaviour, local store.Store, hash query.HashFunc, cfg conn.Config) (*tcpListener, error) {
	l := &tcpListener{beh: beh, local: local, hash: hash, cfg: cfg.Validate()}
	for _, addr := range addrs {
		ln, err := net.Listen("tcp", addrToHostPort(addr))
		if err != nil {
			for _, opened := range l.listeners {
				opened.Close()
			}
			return nil, err
		}
		l.listeners = append(l.listeners, ln)
	}
	return l, nil
}

// addrToHostPort strips a "/ip4/<host>/tcp/<port>"-style multiaddr down
// to the "host:port" plain net.Listen accepts; an address that doesn't
// match the pattern is assumed to already be host:port.
func addrToHostPort(addr string) string {
	parts := strings.Split(strings.Trim(addr, "/"), "/")
	if len(parts) == 4 && (parts[0] == "ip4" || parts[0] == "ip6") && parts[2] == "tcp" {
		return parts[1] + ":" + parts[3]
	}
	return addr
}

// Start begins accepting on every bound listener; Stop closes them all.
func (l *tcpListener) Start(ctx context.Context) {
	l.closing = make(chan struct{})
	l.done = make(chan error, 1)

	for _, ln := range l.listeners {
		go l.acceptLoop(ctx, ln)
	}
}

// Stop implements stop.Stopper.
func (l *tcpListener) Stop() <-chan error {
	if l.closing == nil {
		return stop.AlreadyStopped
	}
	close(l.closing)

	go func() {
		for _, ln := range l.listeners {
			ln.Close()
		}
		l.done <- nil
	}()
	return l.done
}

func (l *tcpListener) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-l.closing:
				return
			default:
			}
			klog.Warn("accept failed", klog.Component("kamilatad", nil), klog.Err(err))
			return
		}
		go l.serveConn(ctx, c)
	}
}

// serveConn reads the single request an inbound TCP connection carries
// and dispatches it to the matching Handler method, registering the
// handler with the behaviour layer on first contact from a peer.
func (l *tcpListener) serveConn(ctx context.Context, c net.Conn) {
	peerID := c.RemoteAddr().String()

	r := bufio.NewReader(c)
	frame, err := protocol.ReadFrame(r, l.cfg.MaxFrameSize)
	if err != nil {
		klog.Debug("failed to read inbound request frame", klog.Component("kamilatad", nil), klog.Err(err))
		c.Close()
		return
	}
	req, err := protocol.DecodeRequest(frame)
	if err != nil {
		klog.Debug("failed to decode inbound request", klog.Component("kamilatad", nil), klog.Err(err))
		c.Close()
		return
	}

	h := l.beh.Handler(peerID)
	if h == nil {
		l.beh.ConnectionEstablished(peerID, []string{peerID}, &tcpOpener{conn: c})
		h = l.beh.Handler(peerID)
	}

	switch req.Kind {
	case protocol.RequestGetFilters:
		if err := h.ServeFilterSeed(ctx, c, req.GetFilters); err != nil {
			klog.Debug("filter-seed task ended", klog.Component("kamilatad", nil), klog.Err(err))
		}
	case protocol.RequestSearch:
		if err := h.ServeSearchRequest(ctx, c, req.Search, l.local, l.hash); err != nil {
			klog.Debug("search-request task ended", klog.Component("kamilatad", nil), klog.Err(err))
		}
	default:
		c.Close()
	}
}
