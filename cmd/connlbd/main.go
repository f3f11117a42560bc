// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// connlbd is a tiny HTTP harness demonstrating the connection-tracking
// core end-to-end: one per-core flow table, a shared persistence-template
// table, a demo destination pool, and the full create/lookup/expire
// lifecycle, wired the same way cmd/tfd-proxy wires its pipeline.
//
// Usage:
//
//	go run ./cmd/connlbd -http :9090 -cores 4 -laddr 10.0.0.1,10.0.0.2
//
//	Endpoints:
//	  POST /connect?caddr=A&cport=P&vaddr=A&vport=P  → creates a flow
//	  GET  /flows                                    → per-core + template flow counts
//	  GET  /metrics                                  → Prometheus metrics
//	  GET  /healthz                                  → liveness probe
//	  GET|POST /config?keyword=K&value=V             → read or hot-reload a config keyword
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"connlb/internal/config"
	"connlb/internal/conntrack"
	"connlb/internal/conntrack/pool"
	"connlb/internal/dest"
	"connlb/internal/eventbus"
	"connlb/internal/laddrpool"
	"connlb/internal/pktbuf"
	"connlb/internal/proto"
	"connlb/internal/saddrpool"
	"connlb/internal/telemetry"
	"connlb/internal/timerwheel"
)

func main() {
	cores := flag.Int("cores", 4, "number of per-core flow tables")
	poolSize := flag.Int("conn_pool_size", 262144, "max live flows per core")
	poolCache := flag.Int("conn_pool_cache", 2048, "warm free-list size per core")
	laddrs := flag.String("laddr", "", "comma-separated local addresses for full-NAT binds")
	realServer := flag.String("real_server", "127.0.0.1:8080", "demo destination host:port")
	fwdMode := flag.String("fwd_mode", "dr", "forwarding mode: dr, fullnat, snat")
	eventAdapter := flag.String("event_adapter", "log", "lifecycle event publisher: log, redis")
	redisAddr := flag.String("redis_addr", "", "redis address for event_adapter=redis")
	scrapeInterval := flag.Duration("scrape_interval", 2*time.Second, "metrics scrape interval")
	expireQuiescent := flag.Bool("expire_quiescent_template", false, "let a persistence template expire once its destination's weight drops to 0")
	addr := flag.String("http", ":9090", "HTTP listen address")
	flag.Parse()

	if *cores <= 0 {
		*cores = 4
	}
	if *addr == "" {
		*addr = ":9090"
	}
	*poolSize = config.NormalizeConnPoolSize(*poolSize)
	*poolCache = config.NormalizeConnPoolCache(*poolCache)

	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)

	var lp *laddrpool.Pool
	if *laddrs != "" {
		var addrs []netip.Addr
		for _, s := range strings.Split(*laddrs, ",") {
			if a, err := netip.ParseAddr(strings.TrimSpace(s)); err == nil {
				addrs = append(addrs, a)
			}
		}
		if len(addrs) > 0 {
			lp = laddrpool.New(addrs)
		}
	}

	protoReg := proto.NewRegistry(proto.NewTCP(), proto.NewUDP(), proto.NewICMP())

	mode := dest.FwdDR
	switch *fwdMode {
	case "fullnat":
		mode = dest.FwdFullNAT
	case "snat":
		mode = dest.FwdSourceNAT
	}
	dstAddr, dstPort := parseHostPort(*realServer)
	d := dest.New(dstAddr, dstPort, mode, 1, 0)
	services := dest.NewRegistry()
	services.GetOrCreate("demo").Add(d)

	var sp *saddrpool.Pool
	if mode == dest.FwdSourceNAT {
		sp = saddrpool.New()
	}

	cfg := config.New()
	cfg.ConnPoolSize.Store(int64(*poolSize))
	cfg.ConnPoolCache.Store(int64(*poolCache))
	cfg.ExpireQuiescentTemplate.Store(*expireQuiescent)

	// In this daemon the per-core tables are not actually single-writer:
	// net/http dispatches /connect on a goroutine per request, and each
	// flow's expiration timer fires on its own goroutine too, so every
	// table takes the cross-core lock variant.
	tables := make([]*conntrack.Table, *cores)
	flowPools := make([]*pool.Pool[conntrack.Flow], *cores)
	wheel := timerwheel.New("conntrack")
	ackPool := pktbuf.NewAckWrapperPool()
	for i := range tables {
		flowPools[i] = pool.New(*poolSize, *poolCache, func() *conntrack.Flow { return &conntrack.Flow{} }, nil)
		if sp != nil {
			tables[i] = conntrack.NewTableWithSourceAddrPool(flowPools[i], wheel, lp, sp, protoReg)
		} else {
			tables[i] = conntrack.NewTable(flowPools[i], wheel, lp, protoReg)
		}
		tables[i].WithCrossCoreLock()
		tables[i].SetSynProxyPools(pktbuf.NewPool(), ackPool)
	}
	templateWheel := timerwheel.New("template")
	templatePool := pool.New(*poolSize, *poolCache, func() *conntrack.Flow { return &conntrack.Flow{} }, nil)
	templates := conntrack.NewTemplateTable(templatePool, templateWheel, lp, protoReg)
	templates.SetExpireQuiescent(*expireQuiescent)

	// Wire the hot-reloadable keywords onto every live per-core pool plus
	// the template table, matching config.Config's doc comment: flag-parsed
	// values feed a running core instead of requiring a process restart.
	cfg.OnConnPoolSize(func(n int) {
		for _, p := range flowPools {
			p.SetCap(n)
		}
		templatePool.SetCap(n)
	})
	cfg.OnConnPoolCache(func(n int) {
		for _, p := range flowPools {
			p.SetCache(n)
		}
		templatePool.SetCache(n)
	})
	cfg.OnConnInitTimeout(func(d time.Duration) {
		for _, t := range tables {
			t.SetInitTimeout(d)
		}
		templates.SetInitTimeout(d)
	})
	cfg.OnExpireQuiescentTemplate(templates.SetExpireQuiescent)

	publisher, err := eventbus.Build(*eventAdapter, eventbus.Options{RedisAddr: *redisAddr})
	if err != nil {
		log.Fatalf("eventbus: %v", err)
	}
	bus := eventbus.NewAsyncBus(publisher, 1024)
	defer bus.Close()

	expiredEmitter := func(core string) func(*conntrack.Flow) {
		return func(f *conntrack.Flow) {
			caddr, vaddr, cport, vport := f.Tuple()
			bus.Emit(eventbus.Event{
				Kind:  eventbus.KindExpired,
				Tuple: fmt.Sprintf("%s:%d->%s:%d", caddr, cport, vaddr, vport),
				Core:  core,
			})
		}
	}
	for i, t := range tables {
		t.OnFlowExpired(expiredEmitter(strconv.Itoa(i)))
	}
	templates.OnFlowExpired(expiredEmitter("template"))

	scrapeCores := make(map[string]telemetry.Counter, len(tables))
	for i, t := range tables {
		scrapeCores["core"+strconv.Itoa(i)] = t
	}
	scraper := telemetry.NewScrapeWorker(metrics, scrapeCores, templates, *scrapeInterval)
	scraper.Start()
	defer scraper.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "time": time.Now().UTC()})
	})
	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			keyword := r.URL.Query().Get("keyword")
			value := r.URL.Query().Get("value")
			if err := cfg.Apply(keyword, value); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"conn_pool_size":            cfg.ConnPoolSize.Load(),
			"conn_pool_cache":           cfg.ConnPoolCache.Load(),
			"conn_init_timeout":         time.Duration(cfg.ConnInitTimeout.Load()).String(),
			"expire_quiescent_template": cfg.ExpireQuiescentTemplate.Load(),
		})
	})
	mux.HandleFunc("/flows", func(w http.ResponseWriter, r *http.Request) {
		counts := make(map[string]int64, len(tables)+1)
		for i, t := range tables {
			counts["core"+strconv.Itoa(i)] = t.Count()
		}
		counts["templates"] = templates.Count()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(counts)
	})
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		caddr, err := netip.ParseAddr(r.URL.Query().Get("caddr"))
		if err != nil {
			http.Error(w, "bad caddr: "+err.Error(), http.StatusBadRequest)
			return
		}
		vaddr, err := netip.ParseAddr(r.URL.Query().Get("vaddr"))
		if err != nil {
			http.Error(w, "bad vaddr: "+err.Error(), http.StatusBadRequest)
			return
		}
		cport, _ := strconv.Atoi(r.URL.Query().Get("cport"))
		vport, _ := strconv.Atoi(r.URL.Query().Get("vport"))

		pool, _ := services.Get("demo")
		picked := pool.Pick()
		if picked == nil {
			http.Error(w, "no available destination", http.StatusServiceUnavailable)
			return
		}

		core := (int(cport) + int(vport)) % *cores
		t := tables[core]
		params := conntrack.Params{
			AF: conntrack.AFInet, Proto: conntrack.ProtoTCP,
			CAddr: caddr, CPort: uint16(cport),
			VAddr: vaddr, VPort: uint16(vport),
			CTDPort: dstPort,
		}
		f, err := t.NewFlow(nil, params, picked, 0)
		if err != nil {
			metrics.RecordError(err.Error())
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		bus.Emit(eventbus.Event{Kind: eventbus.KindCreated, Tuple: r.URL.RawQuery, Core: strconv.Itoa(core)})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accepted": true,
			"core":     core,
			"refcnt":   f.Refcnt(),
		})
	})

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		log.Printf("connlbd listening on %s (%d cores, fwd_mode=%s)", *addr, *cores, *fwdMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Printf("connlbd shutting down, flushing flow tables")
	for i, t := range tables {
		n := t.Flush()
		log.Printf("core%d: flushed %d flows", i, n)
	}
	log.Printf("templates: flushed %d", templates.Flush())
}

func parseHostPort(hostPort string) (netip.Addr, uint16) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		log.Fatalf("real_server: %v", err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		log.Fatalf("real_server: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Fatalf("real_server: %v", err)
	}
	return addr, uint16(port)
}
