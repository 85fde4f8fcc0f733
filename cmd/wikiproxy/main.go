package main

import (
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"wikiproxy/internal/admission"
	"wikiproxy/internal/config"
	"wikiproxy/internal/dns"
	"wikiproxy/internal/httpclient"
	"wikiproxy/internal/logging"
	"wikiproxy/internal/metrics"
	"wikiproxy/internal/proxy"
	"wikiproxy/internal/socks"
	"wikiproxy/internal/stats"
	"wikiproxy/internal/tcp"
	"wikiproxy/internal/wikimap"
)

func setFDLimit(limit uint64) {
	rLimit := unix.Rlimit{
		Cur: limit,
		Max: limit,
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		zap.S().Warnf("failed to set FD limit: %v", err)
		return
	}
	zap.S().Infof("FD limit set to %d", limit)
}

func startPprofServer() {
	zap.S().Info("starting pprof server on 127.0.0.1:6060")
	if err := http.ListenAndServe("127.0.0.1:6060", nil); err != nil {
		zap.S().Warnf("pprof server: %v", err)
	}
}

func listenForSIGHUP() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP)

	for {
		<-sigs
		if err := logging.Rotate(); err != nil {
			zap.S().Warnf("log rotation failed: %v", err)
		} else {
			zap.S().Info("log file rotated")
		}
	}
}

func main() {
	configPath := "config.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	if err := config.LoadConfig(configPath); err != nil {
		zap.S().Fatalf("error loading config: %v", err)
	}
	if err := logging.Setup(config.Cfg.Log.Level, config.Cfg.Log.File,
		config.Cfg.Log.MaxSizeMB, config.Cfg.Log.MaxBackups); err != nil {
		zap.S().Fatalf("error setting up logging: %v", err)
	}
	defer logging.Sync()
	zap.S().Info("starting WikiProxy")

	setFDLimit(1_000_000)
	config.NewCachedTime(10 * time.Millisecond)

	resolver := dns.NewResolver(config.Cfg.DNS)

	var socksDialer *socks.Dialer
	if config.Cfg.Proxy != "" {
		var err error
		socksDialer, err = socks.New(config.Cfg.Proxy, resolver)
		if err != nil {
			zap.S().Fatalf("egress proxy setup failed: %v", err)
		}
		zap.S().Infof("egress via %s (remote resolve: %v)", config.Cfg.Proxy, socksDialer.RemoteResolve())
	}

	pool := httpclient.NewPool(config.Cfg.Server.MaxIdleConns,
		time.Duration(config.Cfg.Server.IdleTimeoutS)*time.Second)
	client := httpclient.NewClient(resolver, socksDialer, pool, 10*time.Second)

	bindings, err := wikimap.Compile(config.Cfg.Wikis)
	if err != nil {
		zap.S().Fatalf("wiki bindings: %v", err)
	}
	zap.S().Infof("%d wiki bindings compiled", len(bindings))

	var store admission.Store
	if config.Cfg.Redis.Addr != "" {
		store = admission.NewRedisStore(config.Cfg.Redis)
		zap.S().Infof("admission table on redis at %s", config.Cfg.Redis.Addr)
	} else {
		mem := admission.NewMemStore()
		store = mem
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for range ticker.C {
				mem.CleanExpired()
			}
		}()
	}
	gate := admission.NewGate(config.Cfg.Auth, store)

	orch := proxy.NewOrchestrator(bindings, gate, client)

	stats.Start()
	if config.Cfg.Metrics.Enabled {
		hostname, _ := os.Hostname()
		pub, err := metrics.NewPublisher(config.Cfg.Metrics.Addr, config.Cfg.Metrics.Database, hostname)
		if err != nil {
			zap.S().Warnf("metrics publisher: %v", err)
		} else {
			pub.Start()
		}
	}

	go startPprofServer()
	go listenForSIGHUP()

	for _, port := range config.Cfg.Ports {
		p, _ := strconv.Atoi(port)
		go tcp.StartServer(uint16(p), orch)
	}

	select {}
}
