// Package cmd holds the entry points behind each CLI subcommand.
package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"grimm.is/warden/internal/alert"
	"grimm.is/warden/internal/api"
	"grimm.is/warden/internal/arp"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/device"
	"grimm.is/warden/internal/discovery"
	"grimm.is/warden/internal/dnscap"
	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/metrics"
	"grimm.is/warden/internal/network"
	"grimm.is/warden/internal/notify"
	"grimm.is/warden/internal/pki"
	"grimm.is/warden/internal/policy"
	"grimm.is/warden/internal/proxy"
	"grimm.is/warden/internal/scheduler"
	"grimm.is/warden/internal/state"
	"grimm.is/warden/internal/stealth"
	"grimm.is/warden/internal/store"
)

// registryLookup adapts the device registry to the lookup interfaces
// the interceptors consume.
type registryLookup struct {
	reg *device.Registry
}

func (l *registryLookup) MonitoredMACByIP(ip string) (string, bool) {
	d, ok := l.reg.ByIP(ip)
	if !ok || !d.Monitored {
		return "", false
	}
	return d.MAC, true
}

func (l *registryLookup) AddBytes(mac string, in, out int64) {
	if in < 0 {
		in = 0
	}
	if out < 0 {
		out = 0
	}
	l.reg.AddBytes(mac, uint64(in), uint64(out))
}

func (l *registryLookup) SetCertTrusted(mac string, trusted bool) {
	if err := l.reg.SetCertTrusted(mac, trusted); err != nil {
		logging.Default().Debug("cert trust update for unknown device", "mac", mac)
	}
}

// RunStart brings up the full interception pipeline and blocks until
// SIGINT or SIGTERM. Shutdown restores the network to its original
// state: connections are cancelled first, queued traffic records are
// drained, and the ARP caches of impersonated devices are corrected
// last.
func RunStart(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:  parseLevel(cfg.LogLevel),
		Output: os.Stderr,
		JSON:   cfg.LogJSON,
	})
	logging.SetDefault(logger)

	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = config.DefaultStateDir
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	info, err := network.Discover(cfg.Interface, cfg.GatewayIP)
	if err != nil {
		return err
	}
	logger.Info("network discovered",
		"iface", info.Iface.Name, "ip", info.IP, "subnet", info.Network, "gateway", info.GatewayIP)

	restoreForwarding, err := network.EnableIPForwarding()
	if err != nil {
		return fmt.Errorf("cannot enable ip forwarding (need root?): %w", err)
	}

	stateStore, err := state.NewSQLiteStore(state.DefaultOptions(filepath.Join(stateDir, "state.db")))
	if err != nil {
		return err
	}

	hub := events.NewHub()

	registry, err := device.NewRegistry(stateStore, hub, logger)
	if err != nil {
		stateStore.Close()
		return err
	}
	seedDevices(registry, cfg.Devices)

	polEngine := policy.NewEngine(stateStore, logger)
	polEngine.LoadConfig(cfg)

	alerts := alert.NewEngine(hub, logger)
	alerts.LoadConfig(cfg)

	db, err := store.Open(filepath.Join(stateDir, "traffic.db"), logger)
	if err != nil {
		stateStore.Close()
		return err
	}
	alerts.SetSink(db.AppendAlert)

	spoofProfile := stealth.Lookup(profileName(cfg))
	ca, err := pki.EnsureCA(filepath.Join(stateDir, "ca"), caProfileName(cfg, spoofProfile), logger)
	if err != nil {
		db.Close()
		stateStore.Close()
		return err
	}
	minter := pki.NewMinter(ca, certCacheSize(cfg))

	advertised, err := advertisedMAC(cfg, spoofProfile, info.Iface.HardwareAddr)
	if err != nil {
		db.Close()
		stateStore.Close()
		return err
	}

	announcer := arp.New(arp.Config{
		Iface:      info.Iface,
		SelfIP:     info.IP,
		GatewayIP:  info.GatewayIP,
		Advertised: advertised,
		Interval:   cfg.SpoofInterval(),
		OnUnreachable: func(mac string) {
			registry.MarkOffline(mac)
		},
	}, hub, logger)

	if err := announcer.Start(ctx); err != nil {
		db.Close()
		stateStore.Close()
		return fmt.Errorf("gateway impersonation failed to start: %w", err)
	}

	for _, d := range registry.Monitored() {
		if ip := net.ParseIP(d.IP); ip != nil {
			if err := announcer.AddTarget(d.MAC, ip); err != nil {
				logger.Warn("skipping spoof target", "mac", d.MAC, "err", err)
			}
		}
	}

	lookup := &registryLookup{reg: registry}

	dnsCap := dnscap.New(dnscap.Config{
		Iface:      info.Iface,
		SelfMAC:    info.Iface.HardwareAddr,
		BlockMode:  blockMode(cfg),
		RedirectIP: redirectIP(cfg),
	}, lookup, polEngine, alerts, db, hub, logger)
	if err := dnsCap.Start(ctx); err != nil {
		logger.Error("dns interception unavailable, queries pass through", "err", err)
	}

	proxySrv := proxy.New(proxy.Config{
		ListenAddr:   proxyListen(cfg),
		MaxBodyBytes: maxBodyBytes(cfg),
	}, minter, lookup, polEngine, alerts, db, hub, logger)

	redirector := network.NewRedirector(info.IP, logger)
	if err := proxySrv.Start(); err != nil {
		logger.Error("proxy unavailable, http traffic passes through", "err", err)
	} else if err := redirector.Setup(proxySrv.Port()); err != nil {
		logger.Error("redirect rules failed, http traffic passes through", "err", err)
	}

	dhcpSniffer := discovery.NewDHCPSniffer(info.Iface, registry, logger)
	if err := dhcpSniffer.Start(ctx); err != nil {
		logger.Warn("dhcp sniffer unavailable", "err", err)
	}

	scanner := discovery.NewScanner(info.Network, info.IP, registry, announcer, logger)

	notifier := notify.NewDispatcher(cfg.Notifications, logger)
	notifier.Start(ctx, hub)

	sched := scheduler.New(logger)
	registerJobs(sched, cfg, db, registry, scanner, proxySrv, announcer)
	sched.Start()

	apiSrv := api.NewServer(apiConfig(cfg), api.Deps{
		Registry:  registry,
		Policy:    polEngine,
		Alerts:    alerts,
		DB:        db,
		Hub:       hub,
		Announcer: announcer,
		Proxy:     proxySrv,
		CA:        ca,
		Scheduler: sched,
	}, logger)
	if err := apiSrv.Start(); err != nil {
		logger.Error("api unavailable", "err", err)
	}

	logger.Info("warden running",
		"gateway", info.GatewayIP, "targets", len(announcer.Targets()), "api", apiConfig(cfg).ListenAddr)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	apiSrv.Shutdown(shutdownCtx)
	sched.Stop()
	redirector.Teardown()
	proxySrv.Shutdown()
	dnsCap.Stop()
	dhcpSniffer.Stop()
	notifier.Stop()

	// Queued traffic records must land before the process exits.
	db.Close()

	// ARP restoration goes last so devices regain the real gateway
	// only after everything that depended on the diverted path is gone.
	announcer.Stop()

	if err := restoreForwarding(); err != nil {
		logger.Warn("could not restore ip_forward", "err", err)
	}
	stateStore.Close()

	logger.Info("shutdown complete")
	return nil
}

// seedDevices applies static device blocks from the config on top of
// whatever the registry restored from disk.
func seedDevices(reg *device.Registry, devices []config.DeviceConfig) {
	for _, dc := range devices {
		reg.Observe(dc.MAC, "", "", "config")
		if dc.Name != "" {
			reg.SetName(dc.MAC, dc.Name)
		}
		if dc.Class != "" {
			reg.SetClass(dc.MAC, dc.Class)
		}
		reg.SetMonitored(dc.MAC, dc.Monitored)
	}
}

func registerJobs(sched *scheduler.Scheduler, cfg *config.Config, db *store.DB,
	reg *device.Registry, scanner *discovery.Scanner, proxySrv *proxy.Proxy, announcer *arp.Announcer) {

	retentionDays := config.DefaultRetentionDays
	maxSizeMB := int64(config.DefaultMaxSizeMB)
	if cfg.Traffic != nil {
		if cfg.Traffic.RetentionDays > 0 {
			retentionDays = cfg.Traffic.RetentionDays
		}
		if cfg.Traffic.MaxSizeMB > 0 {
			maxSizeMB = cfg.Traffic.MaxSizeMB
		}
	}

	sched.Add(&scheduler.Job{
		ID:       "retention",
		Name:     "traffic retention",
		Schedule: scheduler.Daily(3, 30),
		Timeout:  10 * time.Minute,
		Func: func(ctx context.Context) error {
			return db.Prune(time.Duration(retentionDays)*24*time.Hour, maxSizeMB<<20)
		},
	})

	sched.Add(&scheduler.Job{
		ID:       "sweep-stale",
		Name:     "stale device sweep",
		Schedule: scheduler.Every(10 * time.Minute),
		Func: func(ctx context.Context) error {
			reg.SweepStale()
			return nil
		},
	})

	sched.Add(&scheduler.Job{
		ID:         "discover",
		Name:       "subnet scan",
		Schedule:   scheduler.Every(15 * time.Minute),
		RunOnStart: true,
		Timeout:    5 * time.Minute,
		Func:       scanner.Scan,
	})

	sched.Add(&scheduler.Job{
		ID:         "gauges",
		Name:       "metrics refresh",
		Schedule:   scheduler.Every(30 * time.Second),
		RunOnStart: true,
		Func: func(ctx context.Context) error {
			m := metrics.Get()
			m.DevicesKnown.Set(float64(len(reg.List())))
			m.DevicesMonitored.Set(float64(len(reg.Monitored())))
			m.SpoofTargets.Set(float64(len(announcer.Targets())))
			m.PinnedHosts.Set(float64(len(proxySrv.PinnedHosts())))
			if stats, err := db.Stats(); err == nil {
				m.StoreRecords.Set(float64(stats.Transactions + stats.DNSQueries + stats.Alerts))
				m.StoreBytes.Set(float64(stats.SizeBytes))
			}
			return nil
		},
	})
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

func profileName(cfg *config.Config) string {
	if cfg.Spoof != nil {
		return cfg.Spoof.Profile
	}
	return ""
}

func caProfileName(cfg *config.Config, p stealth.Profile) string {
	if cfg.Proxy != nil && cfg.Proxy.CAProfile != "" {
		return cfg.Proxy.CAProfile
	}
	return p.CAProfile
}

func advertisedMAC(cfg *config.Config, p stealth.Profile, real net.HardwareAddr) (net.HardwareAddr, error) {
	if cfg.Spoof != nil && cfg.Spoof.AdvertisedMAC != "" {
		mac, err := net.ParseMAC(cfg.Spoof.AdvertisedMAC)
		if err != nil {
			return nil, fmt.Errorf("bad advertised_mac: %w", err)
		}
		return mac, nil
	}
	return p.AdvertisedMAC(real)
}

func blockMode(cfg *config.Config) string {
	if cfg.DNS != nil && cfg.DNS.BlockMode != "" {
		return cfg.DNS.BlockMode
	}
	return config.DefaultBlockMode
}

func redirectIP(cfg *config.Config) net.IP {
	if cfg.DNS != nil {
		return net.ParseIP(cfg.DNS.RedirectIP)
	}
	return nil
}

func proxyListen(cfg *config.Config) string {
	if cfg.Proxy != nil && cfg.Proxy.ListenAddr != "" {
		return cfg.Proxy.ListenAddr
	}
	return config.DefaultProxyListen
}

func maxBodyBytes(cfg *config.Config) int64 {
	if cfg.Proxy != nil && cfg.Proxy.MaxBodyBytes > 0 {
		return cfg.Proxy.MaxBodyBytes
	}
	return config.DefaultMaxBodyBytes
}

func certCacheSize(cfg *config.Config) int {
	if cfg.Proxy != nil && cfg.Proxy.CertCacheSize > 0 {
		return cfg.Proxy.CertCacheSize
	}
	return config.DefaultCertCache
}

func apiConfig(cfg *config.Config) api.Config {
	out := api.Config{ListenAddr: config.DefaultAPIListen}
	if cfg.API != nil {
		if cfg.API.ListenAddr != "" {
			out.ListenAddr = cfg.API.ListenAddr
		}
		out.PasswordHash = cfg.API.PasswordHash
	}
	return out
}
