// Package geoip resolves monitored endpoints to a country code using a
// local MaxMind-format database. The database file is optional; without
// one every lookup returns "".
package geoip

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"

	"github.com/upmon/upmon/internal/netutil"
)

// DefaultReloadSchedule re-opens the database daily; the file is managed
// externally and may be replaced on disk at any time.
const DefaultReloadSchedule = "0 4 * * *"

const resolveTimeout = 5 * time.Second

// Service provides country lookups with hot-reloading via RWMutex.
type Service struct {
	mu     sync.RWMutex
	reader *maxminddb.Reader // nil until first load

	dbPath string
	cron   *cron.Cron
}

// NewService creates a Service over the mmdb file at dbPath and schedules
// periodic reloads. schedule is a cron expression; empty means
// DefaultReloadSchedule.
func NewService(dbPath, schedule string) *Service {
	if schedule == "" {
		schedule = DefaultReloadSchedule
	}
	s := &Service{
		dbPath: dbPath,
		cron:   cron.New(),
	}
	if _, err := s.cron.AddFunc(schedule, func() {
		if err := s.reload(); err != nil {
			log.Printf("[geoip] scheduled reload failed: %v", err)
		}
	}); err != nil {
		log.Printf("[geoip] invalid cron expression %q: %v", schedule, err)
	}
	return s
}

// Start loads the database and starts the reload schedule. A missing or
// unreadable file is logged, not fatal; lookups stay empty until a
// reload succeeds.
func (s *Service) Start() {
	if err := s.reload(); err != nil {
		log.Printf("[geoip] initial load failed: %v", err)
	}
	s.cron.Start()
}

// Stop stops the reload schedule and closes the reader.
func (s *Service) Stop() {
	s.cron.Stop()
	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// reload atomically replaces the current reader. RLock holders finish
// before the old reader is closed.
func (s *Service) reload() error {
	reader, err := maxminddb.Open(s.dbPath)
	if err != nil {
		return fmt.Errorf("geoip: open %s: %w", s.dbPath, err)
	}
	s.mu.Lock()
	old := s.reader
	s.reader = reader
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	log.Printf("[geoip] loaded database %s", s.dbPath)
	return nil
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// LookupIP returns the ISO country code for ip, or "" when the database
// is not loaded or holds no record.
func (s *Service) LookupIP(ip net.IP) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil || ip == nil {
		return ""
	}
	var record countryRecord
	if err := s.reader.Lookup(ip, &record); err != nil {
		return ""
	}
	return record.Country.ISOCode
}

// LocateEndpoint resolves the host of an endpoint URL and returns its
// country code. Resolution failures yield "".
func (s *Service) LocateEndpoint(endpointURL string) string {
	s.mu.RLock()
	loaded := s.reader != nil
	s.mu.RUnlock()
	if !loaded {
		return ""
	}

	host := netutil.ExtractHost(endpointURL)
	if host == "" {
		return ""
	}
	if ip := net.ParseIP(host); ip != nil {
		return s.LookupIP(ip)
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	return s.LookupIP(addrs[0])
}
