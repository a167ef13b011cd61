// Package ipintel provides geolocation facts and reverse DNS for client addresses.
package ipintel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/oschwald/geoip2-golang"

	"github.com/scality/log-index/pkg/store"
)

// Registry key prefixes
const (
	AnnotationPrefix = "ip:"
	NetblockPrefix   = "netblock:"
)

const defaultLookupTimeout = 5 * time.Second

// Geo holds the location of an address. Empty strings and nil pointers
// mean the value is unknown.
type Geo struct {
	CountryCode string
	RegionCode  string
	City        string
	Latitude    *float64
	Longitude   *float64
}

// Facts is what is known about an address
type Facts struct {
	Geo          Geo
	Organization string
	Annotations  []string
}

// Reverse is the reverse DNS resolution of an address
type Reverse struct {
	Host         string
	Domain       string
	Organization string
}

// Registry provides annotations and netblock assignments
type Registry interface {
	SearchByPrefix(ctx context.Context, prefix string) ([]store.Entry, error)
}

// Resolver performs reverse DNS lookups
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// Config holds IP intelligence configuration
type Config struct {
	Registry Registry
	// Resolver defaults to net.DefaultResolver
	Resolver Resolver
	Logger   *slog.Logger
	// CityDBPath and ASNDBPath point to MaxMind databases; both are optional
	CityDBPath    string
	ASNDBPath     string
	LookupTimeout time.Duration
}

// Service answers facts and reverse lookups
type Service struct {
	registry      Registry
	resolver      Resolver
	logger        *slog.Logger
	city          *geoip2.Reader
	asn           *geoip2.Reader
	lookupTimeout time.Duration
}

// New creates a Service, opening the configured GeoIP databases
func New(cfg Config) (*Service, error) {
	s := &Service{
		registry:      cfg.Registry,
		resolver:      cfg.Resolver,
		logger:        cfg.Logger,
		lookupTimeout: cfg.LookupTimeout,
	}
	if s.resolver == nil {
		s.resolver = net.DefaultResolver
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.lookupTimeout <= 0 {
		s.lookupTimeout = defaultLookupTimeout
	}

	if cfg.CityDBPath != "" {
		reader, err := geoip2.Open(cfg.CityDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open city database %s: %w", cfg.CityDBPath, err)
		}
		s.city = reader
	}

	if cfg.ASNDBPath != "" {
		reader, err := geoip2.Open(cfg.ASNDBPath)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to open ASN database %s: %w", cfg.ASNDBPath, err)
		}
		s.asn = reader
	}

	return s, nil
}

// Close releases the GeoIP databases
func (s *Service) Close() error {
	var errs []error
	if s.city != nil {
		errs = append(errs, s.city.Close())
		s.city = nil
	}
	if s.asn != nil {
		errs = append(errs, s.asn.Close())
		s.asn = nil
	}
	return errors.Join(errs...)
}

// Facts returns the geolocation, organization and annotations of ip.
// Unknown values are left empty; only registry failures are errors.
func (s *Service) Facts(ctx context.Context, ip string) (Facts, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Facts{}, fmt.Errorf("invalid address %q: %w", ip, err)
	}

	var facts Facts

	if s.registry != nil {
		annotations, err := s.registry.SearchByPrefix(ctx, AnnotationPrefix+addr.String())
		if err != nil {
			return Facts{}, err
		}
		for _, entry := range annotations {
			if entry.Key == AnnotationPrefix+addr.String() {
				facts.Annotations = append(facts.Annotations, entry.Value)
			}
		}

		facts.Organization, err = s.netblockOrganization(ctx, addr)
		if err != nil {
			return Facts{}, err
		}
	}

	if s.city != nil {
		record, err := s.city.City(net.IP(addr.AsSlice()))
		if err != nil {
			s.logger.Debug("city lookup failed", "ip", ip, "error", err)
		} else {
			facts.Geo = geoFromCity(record)
		}
	}

	if facts.Organization == "" && s.asn != nil {
		record, err := s.asn.ASN(net.IP(addr.AsSlice()))
		if err != nil {
			s.logger.Debug("ASN lookup failed", "ip", ip, "error", err)
		} else {
			facts.Organization = record.AutonomousSystemOrganization
		}
	}

	return facts, nil
}

// Reverse resolves the host name of ip. An address without a PTR record
// yields an empty Reverse and no error.
func (s *Service) Reverse(ctx context.Context, ip string) (Reverse, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Reverse{}, fmt.Errorf("invalid address %q: %w", ip, err)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()

	names, err := s.resolver.LookupAddr(lookupCtx, addr.String())
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return Reverse{}, nil
		}
		return Reverse{}, fmt.Errorf("reverse lookup of %s failed: %w", ip, err)
	}

	var result Reverse
	for _, name := range names {
		host := strings.ToLower(strings.TrimSuffix(name, "."))
		if host != "" && host != addr.String() {
			result.Host = host
			break
		}
	}
	if result.Host == "" {
		return Reverse{}, nil
	}
	result.Domain = ReverseDomain(addr.String(), result.Host)

	facts, err := s.Facts(ctx, ip)
	if err != nil {
		s.logger.Warn("facts lookup failed during reversal", "ip", ip, "error", err)
	}
	result.Organization = facts.Organization

	return result, nil
}

// netblockOrganization returns the organization of the first registry
// netblock (netblock:<organization> = <cidr>) containing addr
func (s *Service) netblockOrganization(ctx context.Context, addr netip.Addr) (string, error) {
	netblocks, err := s.registry.SearchByPrefix(ctx, NetblockPrefix)
	if err != nil {
		return "", err
	}
	for _, entry := range netblocks {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(entry.Value))
		if err != nil {
			continue
		}
		if prefix.Contains(addr) {
			return strings.TrimPrefix(entry.Key, NetblockPrefix), nil
		}
	}
	return "", nil
}

func geoFromCity(record *geoip2.City) Geo {
	geo := Geo{
		CountryCode: record.Country.IsoCode,
		City:        record.City.Names["en"],
	}
	if len(record.Subdivisions) > 0 {
		geo.RegionCode = record.Subdivisions[0].IsoCode
	}
	if record.Location.Latitude != 0 || record.Location.Longitude != 0 {
		lat, long := record.Location.Latitude, record.Location.Longitude
		geo.Latitude = &lat
		geo.Longitude = &long
	}
	return geo
}
