package enrich

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Location is the coarse geo position derived from a client IP.
type Location struct {
	CountryCode string
	Region      string
	City        string
}

// GeoProvider resolves IPs to locations. ok=false means "unknown" and is
// never an error for the caller: enrichment proceeds with empty geo fields.
type GeoProvider interface {
	Lookup(ip net.IP) (loc Location, ok bool)
}

// NoGeo is used when no geo database is available.
type NoGeo struct{}

func (NoGeo) Lookup(net.IP) (Location, bool) { return Location{}, false }

// MaxMindProvider reads a GeoLite2/GeoIP2 City database.
type MaxMindProvider struct {
	db *geoip2.Reader
}

func OpenMaxMind(path string) (*MaxMindProvider, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open maxmind db %s: %w", path, err)
	}
	return &MaxMindProvider{db: db}, nil
}

func (p *MaxMindProvider) Lookup(ip net.IP) (loc Location, ok bool) {
	if p == nil || p.db == nil || ip == nil {
		return Location{}, false
	}
	defer func() {
		if recover() != nil {
			loc, ok = Location{}, false
		}
	}()

	rec, err := p.db.City(ip)
	if err != nil || rec == nil {
		return Location{}, false
	}
	loc.CountryCode = rec.Country.IsoCode
	if len(rec.Subdivisions) > 0 {
		loc.Region = rec.Subdivisions[0].IsoCode
	}
	loc.City = rec.City.Names["en"]
	return loc, true
}

func (p *MaxMindProvider) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// AnonymizeIP truncates IPv4 to /24 and IPv6 to /48.
func AnonymizeIP(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32))
	}
	return ip.Mask(net.CIDRMask(48, 128))
}
