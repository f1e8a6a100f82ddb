package geoip

import (
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// CountryResolver maps a client IP to an ISO 3166-1 country code. Locale
// detection uses it as the lowest-priority signal.
type CountryResolver interface {
	CountryCode(ip string) (string, error)
}

type mmdbResolver struct {
	reader *geoip2.Reader
}

// NewResolver opens a MaxMind country database. An empty path disables
// resolution; callers get a nil resolver and skip the lookup.
func NewResolver(path string) (CountryResolver, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open %s: %w", path, err)
	}
	return &mmdbResolver{reader: reader}, nil
}

func (r *mmdbResolver) CountryCode(ip string) (string, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return "", fmt.Errorf("geoip: invalid address %q", ip)
	}
	record, err := r.reader.Country(parsed)
	if err != nil {
		return "", fmt.Errorf("geoip: country lookup: %w", err)
	}
	return record.Country.IsoCode, nil
}

func (r *mmdbResolver) Close() error {
	return r.reader.Close()
}
