// Package geo resolves client IP addresses to a coarse location.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Location is the best-effort geography of an IP. Unknown fields are empty.
type Location struct {
	IP        string   `json:"ip"`
	Country   string   `json:"country,omitempty"`
	Region    string   `json:"region,omitempty"`
	City      string   `json:"city,omitempty"`
	Timezone  string   `json:"timezone,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// Locator looks up an IP. Implementations never fail: an unresolvable
// address yields a Location carrying only the IP.
type Locator interface {
	Lookup(ctx context.Context, ip string) Location
}

// IsLocal reports loopback and private (RFC 1918, fc00::/7) addresses.
func IsLocal(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate()
}

func local(ip string) Location {
	return Location{IP: ip, Country: "Local", Region: "Local", City: "Local"}
}

// HTTPLocator queries an ip-api.com compatible JSON endpoint
// (GET <base>/<ip> returning status, country, regionName, city, timezone, lat, lon).
type HTTPLocator struct {
	baseURL string
	client  *http.Client
	logger  *zap.SugaredLogger
}

func NewHTTPLocator(baseURL string, timeout time.Duration, logger *zap.SugaredLogger) *HTTPLocator {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPLocator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type ipAPIResponse struct {
	Status     string  `json:"status"`
	Message    string  `json:"message"`
	Country    string  `json:"country"`
	RegionName string  `json:"regionName"`
	City       string  `json:"city"`
	Timezone   string  `json:"timezone"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
}

func (l *HTTPLocator) Lookup(ctx context.Context, ip string) Location {
	if IsLocal(ip) {
		return local(ip)
	}
	loc := Location{IP: ip}
	if ip == "" || l.baseURL == "" {
		return loc
	}

	res, err := l.fetch(ctx, ip)
	if err != nil {
		l.logger.Debugw("geolocation lookup failed", "ip", ip, "err", err)
		return loc
	}
	if res.Status != "success" {
		l.logger.Debugw("geolocation lookup rejected", "ip", ip, "message", res.Message)
		return loc
	}
	loc.Country = res.Country
	loc.Region = res.RegionName
	loc.City = res.City
	loc.Timezone = res.Timezone
	lat, lon := res.Lat, res.Lon
	loc.Latitude = &lat
	loc.Longitude = &lon
	return loc
}

func (l *HTTPLocator) fetch(ctx context.Context, ip string) (*ipAPIResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/"+url.PathEscape(ip), nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var out ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &out, nil
}

// Static resolves every address to the same location, or only the IP when
// Location is zero. Used when no lookup service is configured.
type Static struct{ Location Location }

func (s Static) Lookup(_ context.Context, ip string) Location {
	if IsLocal(ip) {
		return local(ip)
	}
	loc := s.Location
	loc.IP = ip
	return loc
}
