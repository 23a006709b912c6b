package enrich

import (
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// Enricher derives distribution dimensions (country, region, os,
// browser) from the request metadata the ingest handlers capture.
// All lookups are best effort; a missing database just yields fewer
// dimensions.
type Enricher struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
}

// New opens the configured MaxMind databases. Both paths empty returns
// a nil Enricher, which every method tolerates.
func New(cityPath, asnPath string) (*Enricher, error) {
	cityPath = strings.TrimSpace(cityPath)
	asnPath = strings.TrimSpace(asnPath)
	if cityPath == "" && asnPath == "" {
		return nil, nil
	}
	e := &Enricher{}
	var err error
	if cityPath != "" {
		e.city, err = geoip2.Open(cityPath)
		if err != nil {
			return nil, err
		}
	}
	if asnPath != "" {
		e.asn, err = geoip2.Open(asnPath)
		if err != nil {
			if e.city != nil {
				e.city.Close()
			}
			return nil, err
		}
	}
	return e, nil
}

func (e *Enricher) Close() error {
	if e == nil {
		return nil
	}
	var first error
	if e.city != nil {
		if err := e.city.Close(); err != nil {
			first = err
		}
	}
	if e.asn != nil {
		if err := e.asn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Dims returns the dimension map for one log's client IP and user
// agent, ready for the metrics recorder.
func (e *Enricher) Dims(clientIP, userAgent string) map[string]string {
	dims := map[string]string{}
	if osName := SniffOS(userAgent); osName != "" {
		dims["os"] = osName
	}
	if browser := SniffBrowser(userAgent); browser != "" {
		dims["browser"] = browser
	}
	if e == nil {
		return dims
	}

	ip := net.ParseIP(strings.TrimSpace(clientIP))
	if ip == nil {
		return dims
	}
	if e.city != nil {
		if rec, err := e.city.City(ip); err == nil {
			if rec.Country.IsoCode != "" {
				dims["country"] = rec.Country.IsoCode
			}
			if len(rec.Subdivisions) > 0 && rec.Subdivisions[0].IsoCode != "" {
				dims["region"] = rec.Subdivisions[0].IsoCode
			}
		}
	}
	if e.asn != nil {
		if rec, err := e.asn.ASN(ip); err == nil {
			if org := strings.TrimSpace(rec.AutonomousSystemOrganization); org != "" {
				dims["asn_org"] = org
			}
		}
	}
	return dims
}

// SniffOS does a coarse user-agent match. Order matters: Android UAs
// also contain "Linux", iOS UAs contain "like Mac OS X".
func SniffOS(ua string) string {
	ua = strings.ToLower(ua)
	switch {
	case ua == "":
		return ""
	case strings.Contains(ua, "android"):
		return "android"
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"):
		return "ios"
	case strings.Contains(ua, "windows"):
		return "windows"
	case strings.Contains(ua, "mac os x"), strings.Contains(ua, "macintosh"):
		return "macos"
	case strings.Contains(ua, "linux"):
		return "linux"
	default:
		return "other"
	}
}

// SniffBrowser is similarly coarse. Edge and Chrome both carry
// "chrome"; Safari is the fallback for WebKit UAs.
func SniffBrowser(ua string) string {
	ua = strings.ToLower(ua)
	switch {
	case ua == "":
		return ""
	case strings.Contains(ua, "edg/"):
		return "edge"
	case strings.Contains(ua, "firefox/"):
		return "firefox"
	case strings.Contains(ua, "chrome/"):
		return "chrome"
	case strings.Contains(ua, "safari/"):
		return "safari"
	default:
		return "other"
	}
}
