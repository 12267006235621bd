package detect

import (
	"net/netip"
	"strings"
)

// IPIntel is the read-only lookup the engine consumes for IP-derived
// facts. Feed downloading/parsing happens elsewhere; the engine only
// reads already-parsed data.
type IPIntel interface {
	Country(ip string) string
	ASN(ip string) uint32
	IsDatacenter(ip string) bool
	// IsVerifiedCrawler reports whether the IP belongs to the published
	// range set of the named crawler (Googlebot, Bingbot, ...).
	IsVerifiedCrawler(ip string, botName string) bool
}

// StaticIntel is an in-memory IPIntel backed by parsed range tables.
// Zero value is usable and answers "unknown" to everything.
type StaticIntel struct {
	datacenter []netip.Prefix
	countries  map[string][]netip.Prefix // ISO alpha-2 -> ranges
	asns       map[uint32][]netip.Prefix
	crawlers   map[string][]netip.Prefix // lowercase bot name -> ranges
}

// StaticIntelData is the parsed feed handed to NewStaticIntel. CIDRs
// that fail to parse are dropped silently; the lookup interface never
// errors.
type StaticIntelData struct {
	DatacenterCIDRs []string
	CountryCIDRs    map[string][]string
	ASNCIDRs        map[uint32][]string
	CrawlerCIDRs    map[string][]string
}

// NewStaticIntel builds the lookup tables.
func NewStaticIntel(data StaticIntelData) *StaticIntel {
	si := &StaticIntel{
		countries: make(map[string][]netip.Prefix),
		asns:      make(map[uint32][]netip.Prefix),
		crawlers:  make(map[string][]netip.Prefix),
	}
	si.datacenter = parsePrefixes(data.DatacenterCIDRs)
	for cc, cidrs := range data.CountryCIDRs {
		si.countries[strings.ToUpper(cc)] = parsePrefixes(cidrs)
	}
	for asn, cidrs := range data.ASNCIDRs {
		si.asns[asn] = parsePrefixes(cidrs)
	}
	for name, cidrs := range data.CrawlerCIDRs {
		si.crawlers[strings.ToLower(name)] = parsePrefixes(cidrs)
	}
	return si
}

func parsePrefixes(cidrs []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		if p, err := netip.ParsePrefix(c); err == nil {
			out = append(out, p.Masked())
		}
	}
	return out
}

func containsIP(prefixes []netip.Prefix, ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Country returns the ISO alpha-2 country for the IP, or "".
func (si *StaticIntel) Country(ip string) string {
	for cc, prefixes := range si.countries {
		if containsIP(prefixes, ip) {
			return cc
		}
	}
	return ""
}

// ASN returns the autonomous system number for the IP, or 0.
func (si *StaticIntel) ASN(ip string) uint32 {
	for asn, prefixes := range si.asns {
		if containsIP(prefixes, ip) {
			return asn
		}
	}
	return 0
}

// IsDatacenter reports whether the IP falls in a known hosting range.
func (si *StaticIntel) IsDatacenter(ip string) bool {
	return containsIP(si.datacenter, ip)
}

// IsVerifiedCrawler checks the IP against the named crawler's ranges.
func (si *StaticIntel) IsVerifiedCrawler(ip, botName string) bool {
	prefixes, ok := si.crawlers[strings.ToLower(botName)]
	if !ok {
		return false
	}
	return containsIP(prefixes, ip)
}
