package credential

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/oschwald/maxminddb-golang/v2"

	"github.com/voratiq/voratiq/internal/agent"
)

// apiHosts maps a provider to the API host its CLI talks to, so a run can
// log a one-line region hint for it during credential staging.
var apiHosts = map[agent.Harness]string{
	agent.HarnessClaude: "api.anthropic.com",
	agent.HarnessCodex:  "api.openai.com",
	agent.HarnessGemini: "generativelanguage.googleapis.com",
}

// APIHost returns the API host a provider's agent CLI talks to, or "" if
// harness is unrecognized.
func APIHost(harness agent.Harness) string {
	return apiHosts[harness]
}

// regionDB is the optional MaxMind-format database, set by LoadRegionDB, used for the
// diagnostic region hint below. A nil regionDB (the default) means no hint
// is available; this is never an error, since the hint is advisory only.
var regionDB *maxminddb.Reader

// LoadRegionDB opens a MaxMind-format database at path for use by
// RegionHint. An open failure is returned to the caller and leaves the
// previously loaded database (nil by default) in place; until a call
// succeeds, RegionHint returns no hint.
func LoadRegionDB(path string) error {
	db, err := maxminddb.Open(path)
	if err != nil {
		return err
	}
	regionDB = db
	return nil
}

// regionRecord is the subset of a MaxMind country database this engine
// cares about: just enough to log "resolved via <ISO code>" for a
// provider's API host.
type regionRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// RegionHint resolves host's first A/AAAA record and looks it up in the
// loaded region database, returning a coarse ISO country code for
// diagnostic logging only (e.g. "anthropic.com resolved via US"). It never
// gates a network policy decision — spec.md's sandbox network policy is
// allow/deny by domain, not by region. Returns "" (no error) whenever no
// database is loaded, the lookup fails, or the host doesn't resolve; a
// region hint is cosmetic and must never block a run.
func RegionHint(ctx context.Context, host string) string {
	if regionDB == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil || len(ips) == 0 {
		return ""
	}
	addr, ok := netip.AddrFromSlice(ips[0])
	if !ok {
		return ""
	}

	var rec regionRecord
	if err := regionDB.Lookup(addr).Decode(&rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}
