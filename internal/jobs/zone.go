package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	logx "tripdesk/pkg/logx"
)

// LoadZone resolves an IANA identifier. Empty names and "Local" are rejected:
// the scheduling zone must mean the same thing on every host.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidZone, name)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidZone, name)
	}
	return loc, nil
}

// ZoneInfo is one entry of the zone picker.
type ZoneInfo struct {
	Value  string `json:"value"`
	Label  string `json:"label"`
	Offset string `json:"offset"`
}

// displayZones is the catalog offered to operators. SetZone accepts any zone
// LoadZone resolves, not only these.
var displayZones = []string{
	"UTC",
	"Europe/London",
	"Europe/Paris",
	"Europe/Berlin",
	"Europe/Istanbul",
	"Europe/Moscow",
	"Africa/Cairo",
	"Africa/Nairobi",
	"Asia/Riyadh",
	"Asia/Dubai",
	"Asia/Karachi",
	"Asia/Kolkata",
	"Asia/Dhaka",
	"Asia/Bangkok",
	"Asia/Jakarta",
	"Asia/Singapore",
	"Asia/Shanghai",
	"Asia/Tokyo",
	"Australia/Sydney",
	"Pacific/Auckland",
	"America/Sao_Paulo",
	"America/New_York",
	"America/Chicago",
	"America/Denver",
	"America/Los_Angeles",
}

// Coordinator owns mutations of the scheduling zone.
type Coordinator struct {
	reg *Registry
}

func NewCoordinator(reg *Registry) *Coordinator {
	return &Coordinator{reg: reg}
}

// Zone returns the current scheduling zone.
func (c *Coordinator) Zone() *time.Location { return c.reg.Zone() }

// SetZone switches the scheduling zone and recomputes every job's next run
// from now. Enabled jobs get a fresh next run; disabled jobs get none. The
// zone and all jobs are persisted in one repository call before the
// in-memory state changes, so a failure leaves everything as it was.
func (c *Coordinator) SetZone(ctx context.Context, name string) error {
	loc, err := LoadZone(name)
	if err != nil {
		return err
	}

	r := c.reg
	r.mu.Lock()
	defer r.mu.Unlock()

	from := r.loc.String()
	now := r.now()
	next := make(map[string]Job, len(r.jobs))
	list := make([]Job, 0, len(r.jobs))
	for key, cur := range r.jobs {
		j := cur.Clone()
		if j.Enabled {
			j.NextRunAt = nextRun(j.Spec, loc, now)
		} else {
			j.NextRunAt = nil
		}
		j.UpdatedAt = now
		next[key] = j
		list = append(list, j)
	}
	sort.Slice(list, func(i, k int) bool { return list[i].Name < list[k].Name })

	if err := r.repo.CommitZone(ctx, loc.String(), list); err != nil {
		return fmt.Errorf("commit zone %s: %w", loc.String(), err)
	}
	r.loc = loc
	for key, j := range next {
		j := j
		r.jobs[key] = &j
	}

	r.log.Info("scheduling zone changed",
		logx.String("from", from),
		logx.String("to", loc.String()),
		logx.Int("jobs", len(list)),
	)
	r.publish(EventZoneChanged, ZoneChange{From: from, To: loc.String(), Jobs: len(list)})
	return nil
}

// Zones lists the display catalog with offsets as of now. The current zone is
// included even when it is not part of the catalog.
func (c *Coordinator) Zones(now time.Time) []ZoneInfo {
	cur := c.reg.Zone().String()
	names := displayZones
	found := false
	for _, n := range names {
		if n == cur {
			found = true
			break
		}
	}
	if !found {
		names = append(append([]string(nil), displayZones...), cur)
	}

	type entry struct {
		info ZoneInfo
		off  int
	}
	entries := make([]entry, 0, len(names))
	for _, n := range names {
		loc, err := time.LoadLocation(n)
		if err != nil {
			continue
		}
		_, off := now.In(loc).Zone()
		offset := formatOffset(off)
		entries = append(entries, entry{
			info: ZoneInfo{Value: n, Label: fmt.Sprintf("(GMT%s) %s", offset, zoneCity(n)), Offset: offset},
			off:  off,
		})
	}
	sort.SliceStable(entries, func(i, k int) bool {
		if entries[i].off != entries[k].off {
			return entries[i].off < entries[k].off
		}
		return entries[i].info.Value < entries[k].info.Value
	})
	out := make([]ZoneInfo, len(entries))
	for i, e := range entries {
		out[i] = e.info
	}
	return out
}

func formatOffset(sec int) string {
	sign := '+'
	if sec < 0 {
		sign = '-'
		sec = -sec
	}
	return fmt.Sprintf("%c%02d:%02d", sign, sec/3600, (sec%3600)/60)
}

func zoneCity(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return strings.ReplaceAll(name, "_", " ")
}
