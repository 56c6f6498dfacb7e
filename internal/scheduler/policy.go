package scheduler

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	tberrors "timebrowse/internal/errors"
)

// Policy is one [[policy]] table of the policy file:
//
//	[[policy]]
//	id = "hourly-home"
//	device = "/dev/sdb1"
//	action = "snapshot"
//	schedule = "every 1h"
//
//	[[policy]]
//	id = "prune-home"
//	device = "/dev/sdb1"
//	action = "prune"
//	schedule = "daily at 03:30"
//	keep = 48
//	max_age = "30d"
type Policy struct {
	ID       string `toml:"id"`
	Device   string `toml:"device"`
	Action   Action `toml:"action"`
	Schedule string `toml:"schedule"`
	Keep     int    `toml:"keep,omitempty"`
	MaxAge   string `toml:"max_age,omitempty"`
	Enabled  *bool  `toml:"enabled,omitempty"`
}

// IsEnabled defaults to true when enabled is not set
func (p Policy) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// PolicyFile is the document stored in the policy file
type PolicyFile struct {
	Policies []Policy `toml:"policy"`
}

// LoadPolicies reads and validates a policy file.
func LoadPolicies(path string) ([]Policy, error) {
	var file PolicyFile
	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, tberrors.New(tberrors.ConfigInvalid, "failed to parse policy file "+path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, tberrors.New(tberrors.ConfigInvalid,
			fmt.Sprintf("unknown keys in policy file %s: %s", path, strings.Join(keys, ", ")), nil)
	}
	if err := ValidatePolicies(file.Policies); err != nil {
		return nil, err
	}
	return file.Policies, nil
}

// ValidatePolicies checks every policy and reports the first problem.
func ValidatePolicies(policies []Policy) error {
	seen := make(map[string]bool, len(policies))
	for i, p := range policies {
		where := fmt.Sprintf("policy #%d", i+1)
		if p.ID != "" {
			where = fmt.Sprintf("policy %q", p.ID)
		}
		fail := func(format string, args ...interface{}) error {
			return tberrors.New(tberrors.ConfigInvalid, where+": "+fmt.Sprintf(format, args...), nil)
		}

		switch {
		case p.ID == "":
			return fail("missing id")
		case seen[p.ID]:
			return fail("duplicate id")
		case p.Device == "":
			return fail("missing device")
		case !p.Action.Valid():
			return fail("unknown action %q", p.Action)
		case p.Keep < 0:
			return fail("keep must not be negative")
		}
		seen[p.ID] = true

		if _, err := ParseExpression(p.Schedule); err != nil {
			return fail("%v", err)
		}
		maxAge, err := ParseAge(p.MaxAge)
		if err != nil {
			return fail("%v", err)
		}
		if p.Action == ActionPrune && p.Keep == 0 && maxAge == 0 {
			return fail("prune needs keep or max_age")
		}
	}
	return nil
}

// schedule builds the persisted form of p, first due after now
func (p Policy) schedule(now time.Time) (*Schedule, error) {
	expr, err := ParseExpression(p.Schedule)
	if err != nil {
		return nil, err
	}
	maxAge, err := ParseAge(p.MaxAge)
	if err != nil {
		return nil, err
	}
	return &Schedule{
		ID:         p.ID,
		Device:     p.Device,
		Action:     p.Action,
		Expression: expr.String(),
		Keep:       p.Keep,
		MaxAge:     maxAge,
		Enabled:    p.IsEnabled(),
		NextRun:    expr.Next(now),
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// WritePolicies encodes policies in policy file form
func WritePolicies(w io.Writer, policies []Policy) error {
	return toml.NewEncoder(w).Encode(PolicyFile{Policies: policies})
}
