package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ID prefixes. Every persisted entity carries an opaque string ID with a
// type prefix so references in refs[] are self-describing.
const (
	PrefixEvent      = "evt_"
	PrefixChunk      = "chk_"
	PrefixDecision   = "dec_"
	PrefixArtifact   = "art_"
	PrefixCapsule    = "cap_"
	PrefixNote       = "kn_"
	PrefixEdit       = "edit_"
	PrefixACB        = "acb_"
	PrefixHandoff    = "sh_"
	PrefixReflection = "refl_"
	PrefixJob        = "job_"
)

// NewID returns a fresh ID with the given type prefix.
func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidateID checks the prefix and charset of an externally supplied ID.
// The suffix must be non-empty lowercase hex or alphanumeric (dash allowed
// for externally minted suffixes).
func ValidateID(prefix, id string) error {
	if !strings.HasPrefix(id, prefix) {
		return fmt.Errorf("id %q missing prefix %q", id, prefix)
	}
	suffix := id[len(prefix):]
	if suffix == "" {
		return fmt.Errorf("id %q has empty suffix", id)
	}
	for _, r := range suffix {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return fmt.Errorf("id %q contains invalid character %q", id, r)
		}
	}
	return nil
}
