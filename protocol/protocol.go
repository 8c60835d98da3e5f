// Package protocol resolves the effective MCP protocol version of a session
// and enforces the consistency of the per-request version header with the
// version negotiated during the initialize handshake.
//
// There is no package-level version table. Callers construct a Registry
// once and hand it to every component that negotiates.
package protocol

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Known protocol revisions.
const (
	Version20241105 = "2024-11-05"
	Version20250326 = "2025-03-26"
	Version20250618 = "2025-06-18"
)

const dateLayout = "2006-01-02"

var (
	// ErrVersionTooOld reports a requested version below the oldest
	// supported revision. No silent downgrade below the floor happens.
	ErrVersionTooOld = errors.New("protocol: requested version is older than the oldest supported version")
	// ErrUnsupportedVersion reports a requested value that is not a
	// protocol revision at all.
	ErrUnsupportedVersion = errors.New("protocol: unsupported protocol version")
	// ErrVersionChannelMismatch reports a per-request version indicator that
	// differs from the negotiated version.
	ErrVersionChannelMismatch = errors.New("protocol: version indicator does not match negotiated version")
	// ErrRenegotiationDisallowed reports an attempt to change the version of
	// an established session while policy forbids it.
	ErrRenegotiationDisallowed = errors.New("protocol: renegotiation is not allowed")
)

// VersionError wraps one of the version sentinels with the offending value.
type VersionError struct {
	Requested string
	Err       error
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("%v (requested %q)", e.Err, e.Requested)
}

func (e *VersionError) Unwrap() error { return e.Err }

// Channel identifies where a version value arrived.
type Channel int

const (
	// PrimaryChannel is the initialize handshake body.
	PrimaryChannel Channel = iota + 1
	// SecondaryChannel is the per-request transport header.
	SecondaryChannel
)

func (c Channel) String() string {
	switch c {
	case PrimaryChannel:
		return "primary"
	case SecondaryChannel:
		return "secondary"
	default:
		return "unknown"
	}
}

// Mode is how a session's version is kept in agreement.
type Mode int

const (
	// InitializeOnly versions agree on the version once, in the handshake.
	InitializeOnly Mode = iota + 1
	// DualChannel versions also carry the version on every request.
	DualChannel
)

func (m Mode) String() string {
	switch m {
	case InitializeOnly:
		return "initialize_only"
	case DualChannel:
		return "dual_channel"
	default:
		return "unknown"
	}
}

// Version describes one supported revision and the features it enables.
type Version struct {
	Name string
	// Batching allows JSON-RPC batch arrays.
	Batching bool
	// HeaderChannel means the revision carries the version on every request
	// in a transport header.
	HeaderChannel bool

	date time.Time
}

func (v Version) String() string { return v.Name }

// AllowsBatching implements codec.Framing.
func (v Version) AllowsBatching() bool { return v.Batching }

// Mode returns the negotiation mode implied by v.
func (v Version) Mode() Mode {
	if v.HeaderChannel {
		return DualChannel
	}
	return InitializeOnly
}

// Negotiated is the immutable outcome of negotiation for a session.
type Negotiated struct {
	Requested           string
	Supported           []string
	Selected            Version
	ConsistencyRequired bool
	Via                 Channel
}

// Mode returns the negotiation mode of the selected version.
func (n Negotiated) Mode() Mode { return n.Selected.Mode() }

// Registry is an ordered set of supported versions.
type Registry struct {
	versions []Version
}

// NewRegistry validates and orders versions. Names must be protocol dates.
func NewRegistry(versions ...Version) (*Registry, error) {
	if len(versions) == 0 {
		return nil, errors.New("protocol: registry needs at least one version")
	}
	out := make([]Version, 0, len(versions))
	for _, v := range versions {
		d, err := time.Parse(dateLayout, v.Name)
		if err != nil {
			return nil, fmt.Errorf("protocol: version %q is not a protocol date: %w", v.Name, err)
		}
		v.date = d
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b Version) int { return a.date.Compare(b.date) })
	for i := 1; i < len(out); i++ {
		if out[i].Name == out[i-1].Name {
			return nil, fmt.Errorf("protocol: duplicate version %q", out[i].Name)
		}
	}
	return &Registry{versions: out}, nil
}

// DefaultRegistry returns a fresh registry of the revisions the bridge
// speaks: 2025-03-26 (batching, handshake only) and 2025-06-18 (no batching,
// header channel).
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		Version{Name: Version20250326, Batching: true},
		Version{Name: Version20250618, HeaderChannel: true},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// Oldest returns the floor of the supported set.
func (r *Registry) Oldest() Version { return r.versions[0] }

// Newest returns the ceiling of the supported set.
func (r *Registry) Newest() Version { return r.versions[len(r.versions)-1] }

// Lookup finds a supported version by name.
func (r *Registry) Lookup(name string) (Version, bool) {
	for _, v := range r.versions {
		if v.Name == name {
			return v, true
		}
	}
	return Version{}, false
}

// Supported lists the supported names, oldest first.
func (r *Registry) Supported() []string {
	out := make([]string, len(r.versions))
	for i, v := range r.versions {
		out[i] = v.Name
	}
	return out
}

// Negotiate selects the version for an explicit request. An empty request
// selects the oldest supported version.
//
// A supported value is accepted verbatim. A value below the floor fails with
// ErrVersionTooOld. A value above the ceiling selects the newest version; an
// unknown value inside the range selects the newest version not above it.
func (r *Registry) Negotiate(requested string) (Negotiated, error) {
	n := Negotiated{Requested: requested, Supported: r.Supported(), Via: PrimaryChannel}
	sel, err := r.selectVersion(requested)
	if err != nil {
		return Negotiated{}, err
	}
	n.Selected = sel
	n.ConsistencyRequired = sel.HeaderChannel
	return n, nil
}

// Resolve negotiates the version of a new session from whatever the client
// sent on channel. With nothing requested the oldest version is selected on
// every channel.
func (r *Registry) Resolve(requested string, channel Channel) (Negotiated, error) {
	n, err := r.Negotiate(requested)
	if err != nil {
		return Negotiated{}, err
	}
	n.Via = channel
	return n, nil
}

// CheckHeader enforces that a per-request version indicator equals the
// negotiated version. An absent header is accepted.
func CheckHeader(n Negotiated, header string) error {
	if header == "" || header == n.Selected.Name {
		return nil
	}
	return &VersionError{Requested: header, Err: ErrVersionChannelMismatch}
}

func (r *Registry) selectVersion(requested string) (Version, error) {
	if requested == "" {
		return r.Oldest(), nil
	}
	if v, ok := r.Lookup(requested); ok {
		return v, nil
	}
	d, err := time.Parse(dateLayout, requested)
	if err != nil {
		return Version{}, &VersionError{Requested: requested, Err: ErrUnsupportedVersion}
	}
	if d.Before(r.Oldest().date) {
		return Version{}, &VersionError{Requested: requested, Err: ErrVersionTooOld}
	}
	sel := r.Oldest()
	for _, v := range r.versions {
		if v.date.After(d) {
			break
		}
		sel = v
	}
	return sel, nil
}
