package mesh

import (
	"github.com/Alteriom/meshnet/internal/topology"
)

// NoScanScanner is a topology.Scanner that never finds a candidate. It is
// the default stand-in for the out-of-scope radio scan collaborator
// (spec §1); production builds supply a real Scanner backed by the host's
// wireless stack.
type NoScanScanner struct{}

func (NoScanScanner) Scan(prefix string) ([]topology.Candidate, error) { return nil, nil }

// NoopChannelSwitcher is a topology.ChannelSwitcher that only logs. The
// notion of a radio "channel" has no TCP/byte-stream equivalent, so a real
// implementation lives entirely in the out-of-scope transport/radio layer
// (spec §1); this satisfies the interface so the topology engine's re-sync
// path is always wired to something.
type NoopChannelSwitcher struct{}

func (NoopChannelSwitcher) SwitchChannel(channel int) error { return nil }

// NoAssociator is a bridge.RouterAssociator that always fails association,
// the default stand-in for the out-of-scope router/uplink collaborator.
type NoAssociator struct{}

func (NoAssociator) Associate() (rssi int, ok bool) { return 0, false }
