package session

import (
	"github.com/arkime-core/capture/config"
	"github.com/arkime-core/capture/field"
)

// Type mirrors config.SessionType (spec §4.2 "Each SessionTypes
// category"); declared as an alias here so callers can write
// session.Type without reaching into config.
type Type = config.SessionType

const (
	TypeTCP   = config.SessionTCP
	TypeUDP   = config.SessionUDP
	TypeICMP  = config.SessionICMP
	TypeSCTP  = config.SessionSCTP
	TypeESP   = config.SessionESP
	TypeOther = config.SessionOther
)

// SpecialIDs holds the field ids of the in-session specials spec §4.4
// names: values the rule engine can reference without the session
// carrying a backing field-vector entry.
type SpecialIDs struct {
	SrcIP, DstIP     field.ID
	SrcPort, DstPort field.ID

	TCPSynCnt, TCPSynAckCnt, TCPAckCnt field.ID

	PacketsSrc, PacketsDst field.ID
	BytesSrc, BytesDst     field.ID

	CommunityID field.ID
	DstIPPort   field.ID
}

// RegisterSpecials registers every special with registry and returns the
// resulting id set. Call once at startup, after all real fields have been
// registered (specials live in a separate id space above 2*DBMax so
// ordering relative to Finalize doesn't matter).
func RegisterSpecials(r *field.Registry) *SpecialIDs {
	s := &SpecialIDs{}
	s.SrcIP = r.RegisterSpecial(field.Definition{Expression: "source.ip", Kind: field.KindIP, Category: "general"})
	s.DstIP = r.RegisterSpecial(field.Definition{Expression: "destination.ip", Kind: field.KindIP, Category: "general"})
	s.SrcPort = r.RegisterSpecial(field.Definition{Expression: "source.port", Kind: field.KindInt, Category: "general"})
	s.DstPort = r.RegisterSpecial(field.Definition{Expression: "destination.port", Kind: field.KindInt, Category: "general"})

	s.TCPSynCnt = r.RegisterSpecial(field.Definition{Expression: "tcpflags.syn", Kind: field.KindInt, Category: "tcp"})
	s.TCPSynAckCnt = r.RegisterSpecial(field.Definition{Expression: "tcpflags.syn-ack", Kind: field.KindInt, Category: "tcp"})
	s.TCPAckCnt = r.RegisterSpecial(field.Definition{Expression: "tcpflags.ack", Kind: field.KindInt, Category: "tcp"})

	s.PacketsSrc = r.RegisterSpecial(field.Definition{Expression: "packets.src", Kind: field.KindInt, Category: "general"})
	s.PacketsDst = r.RegisterSpecial(field.Definition{Expression: "packets.dst", Kind: field.KindInt, Category: "general"})
	s.BytesSrc = r.RegisterSpecial(field.Definition{Expression: "bytes.src", Kind: field.KindInt, Category: "general"})
	s.BytesDst = r.RegisterSpecial(field.Definition{Expression: "bytes.dst", Kind: field.KindInt, Category: "general"})

	s.CommunityID = r.RegisterSpecial(field.Definition{Expression: "communityId", Kind: field.KindString, Category: "general"})
	s.DstIPPort = r.RegisterSpecial(field.Definition{Expression: "destination.ip-port", Kind: field.KindString, Category: "general"})
	return s
}
