// save.go implements the save pipeline from spec §4.4: BEFORE_SAVE rules,
// parser save hooks, serialization to a compact record, and handoff to
// the bulk serializer -- either as a final save (session removed) or a
// mid-save (session continues under a fresh root id).
package session

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/arkime-core/capture/field"
	"github.com/arkime-core/capture/rules"
	"github.com/google/uuid"
)

// Sink is the bulk-serializer boundary a save hands records to (package
// bulk implements this; declared here to avoid session -> bulk ->
// session import cycles, matching field.Listener's approach in
// container.go).
type Sink interface {
	Enqueue(id string, doc []byte)
}

// Save runs the full save pipeline (spec §4.4 steps 1-6) for s. When mid
// is true this is a mid-save: the record is emitted, the session's
// RootID is latched to the first emitted record's id so continuations
// chain back to it, counters/fields reset, and the session stays in the
// table (caller must not call Table.Remove). When mid is false this is a
// final save: caller is expected to call Table.Remove(s) afterward.
func Save(s *Session, node string, sink Sink, mid bool, now time.Time) {
	if s.rules != nil {
		s.rules.Fire(rules.BeforeSave, s)
	}

	for _, pe := range s.parsers {
		if pe.Save != nil {
			pe.Save(s, s.Fields, pe.State)
		}
	}

	// The first record of a flow is keyed by the canonical session id;
	// continuation records after a mid-save need distinct ids and carry
	// rootId pointing back at the first one.
	docID := s.ID.String()
	if s.RootID != "" {
		docID = s.ID.String() + ":" + uuid.New().String()
	}

	doc := s.serialize(node)
	sink.Enqueue(docID, doc)

	if mid {
		if s.RootID == "" {
			s.RootID = docID
		}
		s.Packets[0], s.Packets[1] = 0, 0
		s.Bytes[0], s.Bytes[1] = 0, 0
		s.Fields.Reset()
		s.MidSave = true
		s.FirstPacket = now
	}
}

// serialize builds the canonical per-session record from spec §6:
// firstPacket, lastPacket, srcIp/srcPort, dstIp/dstPort, ipProtocol,
// node, packetPos[], per-protocol field sub-trees, and "<name>Cnt"
// counters for ECS-counter-flagged fields.
func (s *Session) serialize(node string) []byte {
	doc := map[string]interface{}{
		"firstPacket": s.FirstPacket.UnixMilli(),
		"lastPacket":  s.LastPacket.UnixMilli(),
		"ipProtocol":  s.IPProto,
		"node":        node,
		"packets":     s.Packets[0] + s.Packets[1],
		"bytes":       s.Bytes[0] + s.Bytes[1],
		"srcPackets":  s.Packets[0],
		"dstPackets":  s.Packets[1],
		"srcBytes":    s.Bytes[0],
		"dstBytes":    s.Bytes[1],
	}
	// Pseudo-sessions (ARP, unknown-ether, ...) carry no endpoints.
	if s.SrcIP != nil {
		doc["srcIp"] = s.SrcIP.String()
		doc["srcPort"] = s.SrcPort
	}
	if s.DstIP != nil {
		doc["dstIp"] = s.DstIP.String()
		doc["dstPort"] = s.DstPort
	}
	if s.RootID != "" {
		doc["rootId"] = s.RootID
	}
	if s.Type == TypeTCP {
		doc["tcpflags"] = map[string]uint64{
			"syn":     s.TCPFlags.SYN,
			"syn-ack": s.TCPFlags.SYNACK,
			"ack":     s.TCPFlags.ACK,
			"psh":     s.TCPFlags.PSH,
			"fin":     s.TCPFlags.FIN,
			"rst":     s.TCPFlags.RST,
			"urg":     s.TCPFlags.URG,
		}
		if s.TCPState.InitRTT > 0 {
			doc["initRTT"] = s.TCPState.InitRTT.Milliseconds()
		}
	}
	if len(s.Protocols) > 0 {
		doc["protocols"] = s.Protocols
	}
	if len(s.Tags) > 0 {
		doc["tags"] = s.Tags
	}

	positions := make([]string, 0, len(s.FilePositions))
	for _, p := range s.FilePositions {
		positions = append(positions, strconv.FormatUint(uint64(p.FileNum), 10)+":"+strconv.FormatUint(p.Pos, 10))
	}
	if len(positions) > 0 {
		doc["packetPos"] = positions
	}

	s.Fields.Each(func(id field.ID, v *field.Value) {
		def, ok := s.registryDef(id)
		if !ok || def.Flags.Has(field.FlagNoDB) {
			return
		}
		doc[def.DBName] = fieldJSONValue(v)
		if cnt, ok := s.Fields.Counter(id); ok {
			doc[def.DBName+"Cnt"] = cnt
		}
	})

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.Encode(doc)
	return buf.Bytes()
}

func (s *Session) registryDef(id field.ID) (*field.Definition, bool) {
	if s.Fields == nil {
		return nil, false
	}
	return s.Fields.Definition(id)
}

func fieldJSONValue(v *field.Value) interface{} {
	switch v.Kind {
	case field.KindInt:
		n, _ := v.Int()
		return n
	case field.KindString:
		str, _ := v.String()
		return str
	case field.KindIP:
		ip, _ := v.IP()
		return ip.String()
	case field.KindFloat:
		f, _ := v.Float()
		return f
	case field.KindIntArray:
		return v.IntArray()
	case field.KindStringArray:
		return v.StringArray()
	case field.KindFloatArray:
		return v.FloatArray()
	case field.KindIntSet:
		return field.SortedIntSetKeys(v.IntSet())
	case field.KindStringSet:
		keys := make([]string, 0, len(v.StringSet()))
		for k := range v.StringSet() {
			keys = append(keys, k)
		}
		return keys
	case field.KindIPSet:
		ips := v.IPSet()
		out := make([]string, len(ips))
		for i, ip := range ips {
			out[i] = ip.String()
		}
		return out
	case field.KindCertInfo:
		ci, _ := v.CertInfo()
		return ci
	default:
		return nil
	}
}
