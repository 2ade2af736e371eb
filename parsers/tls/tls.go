// Package tls is the built-in TLS classifier/parser: it recognizes a
// handshake by its record prefix, extracts SNI, ALPN, negotiated
// version, and the JA3/JA4 client fingerprints, and writes them into
// the session's fields. It exists both as a useful parser and as the
// reference consumer of the classifier registry and parser contract
// (spec §4.3); protocol parsers in general are external collaborators
// (spec §1).
package tls

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/arkime-core/capture/field"
	"github.com/arkime-core/capture/reassembly"
	"github.com/arkime-core/capture/session"
)

// Fields holds the field ids this parser writes.
type Fields struct {
	Version field.ID
	Host    field.ID
	JA3     field.ID
	JA4     field.ID
	Cipher  field.ID
}

// RegisterFields defines the tls field set in registry. Call before
// Registry.Finalize.
func RegisterFields(r *field.Registry) *Fields {
	return &Fields{
		Version: r.Register(field.Definition{
			Group: "tls", Kind: field.KindStringSet, Expression: "tls.version", DBName: "tls.version",
			Help: "TLS version negotiated or offered", Category: "tls", Flags: field.FlagECSCounter,
		}),
		Host: r.Register(field.Definition{
			Group: "http", Kind: field.KindStringSet, Expression: "host.http", DBName: "http.host",
			Help: "Hostname from the TLS server name indication", Category: "http",
		}),
		JA3: r.Register(field.Definition{
			Group: "tls", Kind: field.KindStringSet, Expression: "tls.ja3", DBName: "tls.ja3",
			Help: "JA3 client fingerprint", Category: "tls",
		}),
		JA4: r.Register(field.Definition{
			Group: "tls", Kind: field.KindStringSet, Expression: "tls.ja4", DBName: "tls.ja4",
			Help: "JA4 client fingerprint", Category: "tls",
		}),
		Cipher: r.Register(field.Definition{
			Group: "tls", Kind: field.KindStringSet, Expression: "tls.cipher", DBName: "tls.cipher",
			Help: "Cipher suite selected by the server", Category: "tls",
		}),
	}
}

// Register installs the TLS classifier: a handshake record prefix
// (0x16, 0x03) at offset 0 in either direction.
func Register(reg *reassembly.Registry, f *Fields) {
	reg.RegisterTCP("tls", 0, []byte{0x16, 0x03}, func(s *session.Session, data []byte, dir session.Direction) {
		if s.HasProtocol("tls") {
			return
		}
		s.AddProtocol("tls")
		st := &state{fields: f}
		s.RegisterParser(session.ParserEntry{
			Name:  "tls",
			Fn:    st.parse,
			State: st,
		})
	})
}

type state struct {
	fields    *Fields
	clientHello bool
	serverHello bool
}

// parse consumes whole TLS records, waiting (consumed=0) on partials.
// Once both hellos have been seen, or the stream stops looking like
// TLS, the parser detaches.
func (st *state) parse(s *session.Session, data []byte, dir session.Direction) (int, bool) {
	consumed := 0
	for {
		rest := data[consumed:]
		if len(rest) < 5 {
			return consumed, false
		}
		recType := rest[0]
		if recType < 20 || recType > 23 || rest[1] != 0x03 {
			return consumed, true
		}
		recLen := int(binary.BigEndian.Uint16(rest[3:5]))
		if len(rest) < 5+recLen {
			return consumed, false
		}
		if recType == 22 {
			st.handshake(s, rest[5:5+recLen])
		} else {
			// Past the handshake: nothing more for us here.
			return consumed + 5 + recLen, true
		}
		consumed += 5 + recLen
		if st.clientHello && st.serverHello {
			return consumed, true
		}
	}
}

func (st *state) handshake(s *session.Session, rec []byte) {
	for len(rec) >= 4 {
		msgLen := int(rec[1])<<16 | int(rec[2])<<8 | int(rec[3])
		if len(rec) < 4+msgLen {
			return
		}
		switch rec[0] {
		case 1:
			st.clientHello = true
			st.parseClientHello(s, rec[4:4+msgLen])
		case 2:
			st.serverHello = true
			st.parseServerHello(s, rec[4:4+msgLen])
		}
		rec = rec[4+msgLen:]
	}
}

func grease(v uint16) bool { return v&0x0f0f == 0x0a0a && v>>8 == v&0xff }

func versionName(v uint16) string {
	switch v {
	case 0x0304:
		return "TLSv1.3"
	case 0x0303:
		return "TLSv1.2"
	case 0x0302:
		return "TLSv1.1"
	case 0x0301:
		return "TLSv1.0"
	case 0x0300:
		return "SSLv3"
	default:
		return "unknown"
	}
}

func ja4Version(v uint16) string {
	switch v {
	case 0x0304:
		return "13"
	case 0x0303:
		return "12"
	case 0x0302:
		return "11"
	case 0x0301:
		return "10"
	case 0x0300:
		return "s3"
	default:
		return "00"
	}
}

type clientHello struct {
	legacyVersion uint16
	ciphers       []uint16
	extensions    []uint16
	curves        []uint16
	pointFormats  []uint8
	sigAlgs       []uint16
	supportedVers []uint16
	sni           string
	alpn          []string
}

func (st *state) parseClientHello(s *session.Session, body []byte) {
	ch, ok := decodeClientHello(body)
	if !ok {
		return
	}
	f := s.FieldsContainer()

	if ch.sni != "" {
		f.StringAddHost(st.fields.Host, ch.sni)
	}

	// Offered version; overwritten by the server's choice if a
	// ServerHello is seen.
	ver := ch.legacyVersion
	for _, v := range ch.supportedVers {
		if !grease(v) && v > ver {
			ver = v
		}
	}
	f.StringAdd(st.fields.Version, versionName(ver))

	f.StringAdd(st.fields.JA3, ja3(ch))
	f.StringAdd(st.fields.JA4, ja4(ch))
}

func (st *state) parseServerHello(s *session.Session, body []byte) {
	if len(body) < 35 {
		return
	}
	ver := binary.BigEndian.Uint16(body[0:2])
	off := 34
	sidLen := int(body[off])
	off += 1 + sidLen
	if len(body) < off+3 {
		return
	}
	cipher := binary.BigEndian.Uint16(body[off : off+2])
	off += 3 // cipher + compression

	// supported_versions in the ServerHello carries the negotiated
	// TLS 1.3 version.
	if len(body) >= off+2 {
		extLen := int(binary.BigEndian.Uint16(body[off : off+2]))
		off += 2
		if len(body) >= off+extLen {
			exts := body[off : off+extLen]
			for len(exts) >= 4 {
				et := binary.BigEndian.Uint16(exts[0:2])
				el := int(binary.BigEndian.Uint16(exts[2:4]))
				if len(exts) < 4+el {
					break
				}
				if et == 43 && el == 2 {
					ver = binary.BigEndian.Uint16(exts[4:6])
				}
				exts = exts[4+el:]
			}
		}
	}

	f := s.FieldsContainer()
	f.StringAdd(st.fields.Version, versionName(ver))
	f.StringAdd(st.fields.Cipher, "0x"+strings.ToUpper(hex.EncodeToString([]byte{byte(cipher >> 8), byte(cipher)})))
}

func decodeClientHello(body []byte) (*clientHello, bool) {
	if len(body) < 35 {
		return nil, false
	}
	ch := &clientHello{legacyVersion: binary.BigEndian.Uint16(body[0:2])}
	off := 34 // version + random
	sidLen := int(body[off])
	off += 1 + sidLen
	if len(body) < off+2 {
		return nil, false
	}

	cipherLen := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	if len(body) < off+cipherLen {
		return nil, false
	}
	for i := 0; i+1 < cipherLen; i += 2 {
		ch.ciphers = append(ch.ciphers, binary.BigEndian.Uint16(body[off+i:off+i+2]))
	}
	off += cipherLen

	if len(body) < off+1 {
		return nil, false
	}
	compLen := int(body[off])
	off += 1 + compLen
	if len(body) < off+2 {
		// No extensions at all is still a valid hello.
		return ch, true
	}

	extLen := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	if len(body) < off+extLen {
		return nil, false
	}
	exts := body[off : off+extLen]
	for len(exts) >= 4 {
		et := binary.BigEndian.Uint16(exts[0:2])
		el := int(binary.BigEndian.Uint16(exts[2:4]))
		if len(exts) < 4+el {
			break
		}
		ev := exts[4 : 4+el]
		ch.extensions = append(ch.extensions, et)
		switch et {
		case 0: // server_name
			if len(ev) >= 5 && ev[2] == 0 {
				nameLen := int(binary.BigEndian.Uint16(ev[3:5]))
				if len(ev) >= 5+nameLen {
					ch.sni = string(ev[5 : 5+nameLen])
				}
			}
		case 10: // supported_groups
			if len(ev) >= 2 {
				n := int(binary.BigEndian.Uint16(ev[0:2]))
				for i := 2; i+1 < 2+n && i+1 < len(ev); i += 2 {
					ch.curves = append(ch.curves, binary.BigEndian.Uint16(ev[i:i+2]))
				}
			}
		case 11: // ec_point_formats
			if len(ev) >= 1 {
				n := int(ev[0])
				for i := 1; i < 1+n && i < len(ev); i++ {
					ch.pointFormats = append(ch.pointFormats, ev[i])
				}
			}
		case 13: // signature_algorithms
			if len(ev) >= 2 {
				n := int(binary.BigEndian.Uint16(ev[0:2]))
				for i := 2; i+1 < 2+n && i+1 < len(ev); i += 2 {
					ch.sigAlgs = append(ch.sigAlgs, binary.BigEndian.Uint16(ev[i:i+2]))
				}
			}
		case 16: // ALPN
			if len(ev) >= 2 {
				list := ev[2:]
				for len(list) >= 1 {
					l := int(list[0])
					if len(list) < 1+l {
						break
					}
					ch.alpn = append(ch.alpn, string(list[1:1+l]))
					list = list[1+l:]
				}
			}
		case 43: // supported_versions
			if len(ev) >= 1 {
				n := int(ev[0])
				for i := 1; i+1 < 1+n && i+1 < len(ev); i += 2 {
					ch.supportedVers = append(ch.supportedVers, binary.BigEndian.Uint16(ev[i:i+2]))
				}
			}
		}
		exts = exts[4+el:]
	}
	return ch, true
}

// ja3 is the classic md5 fingerprint:
// version,ciphers,extensions,curves,pointFormats with GREASE removed,
// decimal, dash-joined.
func ja3(ch *clientHello) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(ch.legacyVersion)))
	b.WriteByte(',')
	writeDashed16(&b, ch.ciphers)
	b.WriteByte(',')
	writeDashed16(&b, ch.extensions)
	b.WriteByte(',')
	writeDashed16(&b, ch.curves)
	b.WriteByte(',')
	for i, pf := range ch.pointFormats {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(strconv.Itoa(int(pf)))
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeDashed16(b *strings.Builder, vals []uint16) {
	first := true
	for _, v := range vals {
		if grease(v) {
			continue
		}
		if !first {
			b.WriteByte('-')
		}
		first = false
		b.WriteString(strconv.Itoa(int(v)))
	}
}

// ja4 is the FoxIO v1 client fingerprint: a 10-char prefix, then two
// 12-hex-char truncated sha256 hashes, underscore-separated — 36
// characters total, starting with "t" for TCP transport.
func ja4(ch *clientHello) string {
	ver := uint16(0)
	for _, v := range ch.supportedVers {
		if !grease(v) && v > ver {
			ver = v
		}
	}
	if ver == 0 {
		ver = ch.legacyVersion
	}

	sniChar := "i"
	if ch.sni != "" {
		sniChar = "d"
	}

	ciphers := filterGrease(ch.ciphers)
	exts := filterGrease(ch.extensions)

	alpn := "00"
	if len(ch.alpn) > 0 && len(ch.alpn[0]) > 0 {
		first := ch.alpn[0]
		alpn = string(first[0]) + string(first[len(first)-1])
	}

	prefix := "t" + ja4Version(ver) + sniChar +
		pad2(len(ciphers)) + pad2(len(exts)) + alpn

	return prefix + "_" + ja4Hash(ciphers, nil) + "_" + ja4Hash(ja4ExtList(exts), ch.sigAlgs)
}

func filterGrease(vals []uint16) []uint16 {
	out := make([]uint16, 0, len(vals))
	for _, v := range vals {
		if !grease(v) {
			out = append(out, v)
		}
	}
	return out
}

// ja4ExtList drops SNI and ALPN from the hashed extension list (they
// are represented in the prefix instead).
func ja4ExtList(exts []uint16) []uint16 {
	out := make([]uint16, 0, len(exts))
	for _, e := range exts {
		if e == 0 || e == 16 {
			continue
		}
		out = append(out, e)
	}
	return out
}

func pad2(n int) string {
	if n > 99 {
		n = 99
	}
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}

// ja4Hash hashes the sorted hex codes (plus the unsorted signature
// algorithms, when given) and truncates to 12 hex chars. An empty list
// hashes to twelve zeros.
func ja4Hash(vals []uint16, sigAlgs []uint16) string {
	if len(vals) == 0 && len(sigAlgs) == 0 {
		return "000000000000"
	}
	sorted := append([]uint16(nil), vals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	parts := make([]string, 0, len(sorted))
	for _, v := range sorted {
		parts = append(parts, hex4(v))
	}
	input := strings.Join(parts, ",")
	if len(sigAlgs) > 0 {
		sa := make([]string, 0, len(sigAlgs))
		for _, v := range sigAlgs {
			if grease(v) {
				continue
			}
			sa = append(sa, hex4(v))
		}
		input += "_" + strings.Join(sa, ",")
	}
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:12]
}

func hex4(v uint16) string {
	return hex.EncodeToString([]byte{byte(v >> 8), byte(v)})
}
