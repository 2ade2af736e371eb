package pcap

import (
	"time"

	gpcap "github.com/google/gopacket/pcap"
	"github.com/pkg/errors"
)

// The same default as tcpdump.
const defaultSnapLen = 262144

// Reader is the packet-source collaborator boundary from spec §6: a
// reader produces raw packets and reports its (total, dropped) stats so
// the stats line and can-quit logic can include it. Live interfaces,
// PF_RING, SNF, and S3/SQS loaders all stay behind this interface.
type Reader interface {
	// Packets starts production. The channel closes on EOF or when done
	// is closed. The receiver owns each Packet once delivered.
	Packets(done <-chan struct{}) (<-chan *Packet, error)
	// Stats returns packets seen and packets dropped at the source.
	Stats() (total, dropped uint64, err error)
}

// LibpcapReader reads from a live interface or an offline capture file
// through libpcap. The zero value is unusable; use OpenLive or
// OpenOffline.
type LibpcapReader struct {
	handle    *gpcap.Handle
	readerPos int
	offline   bool
	total     uint64
}

// OpenLive opens a live capture on interfaceName with an optional BPF
// filter. readerPos identifies this reader in packet records (spec §3
// "a reader-slot id").
func OpenLive(interfaceName, bpfFilter string, readerPos int) (*LibpcapReader, error) {
	handle, err := gpcap.OpenLive(interfaceName, defaultSnapLen, true, gpcap.BlockForever)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open pcap to %s", interfaceName)
	}
	if bpfFilter != "" {
		if err := handle.SetBPFFilter(bpfFilter); err != nil {
			handle.Close()
			return nil, errors.Wrap(err, "failed to set BPF filter")
		}
	}
	return &LibpcapReader{handle: handle, readerPos: readerPos}, nil
}

// OpenOffline opens a capture file for replay.
func OpenOffline(path, bpfFilter string, readerPos int) (*LibpcapReader, error) {
	handle, err := gpcap.OpenOffline(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open pcap file %s", path)
	}
	if bpfFilter != "" {
		if err := handle.SetBPFFilter(bpfFilter); err != nil {
			handle.Close()
			return nil, errors.Wrap(err, "failed to set BPF filter")
		}
	}
	return &LibpcapReader{handle: handle, readerPos: readerPos, offline: true}, nil
}

// LinkType exposes the capture's link type for DecodeLink.
func (r *LibpcapReader) LinkType() int {
	return int(r.handle.LinkType())
}

// Packets implements Reader.
func (r *LibpcapReader) Packets(done <-chan struct{}) (<-chan *Packet, error) {
	out := make(chan *Packet, 10)
	go func() {
		defer func() {
			close(out)
			r.handle.Close()
		}()
		for {
			data, ci, err := r.handle.ReadPacketData()
			if err != nil {
				return
			}
			r.total++
			ts := ci.Timestamp
			if ts.IsZero() {
				ts = time.Now()
			}
			// ReadPacketData hands back an owned copy.
			p := &Packet{Ts: ts, Buf: data, Copied: true, ReaderPos: r.readerPos}
			select {
			case <-done:
				return
			case out <- p:
			}
		}
	}()
	return out, nil
}

// Stats implements Reader. Offline reads never drop.
func (r *LibpcapReader) Stats() (uint64, uint64, error) {
	if r.offline {
		return r.total, 0, nil
	}
	st, err := r.handle.Stats()
	if err != nil {
		return r.total, 0, err
	}
	return uint64(st.PacketsReceived), uint64(st.PacketsDropped), nil
}
