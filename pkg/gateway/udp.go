package gateway

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/edvahn/kvm-stream-gate/pkg/logger"
)

// UDPRelay is a stand-in gateway that forwards datagrams to plain UDP
// sockets, one per m-section index. It exists for standalone runs and
// end-to-end probing; a real deployment supplies the signalling host's
// implementation instead.
type UDPRelay struct {
	conns []*net.UDPConn
	log   *logger.Logger
}

// NewUDPRelay dials host:basePort for mindex 0 and host:basePort+1 for
// mindex 1.
func NewUDPRelay(host string, basePort int, log *logger.Logger) (*UDPRelay, error) {
	r := &UDPRelay{log: log.With("component", "udp-gateway")}
	for i := 0; i < 2; i++ {
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, basePort+i))
		if err != nil {
			return nil, fmt.Errorf("resolve relay target: %w", err)
		}
		conn, err := net.DialUDP("udp", nil, addr)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("dial relay target: %w", err)
		}
		r.conns = append(r.conns, conn)
	}
	return r, nil
}

// RelayRTP implements Gateway.
func (r *UDPRelay) RelayRTP(_ Handle, pkt *RTP) {
	if pkt.Mindex < 0 || pkt.Mindex >= len(r.conns) {
		return
	}
	if _, err := r.conns[pkt.Mindex].Write(pkt.Buffer); err != nil {
		r.log.Debug("relay write failed", "mindex", pkt.Mindex, "error", err)
	}
}

// PushEvent implements Gateway by logging the event.
func (r *UDPRelay) PushEvent(_ Handle, transaction string, event json.RawMessage, jsep json.RawMessage) error {
	r.log.Info("plugin event", "transaction", transaction, "event", string(event), "has_jsep", jsep != nil)
	return nil
}

// Close shuts both sockets.
func (r *UDPRelay) Close() {
	for _, conn := range r.conns {
		if conn != nil {
			conn.Close()
		}
	}
}
