package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/qfabric/qfabric/internal/qlog"
	"github.com/qfabric/qfabric/internal/qmetrics"
	"github.com/qfabric/qfabric/internal/wire"
	"github.com/qfabric/qfabric/internal/worker"
)

// DiscoveryPacketKind enumerates the UDP discovery packet family, adapted
// from original_source/qmi/core/udp_responder_packets.py's
// ContextInfoRequest/ContextInfoResponse/KillRequest trio (spec §6's
// supplemented "UDP discovery packet family", see SPEC_FULL.md).
type DiscoveryPacketKind byte

const (
	PacketContextInfoRequest DiscoveryPacketKind = iota
	PacketContextInfoResponse
	PacketKillRequest
)

// DiscoveryPacket is the payload exchanged over the discovery UDP socket.
type DiscoveryPacket struct {
	Kind        DiscoveryPacketKind
	Workgroup   string
	NamePattern string // fnmatch-style pattern, request only
	ContextName string // response / kill target
	TCPPort     int    // response only
	Pid         int    // response only
}

func (p DiscoveryPacket) encode() []byte {
	fields := map[string]wire.Value{
		"workgroup":    wire.String(p.Workgroup),
		"name_pattern": wire.String(p.NamePattern),
		"context_name": wire.String(p.ContextName),
		"tcp_port":     wire.Int(int64(p.TCPPort)),
		"pid":          wire.Int(int64(p.Pid)),
	}
	return wire.Encode(nil, wire.Record(packetKindName(p.Kind), fields))
}

func decodeDiscoveryPacket(buf []byte) (DiscoveryPacket, error) {
	v, _, err := wire.Decode(buf)
	if err != nil {
		return DiscoveryPacket{}, err
	}
	kind, err := packetKindFromName(v.RecordName)
	if err != nil {
		return DiscoveryPacket{}, err
	}
	return DiscoveryPacket{
		Kind:        kind,
		Workgroup:   v.Map["workgroup"].Str,
		NamePattern: v.Map["name_pattern"].Str,
		ContextName: v.Map["context_name"].Str,
		TCPPort:     int(v.Map["tcp_port"].Int),
		Pid:         int(v.Map["pid"].Int),
	}, nil
}

func packetKindName(k DiscoveryPacketKind) string {
	switch k {
	case PacketContextInfoRequest:
		return "context_info_request"
	case PacketContextInfoResponse:
		return "context_info_response"
	case PacketKillRequest:
		return "kill_request"
	default:
		return "unknown"
	}
}

func packetKindFromName(name string) (DiscoveryPacketKind, error) {
	switch name {
	case "context_info_request":
		return PacketContextInfoRequest, nil
	case "context_info_response":
		return PacketContextInfoResponse, nil
	case "kill_request":
		return PacketKillRequest, nil
	default:
		return 0, fmt.Errorf("transport: unknown discovery packet kind %q", name)
	}
}

// KillHandler is invoked when a validated KillRequest packet arrives,
// wired by the caller (typically to the $context introspection object's
// ShutdownContext operation, per SPEC_FULL.md's supplemented feature list).
type KillHandler func(contextName string)

// Responder answers UDP discovery broadcasts, mirroring messaging.py's
// _UdpResponder: it only replies to requests whose workgroup matches, and
// whose fnmatch-style name pattern matches this context's name.
type Responder struct {
	conn      *net.UDPConn
	cfg       Config
	logger    *slog.Logger
	msink     metrics.MetricSink
	tcpPort   int
	pid       int
	onKill    KillHandler
	w         *worker.Worker
}

// NewResponder binds the well-known discovery UDP port on the manager's
// bind address.
func NewResponder(cfg Config, tcpPort, pid int, onKill KillHandler) (*Responder, error) {
	cfg = cfg.withDefaults()
	addr := &net.UDPAddr{IP: net.ParseIP(cfg.BindAddr), Port: DiscoveryPort}
	if addr.IP == nil {
		addr.IP = net.IPv4zero
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: udp listen: %w", err)
	}
	return &Responder{
		conn:    conn,
		cfg:     cfg,
		logger:  qlog.Default(cfg.Logger),
		msink:   qmetrics.Sink(cfg.MetricSink),
		tcpPort: tcpPort,
		pid:     pid,
		onKill:  onKill,
	}, nil
}

func (r *Responder) Start(ctx context.Context) {
	r.w = worker.Start(ctx, r.run, worker.RequesterFunc(func() {
		_ = r.conn.Close()
	}))
}

func (r *Responder) Stop() {
	if r.w != nil {
		r.w.ShutdownAndWait()
	}
}

func (r *Responder) run(ctx context.Context) {
	buf := make([]byte, 65536)
	for {
		n, remote, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				r.logger.Debug("udp read failed", qlog.LabelError.L(err))
				return
			}
		}
		pkt, err := decodeDiscoveryPacket(buf[:n])
		if err != nil {
			continue
		}
		if pkt.Workgroup != r.cfg.Workgroup {
			continue
		}
		switch pkt.Kind {
		case PacketContextInfoRequest:
			matched, _ := path.Match(pkt.NamePattern, r.cfg.ContextName)
			if !matched {
				continue
			}
			resp := DiscoveryPacket{
				Kind:        PacketContextInfoResponse,
				Workgroup:   r.cfg.Workgroup,
				ContextName: r.cfg.ContextName,
				TCPPort:     r.tcpPort,
				Pid:         r.pid,
			}
			_, _ = r.conn.WriteToUDP(resp.encode(), remote)
		case PacketKillRequest:
			if pkt.ContextName == r.cfg.ContextName && r.onKill != nil {
				r.onKill(pkt.ContextName)
			}
		}
	}
}

// ContextInfo is one discovered context, returned by Ping.
type ContextInfo struct {
	ContextName string
	Addr        net.IP
	TCPPort     int
	Pid         int
}

// Ping broadcasts a ContextInfoRequest for namePattern on workgroup and
// collects responses until timeout elapses. This is the standalone
// discovery helper ping_qmi_contexts supplements (SPEC_FULL.md's
// "Context discovery ping"): it needs no running Context of its own.
func Ping(ctx context.Context, workgroup, namePattern string, broadcastAddr string, timeout time.Duration) ([]ContextInfo, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	dst, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", broadcastAddr, DiscoveryPort))
	if err != nil {
		return nil, err
	}

	req := DiscoveryPacket{Kind: PacketContextInfoRequest, Workgroup: workgroup, NamePattern: namePattern}
	if _, err := conn.WriteToUDP(req.encode(), dst); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	_ = conn.SetReadDeadline(deadline)

	var results []ContextInfo
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			break
		}
		pkt, err := decodeDiscoveryPacket(buf[:n])
		if err != nil || pkt.Kind != PacketContextInfoResponse {
			continue
		}
		results = append(results, ContextInfo{
			ContextName: pkt.ContextName,
			Addr:        remote.IP,
			TCPPort:     pkt.TCPPort,
			Pid:         pkt.Pid,
		})
	}
	return results, nil
}

// SendKill broadcasts a KillRequest targeting contextName on workgroup.
func SendKill(workgroup, contextName, broadcastAddr string) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return err
	}
	defer conn.Close()
	dst, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", broadcastAddr, DiscoveryPort))
	if err != nil {
		return err
	}
	pkt := DiscoveryPacket{Kind: PacketKillRequest, Workgroup: workgroup, ContextName: contextName}
	_, err = conn.WriteToUDP(pkt.encode(), dst)
	return err
}
