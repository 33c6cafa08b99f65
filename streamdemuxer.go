package goplaylib

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	psdp "github.com/pion/sdp/v3"
	"golang.org/x/net/ipv4"

	"github.com/droneview/goplaylib/pkg/h264"
	"github.com/droneview/goplaylib/pkg/liberrors"
	"github.com/droneview/goplaylib/pkg/rtcpreceiver"
	"github.com/droneview/goplaylib/pkg/rtph264"
	"github.com/droneview/goplaylib/pkg/rtpreorderer"
)

const (
	rtpClockRate         = 90000
	udpReadBufferSize    = 2048
	udpKernelReadBuffer  = 0x80000
	receiverReportPeriod = 10 * time.Second
)

// StreamDemuxer reads a live H.264 RTP/AVP stream and submits access
// units to a decoder. It shares the decoder contract with
// RecordDemuxer; since the network paces the stream, seeking is not
// available.
type StreamDemuxer struct {
	// Log is called with messages of the demuxer.
	// It defaults to a stderr printer.
	Log LogFunc

	// MulticastInterface is the interface used to join multicast
	// groups. It defaults to the system choice.
	MulticastInterface *net.Interface

	rtpConn  net.PacketConn
	rtcpConn net.PacketConn

	reorderer    *rtpreorderer.Reorderer
	rtpDecoder   *rtph264.Decoder
	rtcpReceiver *rtcpreceiver.RTCPReceiver
	dtsExtractor *h264.DTSExtractor
	peerMetadata *PeerMetadata
	openTime     time.Time

	mu           sync.Mutex
	running      bool
	payloadType  uint8
	sps          []byte
	pps          []byte
	decoder      AvcDecoder
	source       *DecoderSource
	format       BitstreamFormat
	lastRTCPAddr net.Addr
	lastDts      time.Duration
	hasLastDts   bool

	doneRTP  chan struct{}
	doneRTCP chan struct{}
}

// OpenSDP opens a stream described by a SDP session description: the
// first H264 media is selected and its sprop-parameter-sets, payload
// type and transport address are used.
func (d *StreamDemuxer) OpenSDP(body []byte) error {
	var desc psdp.SessionDescription
	err := desc.Unmarshal(body)
	if err != nil {
		return err
	}

	var md *psdp.MediaDescription
	for _, candidate := range desc.MediaDescriptions {
		if candidate.MediaName.Media == "video" && isH264Media(candidate) {
			md = candidate
			break
		}
	}
	if md == nil {
		return liberrors.ErrDemuxerNoVideoTrack{}
	}

	payloadType, err := strconv.ParseUint(md.MediaName.Formats[0], 10, 8)
	if err != nil {
		return fmt.Errorf("invalid payload type (%v)", md.MediaName.Formats[0])
	}

	sps, pps, err := spropParameterSets(md)
	if err != nil {
		d.Log = logOrDefault(d.Log)
		d.Log(LogLevelWarn, "no out-of-band parameter sets: %v", err)
	}

	host := ""
	switch {
	case md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil:
		host = md.ConnectionInformation.Address.Address
	case desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil:
		host = desc.ConnectionInformation.Address.Address
	default:
		return fmt.Errorf("connection information is missing")
	}

	// strip the TTL / address count suffixes of multicast addresses
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}

	rtpPort := md.MediaName.Port.Value

	err = d.OpenAddr(host, rtpPort, rtpPort+1)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.payloadType = uint8(payloadType)
	d.sps = sps
	d.pps = pps
	d.mu.Unlock()

	return nil
}

// OpenAddr opens a stream received on the given UDP ports. When host
// is a multicast address, the group is joined. Parameter sets are
// expected in-band unless OpenSDP provided them.
func (d *StreamDemuxer) OpenAddr(host string, rtpPort int, rtcpPort int) error {
	if d.doneRTP != nil {
		return liberrors.ErrDemuxerAlreadyConfigured{}
	}

	d.Log = logOrDefault(d.Log)

	ip := net.ParseIP(host)
	if ip == nil {
		return liberrors.ErrInvalidArgument{Name: "host"}
	}

	rtpConn, err := listenUDP(ip, rtpPort, d.MulticastInterface)
	if err != nil {
		return err
	}

	rtcpConn, err := listenUDP(ip, rtcpPort, d.MulticastInterface)
	if err != nil {
		rtpConn.Close()
		return err
	}

	d.rtpConn = rtpConn
	d.rtcpConn = rtcpConn
	d.reorderer = rtpreorderer.New()
	d.rtpDecoder = &rtph264.Decoder{}
	d.rtpDecoder.Init()
	d.dtsExtractor = h264.NewDTSExtractor()
	d.peerMetadata = &PeerMetadata{}
	d.openTime = time.Now()
	d.doneRTP = make(chan struct{})
	d.doneRTCP = make(chan struct{})

	d.rtcpReceiver, err = rtcpreceiver.New(rtpClockRate, nil,
		receiverReportPeriod, nil, d.writeRTCP)
	if err != nil {
		rtpConn.Close()
		rtcpConn.Close()
		return err
	}

	go d.runRTPReader()
	go d.runRTCPReader()

	return nil
}

// Close stops the demuxer and releases its resources.
func (d *StreamDemuxer) Close() {
	if d.doneRTP == nil {
		return
	}

	d.rtcpReceiver.Close()
	d.rtpConn.Close()
	d.rtcpConn.Close()
	<-d.doneRTP
	<-d.doneRTCP
}

func isH264Media(md *psdp.MediaDescription) bool {
	v, ok := md.Attribute("rtpmap")
	if !ok {
		return false
	}

	tmp := strings.SplitN(v, " ", 2)
	if len(tmp) != 2 {
		return false
	}

	return strings.HasPrefix(strings.ToUpper(tmp[1]), "H264/")
}

func spropParameterSets(md *psdp.MediaDescription) ([]byte, []byte, error) {
	v, ok := md.Attribute("fmtp")
	if !ok {
		return nil, nil, fmt.Errorf("fmtp attribute is missing")
	}

	tmp := strings.SplitN(v, " ", 2)
	if len(tmp) != 2 {
		return nil, nil, fmt.Errorf("invalid fmtp attribute (%v)", v)
	}

	for _, kv := range strings.Split(tmp[1], ";") {
		kv = strings.Trim(kv, " ")
		if kv == "" {
			continue
		}

		tmp := strings.SplitN(kv, "=", 2)
		if len(tmp) != 2 {
			return nil, nil, fmt.Errorf("invalid fmtp attribute (%v)", v)
		}

		if tmp[0] != "sprop-parameter-sets" {
			continue
		}

		tmp = strings.Split(tmp[1], ",")
		if len(tmp) < 2 {
			return nil, nil, fmt.Errorf("invalid sprop-parameter-sets (%v)", v)
		}

		sps, err := base64.StdEncoding.DecodeString(tmp[0])
		if err != nil {
			return nil, nil, fmt.Errorf("invalid sprop-parameter-sets (%v)", v)
		}

		pps, err := base64.StdEncoding.DecodeString(tmp[1])
		if err != nil {
			return nil, nil, fmt.Errorf("invalid sprop-parameter-sets (%v)", v)
		}

		return sps, pps, nil
	}

	return nil, nil, fmt.Errorf("sprop-parameter-sets is missing (%v)", v)
}

func logOrDefault(l LogFunc) LogFunc {
	if l != nil {
		return l
	}
	return defaultLog
}

func listenUDP(ip net.IP, port int, intf *net.Interface) (net.PacketConn, error) {
	if ip.IsMulticast() {
		conn, err := net.ListenPacket("udp4", ":"+strconv.FormatInt(int64(port), 10))
		if err != nil {
			return nil, err
		}

		connIP := ipv4.NewPacketConn(conn.(*net.UDPConn))

		err = connIP.JoinGroup(intf, &net.UDPAddr{IP: ip})
		if err != nil {
			conn.Close()
			return nil, err
		}

		conn.(*net.UDPConn).SetReadBuffer(udpKernelReadBuffer) //nolint:errcheck
		return conn, nil
	}

	conn, err := net.ListenPacket("udp4", net.JoinHostPort("", strconv.FormatInt(int64(port), 10)))
	if err != nil {
		return nil, err
	}

	conn.(*net.UDPConn).SetReadBuffer(udpKernelReadBuffer) //nolint:errcheck
	return conn, nil
}

func (d *StreamDemuxer) writeRTCP(pkt rtcp.Packet) {
	d.mu.Lock()
	addr := d.lastRTCPAddr
	d.mu.Unlock()

	if addr == nil {
		return
	}

	byts, err := pkt.Marshal()
	if err != nil {
		return
	}

	d.rtcpConn.WriteTo(byts, addr) //nolint:errcheck
}

func (d *StreamDemuxer) runRTPReader() {
	defer close(d.doneRTP)

	buf := make([]byte, udpReadBufferSize)

	for {
		n, _, err := d.rtpConn.ReadFrom(buf)
		if err != nil {
			return
		}

		// the reorderer can hold the packet across reads
		byts := make([]byte, n)
		copy(byts, buf[:n])

		var pkt rtp.Packet
		err = pkt.Unmarshal(byts)
		if err != nil {
			d.Log(LogLevelDebug, "invalid RTP packet: %v", err)
			continue
		}

		d.mu.Lock()
		payloadType := d.payloadType
		d.mu.Unlock()

		if payloadType != 0 && pkt.PayloadType != payloadType {
			continue
		}

		packets, lost := d.reorderer.Process(&pkt)
		if lost != 0 {
			d.Log(LogLevelWarn, "%d RTP packets lost", lost)
		}

		for _, p := range packets {
			err = d.rtcpReceiver.ProcessPacket(p, time.Now())
			if err != nil {
				d.Log(LogLevelDebug, "%v", err)
			}

			nalus, pts, err := d.rtpDecoder.DecodeUntilMarker(p)
			if err != nil {
				if err != rtph264.ErrMorePacketsNeeded &&
					err != rtph264.ErrNonStartingPacketAndNoPrevious {
					d.Log(LogLevelDebug, "RTP depacketization failed: %v", err)
				}
				continue
			}

			d.processAccessUnit(nalus, pts, p.Timestamp)
		}
	}
}

func (d *StreamDemuxer) runRTCPReader() {
	defer close(d.doneRTCP)

	buf := make([]byte, udpReadBufferSize)

	for {
		n, addr, err := d.rtcpConn.ReadFrom(buf)
		if err != nil {
			return
		}

		d.mu.Lock()
		d.lastRTCPAddr = addr
		d.mu.Unlock()

		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			d.Log(LogLevelDebug, "invalid RTCP packet: %v", err)
			continue
		}

		for _, pkt := range packets {
			if sr, ok := pkt.(*rtcp.SenderReport); ok {
				d.rtcpReceiver.ProcessSenderReport(sr, time.Now())
			}
		}
	}
}

func (d *StreamDemuxer) processAccessUnit(nalus [][]byte, pts time.Duration, rtpTime uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// collect in-band parameter sets
	filtered := nalus[:0]
	for _, nalu := range nalus {
		switch h264.TypeOf(nalu) {
		case h264.NALUTypeSPS:
			d.sps = append([]byte(nil), nalu...)
		case h264.NALUTypePPS:
			d.pps = append([]byte(nil), nalu...)
		default:
			filtered = append(filtered, nalu)
		}
	}
	nalus = filtered

	if len(nalus) == 0 || d.decoder == nil || !d.running {
		return
	}

	if d.source == nil {
		if d.sps == nil || d.pps == nil {
			return
		}
		err := d.configureDecoder()
		if err != nil {
			d.Log(LogLevelWarn, "decoder configuration failed: %v", err)
			return
		}
	}

	// the parameter sets were filtered out above; the extractor needs the
	// active SPS to derive the DTS
	dts, err := d.dtsExtractor.Extract(append([][]byte{d.sps}, nalus...), pts)
	if err != nil {
		dts = pts
	}

	// decoders require a monotonic decode order
	if d.hasLastDts && dts < d.lastDts {
		d.Log(LogLevelDebug, "frame dropped: DTS is moving backwards")
		return
	}
	d.lastDts = dts
	d.hasLastDts = true

	buf, err := d.source.Pool.Get(false)
	if err != nil {
		d.Log(LogLevelDebug, "frame dropped: input pool is empty")
		return
	}

	data := buf.Bytes()
	pos := 0
	seiPos := -1
	seiLen := 0

	for _, nalu := range nalus {
		if (pos + 4 + len(nalu)) > len(data) {
			d.Log(LogLevelWarn, "frame dropped: access unit exceeds buffer capacity")
			buf.Unref()
			return
		}

		if d.format == BitstreamFormatByteStream {
			data[pos] = 0x00
			data[pos+1] = 0x00
			data[pos+2] = 0x00
			data[pos+3] = 0x01
		} else {
			binary.BigEndian.PutUint32(data[pos:], uint32(len(nalu)))
		}
		pos += 4

		if h264.TypeOf(nalu) == h264.NALUTypeSEI {
			seiPos = pos
			seiLen = len(nalu)
		}

		pos += copy(data[pos:], nalu)
	}
	buf.SetSize(pos) //nolint:errcheck

	buf.SetUserDataSize(0)
	if seiPos >= 0 {
		err = h264.ParseSEIUserData(data[seiPos:seiPos+seiLen], func(ud h264.UserDataSEI) {
			if h264.IsStreamingUserData(ud.UUID) {
				return
			}
			buf.SetUserDataSize(16 + len(ud.Data))
			copy(buf.UserDataBytes(), ud.UUID[:])
			copy(buf.UserDataBytes()[16:], ud.Data)
		})
		if err != nil {
			d.Log(LogLevelDebug, "SEI parse failed: %v", err)
		}
	}

	now := time.Now()

	desc := &AccessUnit{
		IsComplete:             true,
		IsRef:                  h264.ContainsIDR(nalus),
		NTPTimestampRawUs:      uint64(pts.Microseconds()),
		NTPTimestampLocalUs:    uint64(now.UnixNano() / 1000),
		DemuxOutputTimestampUs: now.Sub(d.openTime).Microseconds(),
	}
	desc.NTPTimestampUs = desc.NTPTimestampRawUs
	if ntp, ok := d.rtcpReceiver.PacketNTP(rtpTime); ok {
		desc.NTPTimestampUs = uint64(ntp.UnixNano() / 1000)
	}

	buf.SetMetadata(MediaKeyAccessUnit, desc)

	buf.WriteLock()
	err = d.source.Queue.Push(buf)
	if err != nil {
		d.Log(LogLevelWarn, "queueing frame failed: %v", err)
		buf.Unref()
		return
	}
	buf.Unref()
}

func (d *StreamDemuxer) configureDecoder() error {
	caps := d.decoder.InputBitstreamFormatCaps()

	switch {
	case (caps & CapBitstreamFormatByteStream) != 0:
		d.format = BitstreamFormatByteStream
	case (caps & CapBitstreamFormatAVCC) != 0:
		d.format = BitstreamFormatAVCC
	default:
		return liberrors.ErrUnsupportedFormat{Format: "decoder input bitstream"}
	}

	byteStream := d.format == BitstreamFormatByteStream
	err := d.decoder.Open(d.format,
		h264.PrefixedParameterSet(d.sps, byteStream),
		h264.PrefixedParameterSet(d.pps, byteStream))
	if err != nil {
		return err
	}

	src, err := d.decoder.InputSource()
	if err != nil {
		return err
	}
	if src == nil || src.Pool == nil || src.Queue == nil {
		return fmt.Errorf("decoder returned no input source")
	}

	d.source = src
	return nil
}

// SetDecoder attaches the decoder that will receive access units. It
// can be called once per session.
func (d *StreamDemuxer) SetDecoder(dec AvcDecoder) error {
	if d.doneRTP == nil {
		return liberrors.ErrDemuxerNotConfigured{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.decoder != nil {
		return liberrors.ErrDemuxerAlreadyConfigured{}
	}
	if dec == nil {
		return liberrors.ErrInvalidArgument{Name: "dec"}
	}

	d.decoder = dec
	return nil
}

// Play starts or resumes the delivery of access units. The stream is
// paced by the network; any nonzero speed behaves like 1. A zero speed
// pauses.
func (d *StreamDemuxer) Play(speed float64) error {
	if d.doneRTP == nil {
		return liberrors.ErrDemuxerNotConfigured{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = speed != 0
	return nil
}

// IsPaused reports whether the delivery of access units is stopped.
func (d *StreamDemuxer) IsPaused() bool {
	if d.doneRTP == nil {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.running
}

// Previous implements Demuxer. Live streams cannot seek.
func (d *StreamDemuxer) Previous() error {
	return liberrors.ErrUnsupportedOperation{Name: "previous"}
}

// Next implements Demuxer. Live streams cannot seek.
func (d *StreamDemuxer) Next() error {
	return liberrors.ErrUnsupportedOperation{Name: "next"}
}

// Seek implements Demuxer. Live streams cannot seek.
func (d *StreamDemuxer) Seek(_ int64, _ bool) error {
	return liberrors.ErrUnsupportedOperation{Name: "seek"}
}

// SeekTo implements Demuxer. Live streams cannot seek.
func (d *StreamDemuxer) SeekTo(_ int64, _ bool) error {
	return liberrors.ErrUnsupportedOperation{Name: "seek"}
}

// Metadata returns the metadata of the device that produces the
// stream.
func (d *StreamDemuxer) Metadata() *PeerMetadata {
	return d.peerMetadata
}
