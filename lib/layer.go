package lib

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// LayerTypePseudoTCP lets gopacket decode datagrams carrying a PseudoTcp
// segment, e.g. for packet dumps in relays and tests.
var LayerTypePseudoTCP = gopacket.RegisterLayerType(1951, gopacket.LayerTypeMetadata{
	Name:    "PseudoTCP",
	Decoder: gopacket.DecodeFunc(decodePseudoTCP),
})

// PseudoTCPLayer is the gopacket view of a segment header.
type PseudoTCPLayer struct {
	layers.BaseLayer
	Conv  uint32
	Seq   uint32
	Ack   uint32
	Flags uint8
	Wnd   uint16
	TSVal uint32
	TSEcr uint32
}

func (l *PseudoTCPLayer) LayerType() gopacket.LayerType { return LayerTypePseudoTCP }

func (l *PseudoTCPLayer) CanDecode() gopacket.LayerClass { return LayerTypePseudoTCP }

func (l *PseudoTCPLayer) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

func (l *PseudoTCPLayer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	var seg Segment
	if err := seg.Unmarshal(data); err != nil {
		df.SetTruncated()
		return err
	}
	l.Conv, l.Seq, l.Ack = seg.Conv, seg.Seq, seg.Ack
	l.Flags, l.Wnd = seg.Flags, seg.Wnd
	l.TSVal, l.TSEcr = seg.TSVal, seg.TSEcr
	l.BaseLayer = layers.BaseLayer{Contents: data[:HeaderSize], Payload: seg.Data}
	return nil
}

func (l *PseudoTCPLayer) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(HeaderSize)
	if err != nil {
		return err
	}
	seg := Segment{Conv: l.Conv, Seq: l.Seq, Ack: l.Ack, Flags: l.Flags, Wnd: l.Wnd, TSVal: l.TSVal, TSEcr: l.TSEcr}
	return seg.Marshal(bytes)
}

// String renders the header the way the engine logs it.
func (l *PseudoTCPLayer) String() string {
	return fmt.Sprintf("conv=%d flg=%d seq=%d ack=%d wnd=%d ts=%d tsr=%d len=%d",
		l.Conv, l.Flags, l.Seq, l.Ack, l.Wnd, l.TSVal, l.TSEcr, len(l.Payload))
}

// IsControl reports whether the segment carries a control code.
func (l *PseudoTCPLayer) IsControl() bool {
	return l.Flags&FlagCTL != 0
}

// ControlCode returns the control code of a CTL segment.
func (l *PseudoTCPLayer) ControlCode() (uint8, bool) {
	if !l.IsControl() || len(l.Payload) == 0 {
		return 0, false
	}
	return l.Payload[0], true
}

// IsConnect reports whether the segment is a CONNECT.
func (l *PseudoTCPLayer) IsConnect() bool {
	code, ok := l.ControlCode()
	return ok && code == ctlConnect
}

func decodePseudoTCP(data []byte, p gopacket.PacketBuilder) error {
	l := &PseudoTCPLayer{}
	if err := l.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(l)
	if len(l.Payload) == 0 {
		return nil
	}
	return p.NextDecoder(l.NextLayerType())
}

// DecodeHeader parses the fixed header of a raw packet without decoding
// the payload further.
func DecodeHeader(packet []byte) (*PseudoTCPLayer, error) {
	l := &PseudoTCPLayer{}
	if err := l.DecodeFromBytes(packet, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	return l, nil
}
