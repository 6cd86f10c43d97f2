package lib

import (
	"testing"

	"github.com/google/gopacket"
)

func TestLayerRoundTrip(t *testing.T) {
	hdr := &PseudoTCPLayer{Conv: 7, Seq: 100, Ack: 200, Flags: FlagCTL, Wnd: 512, TSVal: 3, TSEcr: 4}
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, hdr, gopacket.Payload([]byte{ctlConnect, 3, 1, 2}))
	if err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	if len(buf.Bytes()) != HeaderSize+4 {
		t.Fatalf("serialized %d bytes", len(buf.Bytes()))
	}

	p := gopacket.NewPacket(buf.Bytes(), LayerTypePseudoTCP, gopacket.Default)
	layer, ok := p.Layer(LayerTypePseudoTCP).(*PseudoTCPLayer)
	if !ok {
		t.Fatalf("no PseudoTCP layer: %v", p.ErrorLayer())
	}
	if layer.Conv != 7 || layer.Seq != 100 || layer.Ack != 200 || layer.Wnd != 512 || layer.TSVal != 3 || layer.TSEcr != 4 {
		t.Errorf("decoded %s", layer)
	}
	if !layer.IsConnect() {
		t.Error("CONNECT not recognised")
	}
	if p.ApplicationLayer() == nil || len(p.ApplicationLayer().Payload()) != 4 {
		t.Error("payload layer missing")
	}
}

func TestDecodeHeader(t *testing.T) {
	data := make([]byte, HeaderSize+1)
	seg := Segment{Conv: 1, Seq: 2, Flags: FlagRST}
	if err := seg.Marshal(data); err != nil {
		t.Fatal(err)
	}
	data[HeaderSize] = ctlConnect

	hdr, err := DecodeHeader(data)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.IsControl() || hdr.IsConnect() {
		t.Error("RST segment reported as control")
	}
	if _, ok := hdr.ControlCode(); ok {
		t.Error("ControlCode on a non-CTL segment")
	}

	if _, err := DecodeHeader(data[:HeaderSize-1]); err == nil {
		t.Error("short packet decoded")
	}
}
