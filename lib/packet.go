package lib

import (
	"encoding/binary"
	"fmt"
)

//    0                   1                   2                   3
//    0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//  0 |                      Conversation Number                      |
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//  4 |                        Sequence Number                        |
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//  8 |                     Acknowledgment Number                     |
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//    |               |   |U|A|P|R|S|F|                               |
// 12 |    Control    |   |R|C|S|S|Y|I|            Window             |
//    |               |   |G|K|H|T|N|N|                               |
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// 16 |                       Timestamp sending                       |
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// 20 |                      Timestamp receiving                      |
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// 24 |                             data                              |
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

// Marshal writes the 24 byte header into buffer. The payload, if any, is
// expected at buffer[HeaderSize:] already.
func (s *Segment) Marshal(buffer []byte) error {
	if len(buffer) < HeaderSize {
		return fmt.Errorf("buffer size (%d) is too small to hold the header", len(buffer))
	}
	binary.BigEndian.PutUint32(buffer[0:4], s.Conv)
	binary.BigEndian.PutUint32(buffer[4:8], s.Seq)
	binary.BigEndian.PutUint32(buffer[8:12], s.Ack)
	buffer[12] = 0
	buffer[13] = s.Flags
	binary.BigEndian.PutUint16(buffer[14:16], s.Wnd)
	binary.BigEndian.PutUint32(buffer[16:20], s.TSVal)
	binary.BigEndian.PutUint32(buffer[20:24], s.TSEcr)
	return nil
}

// Unmarshal parses a packet. Data aliases the input slice.
func (s *Segment) Unmarshal(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("the length(%d) of data is too short to be unmarshalled", len(data))
	}
	s.Conv = binary.BigEndian.Uint32(data[0:4])
	s.Seq = binary.BigEndian.Uint32(data[4:8])
	s.Ack = binary.BigEndian.Uint32(data[8:12])
	s.Flags = data[13]
	s.Wnd = binary.BigEndian.Uint16(data[14:16])
	s.TSVal = binary.BigEndian.Uint32(data[16:20])
	s.TSEcr = binary.BigEndian.Uint32(data[20:24])
	s.Data = data[HeaderSize:]
	return nil
}

// ConversationNo extracts the conversation number of a raw packet.
func ConversationNo(packet []byte) (uint32, bool) {
	if len(packet) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(packet[0:4]), true
}
