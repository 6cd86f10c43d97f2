package lib

func (t *PseudoTcp) parsePacket(buf []byte) bool {
	var seg Segment
	if err := seg.Unmarshal(buf); err != nil {
		t.log.Debug().Err(err).Msg("parsePacket")
		return false
	}

	t.log.Debug().Uint32("conv", seg.Conv).Uint8("flg", seg.Flags).Uint32("seq", seg.Seq).Uint32("end", seg.Seq+seg.len()).
		Uint32("ack", seg.Ack).Uint16("wnd", seg.Wnd).Uint32("ts", seg.TSVal%10000).Uint32("tsr", seg.TSEcr%10000).
		Uint32("len", seg.len()).Msg("parsePacket")

	return t.process(&seg)
}

func (t *PseudoTcp) process(seg *Segment) bool {
	// wrong conversation; the peer is not told
	if seg.Conv != t.conv {
		t.log.Info().Uint32("segConv", seg.Conv).Msg("process: wrong conversation")
		return false
	}

	now := t.clock()
	t.lastTraffic = now
	t.lastRecv = now
	t.outgoing = false

	if t.state == StateClosed {
		t.log.Info().Msg("process: closed")
		return false
	}

	// Check if this is a reset segment
	if seg.Flags&FlagRST != 0 {
		t.closedown(ErrConnectionReset)
		return false
	}

	// Check for control data
	connect := false
	if seg.Flags&FlagCTL != 0 {
		if len(seg.Data) == 0 {
			t.log.Info().Msg("process: missing control code")
			return false
		} else if seg.Data[0] == ctlConnect {
			connect = true
			// TCP options are in the remainder of the payload after CONNECT
			t.parseOptions(seg.Data[1:])
			if t.state == StateListen {
				t.state = StateReceivedSyn
				t.log.Info().Msg("process: changed state to ReceivedSyn")
				t.queueConnectMessage()
			} else if t.state == StateSentSyn {
				t.state = StateEstablished
				t.log.Info().Msg("process: changed state to Established")
				t.adjustMTU()
				if t.notify != nil {
					t.notify.OnOpen(t)
				}
			}
		} else {
			t.log.Info().Uint8("code", seg.Data[0]).Msg("process: unknown control code")
			return false
		}
	}

	// Update timestamp
	if inRange(t.tsLastAck, seg.Seq, seg.Seq+seg.len()) {
		t.tsRecent = seg.TSVal
	}

	// Check if this is a valuable ack
	if isGreater(seg.Ack, t.sndUna) && isLessOrEqual(seg.Ack, t.sndNxt) {
		if seg.TSEcr != 0 {
			t.updateRTT(now, seg.TSEcr)
		}

		t.sndWnd = uint32(seg.Wnd) << t.swndScale

		nAcked := seg.Ack - t.sndUna
		t.sndUna = seg.Ack

		if t.sndUna == t.sndNxt {
			t.rtoArmed = false
		} else {
			t.rtoArmed = true
			t.rtoBase = now
		}

		t.sbuf.ConsumeRead(int(nAcked))

		for free := nAcked; free > 0; {
			if len(t.slist) == 0 {
				t.log.Error().Uint32("unaccounted", free).Msg("process: acked beyond send list")
				break
			}
			if free < t.slist[0].len {
				t.slist[0].len -= free
				t.slist[0].seq += free
				free = 0
			} else {
				if t.slist[0].len > t.largest {
					t.largest = t.slist[0].len
				}
				free -= t.slist[0].len
				t.slist = t.slist[1:]
			}
		}

		if t.dupAcks >= 3 {
			if isGreaterOrEqual(t.sndUna, t.recover) { // NewReno
				inFlight := t.sndNxt - t.sndUna
				t.cwnd = min(t.ssthresh, inFlight+t.mss) // (Fast Retransmit)
				t.log.Info().Msg("process: exit recovery")
				t.dupAcks = 0
			} else {
				t.log.Info().Msg("process: recovery retransmit")
				if !t.transmit(0, now) {
					t.closedown(ErrConnectionAborted)
					return false
				}
				t.cwnd += t.mss - min(nAcked, t.cwnd)
			}
		} else {
			t.dupAcks = 0
			// slow start, congestion avoidance
			if t.cwnd < t.ssthresh {
				t.cwnd += t.mss
			} else {
				t.cwnd += max(1, t.mss*t.mss/t.cwnd)
			}
		}
	} else if seg.Ack == t.sndUna {
		// TCP says not to do this, but otherwise a closed window never opens
		t.sndWnd = uint32(seg.Wnd) << t.swndScale

		// Check duplicate acks
		if len(seg.Data) > 0 {
			// a dup ack carrying data doesn't count
		} else if t.sndUna != t.sndNxt {
			t.dupAcks++
			if t.dupAcks == 3 { // (Fast Retransmit)
				t.log.Info().Msg("process: enter recovery")
				t.log.Info().Msg("process: recovery retransmit")
				if !t.transmit(0, now) {
					t.closedown(ErrConnectionAborted)
					return false
				}
				t.recover = t.sndNxt
				inFlight := t.sndNxt - t.sndUna
				t.ssthresh = max(inFlight/2, 2*t.mss)
				t.cwnd = t.ssthresh + 3*t.mss
			} else if t.dupAcks > 3 {
				t.cwnd += t.mss
			}
		} else {
			t.dupAcks = 0
		}
	}

	// the peer's CONNECT reply may arrive after its first data or ACK
	if t.state == StateReceivedSyn && !connect {
		t.state = StateEstablished
		t.log.Info().Msg("process: changed state to Established")
		t.adjustMTU()
		if t.notify != nil {
			t.notify.OnOpen(t)
		}
	}

	// If we make room in the send queue, notify the user. The goal is to
	// always have enough data to fill the window; notify halfway there.
	idealRefill := (t.sbufLen + t.rbufLen) / 2
	if t.writeEnable && uint32(t.sbuf.Buffered()) < idealRefill {
		t.writeEnable = false
		if t.notify != nil {
			t.notify.OnWriteable(t)
		}
	}

	// ACKs are needed when:
	// 1) the segment is too old (they missed an ACK) (immediately)
	// 2) the segment is too new (we missed a segment) (immediately)
	// 3) the segment has data (delayed)
	flags := sendNone
	if seg.Seq != t.rcvNxt {
		flags = sendImmediateAck // (Fast Recovery)
	} else if len(seg.Data) != 0 {
		if t.ackDelay == 0 {
			flags = sendImmediateAck
		} else {
			flags = sendDelayedAck
		}
	}
	if flags == sendImmediateAck {
		if isGreater(seg.Seq, t.rcvNxt) {
			t.log.Info().Msg("process: too new")
		} else if isLessOrEqual(seg.Seq+seg.len(), t.rcvNxt) {
			t.log.Info().Msg("process: too old")
		}
	}

	// Adjust the incoming segment to fit our receive buffer
	if isLess(seg.Seq, t.rcvNxt) {
		adjust := t.rcvNxt - seg.Seq
		if adjust < seg.len() {
			seg.Seq += adjust
			seg.Data = seg.Data[adjust:]
		} else {
			seg.Data = seg.Data[:0]
		}
	}

	available := uint32(t.rbuf.WriteRemaining())
	if seg.Seq+seg.len()-t.rcvNxt > available {
		adjust := seg.Seq + seg.len() - t.rcvNxt - available
		if adjust < seg.len() {
			seg.Data = seg.Data[:seg.len()-adjust]
		} else {
			seg.Data = seg.Data[:0]
		}
	}

	ignoreData := seg.Flags&FlagCTL != 0 || t.shutdown != shutdownNone
	newData := false

	if len(seg.Data) > 0 {
		recover := false
		if ignoreData {
			if seg.Seq == t.rcvNxt {
				t.rcvNxt += seg.len()
				// Data received out of order relative to a control segment was
				// written at an offset, so the buffer position has to move past
				// the ignored bytes as if they were written and read back.
				// That is only possible with nothing buffered for reading,
				// which holds since control segments come first in the stream.
				if t.rbuf.Buffered() == 0 {
					t.rbuf.ConsumeWrite(len(seg.Data))
					t.rbuf.ConsumeRead(len(seg.Data))
					// out-of-order segments may be recoverable now
					recover = true
				}
			}
		} else {
			offset := seg.Seq - t.rcvNxt
			if _, ok := t.rbuf.WriteOffset(seg.Data, int(offset)); !ok {
				// outside of the receive window
				return false
			}

			if seg.Seq == t.rcvNxt {
				t.rbuf.ConsumeWrite(len(seg.Data))
				t.rcvNxt += seg.len()
				t.rcvWnd -= seg.len()
				newData = true
				recover = true
			} else {
				t.log.Info().Uint32("len", seg.len()).Uint32("seq", seg.Seq).Uint32("end", seg.Seq+seg.len()).
					Msg("process: saving out-of-order bytes")
				t.insertRecvSegment(recvSegment{seq: seg.Seq, len: seg.len()})
			}
		}

		if recover {
			for len(t.rlist) > 0 && isLessOrEqual(t.rlist[0].seq, t.rcvNxt) {
				rseg := t.rlist[0]
				if isGreater(rseg.seq+rseg.len, t.rcvNxt) {
					flags = sendImmediateAck // (Fast Recovery)
					adjust := rseg.seq + rseg.len - t.rcvNxt
					t.log.Info().Uint32("len", adjust).Uint32("from", t.rcvNxt).Uint32("to", t.rcvNxt+adjust).
						Msg("process: recovered bytes")
					t.rbuf.ConsumeWrite(int(adjust))
					t.rcvNxt += adjust
					t.rcvWnd -= adjust
					newData = true
				}
				t.rlist = t.rlist[1:]
			}
		}
	}

	t.attemptSend(flags)

	// If we have new data, notify the user
	if newData && t.readEnable {
		t.readEnable = false
		if t.notify != nil {
			t.notify.OnReadable(t)
		}
	}
	return true
}

// updateRTT folds one RTT sample into srtt/rttvar (Jacobson/Karels) and
// recomputes the RTO.
func (t *PseudoTcp) updateRTT(now, tsecr uint32) {
	rtt := timeDiff(now, tsecr)
	if rtt < 0 {
		t.log.Info().Int32("rtt", rtt).Msg("process: rtt < 0")
		return
	}
	if t.rxSRTT == 0 {
		t.rxSRTT = uint32(rtt)
		t.rxRTTVar = uint32(rtt) / 2
	} else {
		urtt := uint32(rtt)
		var absErr uint32
		if urtt > t.rxSRTT {
			absErr = urtt - t.rxSRTT
		} else {
			absErr = t.rxSRTT - urtt
		}
		t.rxRTTVar = (3*t.rxRTTVar + absErr) / 4
		t.rxSRTT = (7*t.rxSRTT + urtt) / 8
	}
	t.rxRTO = min(max(t.rxSRTT+max(1, 4*t.rxRTTVar), MinRTO), MaxRTO)
	t.log.Debug().Int32("rtt", rtt).Uint32("srtt", t.rxSRTT).Uint32("rto", t.rxRTO).Msg("process: rtt")
}

// insertRecvSegment keeps rlist sorted by seq.
func (t *PseudoTcp) insertRecvSegment(rseg recvSegment) {
	i := 0
	for i < len(t.rlist) && isLess(t.rlist[i].seq, rseg.seq) {
		i++
	}
	t.rlist = append(t.rlist, recvSegment{})
	copy(t.rlist[i+1:], t.rlist[i:])
	t.rlist[i] = rseg
}
