package lib

// queue appends data to the send buffer and records it as a send segment,
// coalescing with the last segment when it is the same kind and unsent.
func (t *PseudoTcp) queue(data []byte, ctrl bool) uint32 {
	available := uint32(t.sbuf.WriteRemaining())
	n := uint32(len(data))
	if n > available {
		n = available
	}

	if last := len(t.slist) - 1; last >= 0 && t.slist[last].ctrl == ctrl && t.slist[last].xmit == 0 {
		t.slist[last].len += n
	} else {
		t.slist = append(t.slist, sendSegment{
			seq:  t.sndUna + uint32(t.sbuf.Buffered()),
			len:  n,
			ctrl: ctrl,
		})
	}

	written, _ := t.sbuf.Write(data[:n])
	return uint32(written)
}

// buildPacket creates a packet and submits it to the network. With length 0
// it is a bare ACK; otherwise length bytes are read from the send buffer at
// offset as payload.
func (t *PseudoTcp) buildPacket(seq uint32, flags uint8, offset, length uint32) WriteResult {
	buffer, release := getPacketBuffer(int(HeaderSize + length))
	defer release()

	now := t.clock()
	seg := Segment{
		Conv:  t.conv,
		Seq:   seq,
		Ack:   t.rcvNxt,
		Flags: flags,
		Wnd:   uint16(t.rcvWnd >> t.rwndScale),
		TSVal: now,
		TSEcr: t.tsRecent,
	}
	if err := seg.Marshal(buffer); err != nil {
		t.log.Error().Err(err).Msg("buildPacket")
		return WriteFail
	}
	t.tsLastAck = t.rcvNxt

	if length > 0 {
		n, ok := t.sbuf.ReadOffset(buffer[HeaderSize:], int(offset))
		if !ok || uint32(n) != length {
			t.log.Error().Uint32("offset", offset).Uint32("len", length).Int("read", n).Msg("buildPacket: send buffer underrun")
			return WriteFail
		}
	}

	t.log.Debug().Uint8("flg", flags).Uint32("seq", seq).Uint32("end", seq+length).Uint32("ack", t.rcvNxt).
		Uint32("wnd", t.rcvWnd).Uint32("ts", now%10000).Uint32("tsr", t.tsRecent%10000).Uint32("len", length).
		Msg("buildPacket")

	wres := WriteFail
	if t.notify != nil {
		wres = t.notify.WritePacket(t, buffer)
	}

	// A bare ACK is never retried, so a failed write is treated as a drop
	// instead of an error to keep the timers consistent.
	if wres != WriteSuccess && length != 0 {
		return wres
	}

	t.ackPending = false
	if length > 0 {
		t.lastSend = now
	}
	t.lastTraffic = now
	t.outgoing = true
	return WriteSuccess
}

// transmit sends the send segment at index i, shrinking the MSS on
// WriteTooLarge. It returns false when the connection should be aborted.
func (t *PseudoTcp) transmit(i int, now uint32) bool {
	limit := uint8(maxRetransmitsConnecting)
	if t.state == StateEstablished {
		limit = maxRetransmitsEstablished
	}
	if t.slist[i].xmit >= limit {
		t.log.Debug().Msg("transmit: too many retransmits")
		return false
	}

	nTransmit := min(t.slist[i].len, t.mss)

	for {
		seq := t.slist[i].seq
		var flags uint8
		if t.slist[i].ctrl {
			flags = FlagCTL
		}
		if isLess(seq, t.sndUna) {
			break
		}

		wres := t.buildPacket(seq, flags, seq-t.sndUna, nTransmit)
		if wres == WriteSuccess {
			break
		}
		if wres == WriteFail {
			t.log.Debug().Msg("transmit: packet failed")
			return false
		}

		// WriteTooLarge: walk down the MTU ladder until the segment fits
		for {
			if packetMaximums[t.mssLevel+1] == 0 {
				t.log.Debug().Msg("transmit: MTU too small")
				return false
			}
			t.mssLevel++
			t.mss = packetMaximums[t.mssLevel] - PacketOverhead
			t.cwnd = 2 * t.mss
			if t.mss < nTransmit {
				nTransmit = t.mss
				break
			}
		}
		t.log.Info().Uint32("mss", t.mss).Msg("transmit: adjusting mss")
	}

	if nTransmit < t.slist[i].len {
		t.log.Info().Uint32("mss", t.mss).Msg("transmit: mss reduced, splitting segment")
		seg := t.slist[i]
		sub := sendSegment{seq: seg.seq + nTransmit, len: seg.len - nTransmit, xmit: seg.xmit, ctrl: seg.ctrl}
		t.slist[i].len = nTransmit
		t.insertSendSegment(i+1, sub)
	}

	if t.slist[i].xmit == 0 {
		t.sndNxt += t.slist[i].len
	}
	t.slist[i].xmit++
	if !t.rtoArmed {
		t.rtoArmed = true
		t.rtoBase = now
	}
	return true
}

func (t *PseudoTcp) insertSendSegment(i int, seg sendSegment) {
	t.slist = append(t.slist, sendSegment{})
	copy(t.slist[i+1:], t.slist[i:])
	t.slist[i] = seg
}

// attemptSend transmits as much queued data as the windows allow and then
// sends or schedules the ACK requested by flags.
func (t *PseudoTcp) attemptSend(flags sendFlags) {
	now := t.clock()

	// idle restart
	if timeDiff(now, t.lastSend) > int32(t.rxRTO) {
		t.cwnd = t.mss
	}

	first := true
	for {
		cwnd := t.cwnd
		if t.dupAcks == 1 || t.dupAcks == 2 { // Limited Transmit
			cwnd += uint32(t.dupAcks) * t.mss
		}
		window := min(t.sndWnd, cwnd)
		inFlight := t.sndNxt - t.sndUna
		var useable uint32
		if inFlight < window {
			useable = window - inFlight
		}

		buffered := uint32(t.sbuf.Buffered())
		available := min(buffered-inFlight, t.mss)

		if available > useable {
			if useable*4 < window {
				// RFC 813 - avoid SWS
				available = 0
			} else {
				available = useable
			}
		}

		if first {
			first = false
			t.log.Debug().Uint32("cwnd", t.cwnd).Uint32("window", window).Uint32("inFlight", inFlight).
				Uint32("available", available).Uint32("queued", buffered).Uint32("ssthresh", t.ssthresh).
				Msg("attemptSend")
		}

		if available == 0 {
			if flags == sendNone {
				return
			}
			// immediate ack, or the second delayed ack
			if flags == sendImmediateAck || t.ackPending {
				t.buildPacket(t.sndNxt, 0, 0, 0)
			} else {
				t.ackPending = true
				t.tAck = t.clock()
			}
			return
		}

		// Nagle's algorithm: with data in flight and less than a full
		// segment ready, wait for more data or for the ACK.
		if t.useNagling && t.sndNxt != t.sndUna && available < t.mss {
			return
		}

		// find the next segment to transmit
		i := 0
		for i < len(t.slist) && t.slist[i].xmit > 0 {
			i++
		}
		if i == len(t.slist) {
			t.log.Error().Uint32("available", available).Msg("attemptSend: no untransmitted segment")
			return
		}

		// if the segment is too large, break it into two
		if seg := t.slist[i]; seg.len > available {
			sub := sendSegment{seq: seg.seq + available, len: seg.len - available, ctrl: seg.ctrl}
			t.slist[i].len = available
			t.insertSendSegment(i+1, sub)
		}

		if !t.transmit(i, now) {
			t.log.Debug().Msg("attemptSend: transmit failed")
			return
		}

		flags = sendNone
	}
}

// adjustMTU recomputes the MSS from the advised MTU.
func (t *PseudoTcp) adjustMTU() {
	// determine our current mss level, so that we can adjust appropriately later
	for t.mssLevel = 0; packetMaximums[t.mssLevel+1] > 0; t.mssLevel++ {
		if packetMaximums[t.mssLevel] <= t.mtuAdvise {
			break
		}
	}
	if t.mtuAdvise < MinPacket {
		t.mtuAdvise = MinPacket
	}
	t.mss = t.mtuAdvise - PacketOverhead
	t.log.Info().Uint32("mss", t.mss).Msg("adjusting mss")

	// enforce minimums on ssthresh and cwnd
	t.ssthresh = max(t.ssthresh, 2*t.mss)
	t.cwnd = max(t.cwnd, t.mss)
}
