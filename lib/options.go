package lib

// queueConnectMessage queues the CONNECT control segment carrying our TCP
// options.
func (t *PseudoTcp) queueConnectMessage() {
	buf := []byte{ctlConnect}
	if t.supportWndScale {
		buf = append(buf, tcpOptWndScale, 1, t.rwndScale)
	}
	t.sndWnd = uint32(len(buf))
	t.queue(buf, true)
}

// parseOptions applies the TLV options that follow a CONNECT code. A peer
// that does not offer window scaling makes us fall back to an unscaled
// receive window.
func (t *PseudoTcp) parseOptions(data []byte) {
	specified := make(map[uint8]bool)
	for len(data) > 0 {
		kind := data[0]
		data = data[1:]
		if kind == tcpOptEOL {
			break
		} else if kind == tcpOptNoop {
			continue
		}

		if len(data) == 0 {
			return
		}
		optLen := int(data[0])
		data = data[1:]
		if optLen > len(data) {
			return
		}
		t.applyOption(kind, data[:optLen])
		data = data[optLen:]
		specified[kind] = true
	}

	if !specified[tcpOptWndScale] {
		t.log.Info().Msg("peer doesn't support window scaling")
		if t.rwndScale > 0 {
			// Peer doesn't support TCP options and window scaling.
			// Revert receive buffer size to default value.
			t.resizeReceiveBuffer(DefaultRcvBufSize)
			t.swndScale = 0
		}
	}
}

func (t *PseudoTcp) applyOption(kind uint8, data []byte) {
	switch kind {
	case tcpOptMSS:
		t.log.Debug().Msg("peer specified MSS option which is not supported")
		// currently ignored
	case tcpOptWndScale:
		// Window scale factor.
		// http://www.ietf.org/rfc/rfc1323.txt
		if len(data) != 1 {
			t.log.Warn().Int("len", len(data)).Msg("invalid window scale option received")
			return
		}
		t.swndScale = data[0]
	}
}

func (t *PseudoTcp) resizeSendBuffer(size uint32) {
	t.sbufLen = size
	t.sbuf.SetCapacity(int(size))
}

// resizeReceiveBuffer picks the smallest scale factor for which the window
// fits the 16 bit header field and rounds size down to a multiple of it.
func (t *PseudoTcp) resizeReceiveBuffer(size uint32) {
	var scale uint8
	for size > 0xFFFF {
		scale++
		size >>= 1
	}
	size <<= scale

	if !t.rbuf.SetCapacity(int(size)) {
		t.log.Error().Uint32("size", size).Msg("resizeReceiveBuffer: buffered data exceeds new size")
		return
	}
	t.rbufLen = size
	t.rwndScale = scale
	t.ssthresh = size
	t.rcvWnd = uint32(t.rbuf.WriteRemaining())
}
