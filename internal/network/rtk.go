package network

import (
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"

	"github.com/flockwave-go/mavlink-core/internal/rtk"
	"github.com/flockwave-go/mavlink-core/internal/signals"
)

// RTKFragmentsSignal is the signal name the RTK Fan-out Service
// subscribes to (spec.md §4.7, §6): "mavlink:rtk_fragments(sender,
// messages)".
const RTKFragmentsSignal = "mavlink:rtk_fragments"

// rtcmFragmentSize is the payload capacity of one GPS_RTCM_DATA message
// (MAVLink's data field is 180 bytes wide).
const rtcmFragmentSize = 180

// rtcmFlagFragmented marks a GPS_RTCM_DATA message as one fragment of a
// multi-part RTCM message, per the MAVLink GPS_RTCM_DATA flags field.
const rtcmFlagFragmented = 0x01

// EnqueueRTKCorrectionPacket implements the RTK correction fan-out entry
// point named in spec.md §6 ("Network.enqueue_rtk_correction_packet").
// It splits data into GPS_RTCM_DATA-sized fragments, enqueues each for
// broadcast to the vehicles on this network, and emits the
// mavlink:rtk_fragments signal so the RTK Fan-out Service can forward
// the same fragments to Sidekick subscribers.
func (n *Network) EnqueueRTKCorrectionPacket(data []byte) {
	fragments := splitIntoRTCMFragments(data)

	rtkFragments := make([]rtk.Fragment, 0, len(fragments))
	for i, fragment := range fragments {
		flags := uint8(0)
		if len(fragments) > 1 {
			flags = rtcmFlagFragmented | uint8(i&0x03)<<1
		}

		n.Comm.EnqueueBroadcastPacket(&common.MessageGpsRtcmData{
			Flags: flags,
			Len:   uint8(len(fragment)),
			Data:  padTo180(fragment),
		})

		rtkFragments = append(rtkFragments, rtk.Fragment{
			Type: "GPS_RTCM_DATA",
			Fields: map[string]interface{}{
				"flags": flags,
				"len":   uint8(len(fragment)),
				"data":  fragment,
			},
		})
	}

	if n.Signals != nil {
		n.Signals.Emit(RTKFragmentsSignal, n, rtkFragments)
	}
}

func splitIntoRTCMFragments(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}

	var fragments [][]byte
	for len(data) > 0 {
		n := rtcmFragmentSize
		if n > len(data) {
			n = len(data)
		}
		fragments = append(fragments, data[:n])
		data = data[n:]
	}
	return fragments
}

func padTo180(data []byte) (out [180]byte) {
	copy(out[:], data)
	return out
}

// UseSignalBus installs the Bus used to emit RTKFragmentsSignal. Wiring
// it is optional: a Network with no Bus simply never emits the signal
// and only broadcasts fragments over MAVLink directly.
func (n *Network) UseSignalBus(bus *signals.Bus) {
	n.Signals = bus
}
