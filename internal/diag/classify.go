package diag

import (
	"strings"

	"github.com/kstaniek/go-elm327-diag/internal/elm"
)

// Adapter messages that mean the request could not be carried out.
var adapterErrors = []string{
	"?", "ERROR", "CAN ERROR", "BUFFER FULL", "UNABLE TO CONNECT", "STOPPED",
	"BUS BUSY", "BUS ERROR", "FB ERROR", "DATA ERROR", "<DATA ERROR", "<RX ERROR",
	"LV RESET", "ACT ALERT",
}

func isNoData(note string) bool {
	return strings.Contains(strings.ReplaceAll(note, " ", ""), "NODATA")
}

func adapterError(note string) bool {
	for _, e := range adapterErrors {
		if note == e || strings.HasPrefix(note, e) {
			return true
		}
	}
	return false
}

// Classify derives the outcome of a request for service sid from a
// normalized reply. stop tells whether the exchange ended at the prompt,
// after an idle gap, or at the deadline.
//
// The first message whose service byte is sid+0x40 gives the payload; later
// positive messages (other ECUs, legacy multi-line replies) are kept in
// Messages. Without one, the first 7F message echoing sid gives Negative.
// Anything else, a rejection of some other request included, is Malformed.
func Classify(n Normalized, sid byte, stop elm.StopReason) Outcome {
	if len(n.Messages) == 0 {
		return classifyEmpty(n, stop)
	}
	want := sid + positiveOffset
	var (
		pos []string
		neg string
	)
	for _, m := range n.Messages {
		if len(m)%2 != 0 || len(m) < 2 {
			continue
		}
		switch b := byteAt(m, 0); {
		case b == want:
			pos = append(pos, m)
		case b == negativeResponse && neg == "" && (len(m) < 4 || byteAt(m, 1) == sid):
			neg = m
		}
	}
	switch {
	case len(pos) > 0:
		return Outcome{Kind: Positive, ServiceEcho: want, Payload: pos[0][2:], Messages: pos}
	case neg != "" && len(neg) >= 6:
		return Outcome{Kind: Negative, ServiceEcho: byteAt(neg, 1), NRC: byteAt(neg, 2), Messages: []string{neg}}
	case neg != "":
		return Outcome{Kind: Malformed, Detail: "short negative response " + neg, Messages: []string{neg}}
	}
	detail := "unexpected reply " + strings.Join(n.Messages, " ")
	if len(n.Notes) > 0 {
		detail += " (" + strings.Join(n.Notes, "; ") + ")"
	}
	return Outcome{Kind: Malformed, Detail: detail, Messages: n.Messages}
}

func classifyEmpty(n Normalized, stop elm.StopReason) Outcome {
	var unknown []string
	for _, note := range n.Notes {
		switch {
		case isNoData(note):
			return Outcome{Kind: NoData}
		case adapterError(note):
			return Outcome{Kind: Malformed, Detail: note}
		default:
			unknown = append(unknown, note)
		}
	}
	switch {
	case len(unknown) > 0:
		return Outcome{Kind: Malformed, Detail: strings.Join(unknown, "; ")}
	case n.Pending > 0:
		return Outcome{Kind: Timeout, Detail: "response pending"}
	case stop == elm.StopTimeout:
		return Outcome{Kind: Timeout, Detail: "no reply"}
	default:
		return Outcome{Kind: NoData}
	}
}

// byteAt decodes the i-th hex byte of an even-length hex string.
func byteAt(m string, i int) byte {
	return byte(hexVal(m[2*i])<<4 | hexVal(m[2*i+1]))
}
