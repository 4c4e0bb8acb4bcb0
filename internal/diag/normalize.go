package diag

import (
	"strconv"
	"strings"

	"github.com/kstaniek/go-elm327-diag/internal/decode"
	"github.com/kstaniek/go-elm327-diag/internal/elm"
)

// Framing describes how the adapter prints replies with the current session
// settings.
type Framing struct {
	Headers  bool
	Protocol string
	Extended bool // 29-bit request header configured
}

// FramingFor derives the framing from a session config.
func FramingFor(cfg elm.Config) Framing {
	return Framing{
		Headers:  cfg.Headers,
		Protocol: cfg.Protocol,
		Extended: cfg.Addressing.Extended(),
	}
}

type headerMode uint8

const (
	headerNone headerMode = iota
	headerCAN11
	headerCAN29
	headerLegacy // J1850 / ISO 9141 / KWP: 3 header bytes, trailing checksum
)

// modeFor picks the header layout of one compacted line. With automatic
// protocol search the layout is inferred from the digit count: 11-bit CAN
// lines are the only ones with an odd number of hex digits.
func (f Framing) modeFor(line string) headerMode {
	if !f.Headers {
		return headerNone
	}
	p := strings.ToUpper(strings.TrimSpace(f.Protocol))
	if len(p) == 2 && p[0] == 'A' {
		p = p[1:] // automatic search, starting with p
	}
	switch p {
	case "1", "2", "3", "4", "5":
		if len(line) >= 8 {
			return headerLegacy
		}
	case "7", "9", "A":
		if len(line)%2 == 0 && len(line) >= 10 {
			return headerCAN29
		}
	default:
		if len(line)%2 == 1 && len(line) >= 5 {
			return headerCAN11
		}
		if f.Extended && len(line) >= 10 {
			return headerCAN29
		}
	}
	return headerNone
}

// Normalized is the adapter reply reduced to de-framed hex messages.
type Normalized struct {
	// Messages are complete hex messages (service byte first) in arrival order.
	Messages []string
	// Pending counts dropped 7F xx 78 (response pending) messages.
	Pending int
	// Notes are non-hex lines such as NO DATA or adapter error texts.
	Notes []string
}

// Final reports whether the reply holds anything beyond pending notices.
func (n Normalized) Final() bool { return len(n.Messages) > 0 || len(n.Notes) > 0 }

type canFrame struct {
	header string
	length int // declared total length, bytes
	data   string
}

type normalizer struct {
	f        Framing
	out      Normalized
	order    []string
	partial  map[string]*canFrame
	count    int    // pending byte count line (headers off), -1 if none
	countRaw string // that line, until an indexed line claims it
	indexed  bool // collecting "n:" lines
	indexBuf strings.Builder
}

// Normalize strips the command echo, prompt, status lines (SEARCHING...,
// BUS INIT), multi-frame display prefixes and, when headers are on, CAN
// headers and PCI bytes. Multi-frame messages are joined as the adapter
// already assembled them; nothing is re-requested.
func Normalize(raw []byte, cmd string, f Framing) Normalized {
	n := &normalizer{f: f, partial: map[string]*canFrame{}, count: -1}
	for _, line := range elm.ReplyLines(raw, cmd) {
		n.line(strings.ToUpper(line))
	}
	n.flushIndexed()
	n.flushCount()
	n.flushPartial()
	return n.out
}

func (n *normalizer) line(l string) {
	if isStatusLine(l) {
		return
	}
	if data, ok := splitIndexed(l); ok {
		n.countRaw = ""
		n.indexed = true
		n.indexBuf.WriteString(data)
		return
	}
	n.flushIndexed()
	n.flushCount()
	c := decode.CleanHex(l)
	if !isHex(c) {
		n.out.Notes = append(n.out.Notes, l)
		return
	}
	if len(c) == 3 {
		// byte count line printed before "0:" multi-frame lines
		if v, err := strconv.ParseUint(c, 16, 16); err == nil {
			n.count = int(v)
			n.countRaw = c
			return
		}
	}
	n.count = -1
	switch mode := n.f.modeFor(c); mode {
	case headerCAN11:
		n.canFrame(c[:3], c[3:])
	case headerCAN29:
		n.canFrame(c[:8], c[8:])
	case headerLegacy:
		n.emit(c[6 : len(c)-2])
	default:
		n.emit(c)
	}
}

// canFrame strips the PCI byte(s) and joins first/consecutive frames per header.
func (n *normalizer) canFrame(header, rest string) {
	if len(rest) < 2 {
		n.emit(rest)
		return
	}
	switch rest[0] {
	case '0':
		size := hexVal(rest[1])
		data := rest[2:]
		if 2*size <= len(data) {
			data = data[:2*size]
		}
		n.emit(data)
	case '1':
		if len(rest) < 4 {
			n.emit(rest)
			return
		}
		size, _ := strconv.ParseUint(rest[1:4], 16, 16)
		n.flushHeader(header)
		n.partial[header] = &canFrame{header: header, length: int(size), data: rest[4:]}
		n.order = append(n.order, header)
		n.completeHeader(header)
	case '2':
		p, ok := n.partial[header]
		if !ok {
			n.emit(rest[2:])
			return
		}
		p.data += rest[2:]
		n.completeHeader(header)
	case '3':
		// flow control frame
	default:
		n.emit(rest)
	}
}

func (n *normalizer) completeHeader(header string) {
	if p, ok := n.partial[header]; ok && len(p.data) >= 2*p.length {
		n.flushHeader(header)
	}
}

func (n *normalizer) flushHeader(header string) {
	p, ok := n.partial[header]
	if !ok {
		return
	}
	delete(n.partial, header)
	data := p.data
	if 2*p.length <= len(data) {
		data = data[:2*p.length]
	}
	n.emit(data)
}

// flushPartial emits first frames whose consecutive frames never completed.
func (n *normalizer) flushPartial() {
	for _, h := range n.order {
		n.flushHeader(h)
	}
}

func (n *normalizer) flushIndexed() {
	if !n.indexed {
		return
	}
	data := n.indexBuf.String()
	if n.count >= 0 && 2*n.count <= len(data) {
		data = data[:2*n.count]
	}
	n.indexBuf.Reset()
	n.indexed = false
	n.count = -1
	n.emit(data)
}

// flushCount emits a 3-digit line that no indexed line followed; it was
// partial output, not a byte count.
func (n *normalizer) flushCount() {
	if n.countRaw == "" {
		return
	}
	msg := n.countRaw
	n.countRaw = ""
	n.count = -1
	n.emit(msg)
}

func (n *normalizer) emit(msg string) {
	if msg == "" {
		return
	}
	if isPending(msg) {
		n.out.Pending++
		return
	}
	n.out.Messages = append(n.out.Messages, msg)
}

func isPending(msg string) bool {
	return len(msg) >= 6 && msg[:2] == "7F" && msg[4:6] == "78"
}

var statusPrefixes = []string{"SEARCHING", "BUS INIT"}

func isStatusLine(l string) bool {
	for _, p := range statusPrefixes {
		if strings.HasPrefix(l, p) {
			return true
		}
	}
	return false
}

// splitIndexed recognizes CAN multi-frame display lines "0: 49 02 01 ...".
func splitIndexed(l string) (string, bool) {
	i := strings.IndexByte(l, ':')
	if i < 1 || i > 2 {
		return "", false
	}
	for j := 0; j < i; j++ {
		if hexVal(l[j]) < 0 {
			return "", false
		}
	}
	data := decode.CleanHex(l[i+1:])
	if !isHex(data) {
		return "", false
	}
	return data, true
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if hexVal(s[i]) < 0 {
			return false
		}
	}
	return true
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	default:
		return -1
	}
}
