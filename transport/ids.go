package transport

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// streamID is the parsed form of "<ms>-<seq>".
type streamID struct {
	ms  uint64
	seq uint64
}

var maxStreamID = streamID{ms: math.MaxUint64, seq: math.MaxUint64}

func (id streamID) String() string {
	return strconv.FormatUint(id.ms, 10) + "-" + strconv.FormatUint(id.seq, 10)
}

func (id streamID) less(o streamID) bool {
	if id.ms != o.ms {
		return id.ms < o.ms
	}
	return id.seq < o.seq
}

func (id streamID) isZero() bool { return id.ms == 0 && id.seq == 0 }

// parseID accepts "-", "+", "<ms>" and "<ms>-<seq>". A bare "<ms>" means
// the first id of that millisecond, or the last when upper is set.
func parseID(s string, upper bool) (streamID, error) {
	switch s {
	case "-":
		return streamID{}, nil
	case "+":
		return maxStreamID, nil
	}
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return streamID{}, fmt.Errorf("invalid stream id %q", s)
	}
	if !hasSeq {
		if upper {
			return streamID{ms: ms, seq: math.MaxUint64}, nil
		}
		return streamID{ms: ms}, nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return streamID{}, fmt.Errorf("invalid stream id %q", s)
	}
	return streamID{ms: ms, seq: seq}, nil
}

// nextID returns the id following last for a clock reading of nowMs.
func nextID(last streamID, nowMs uint64) streamID {
	if nowMs > last.ms {
		return streamID{ms: nowMs}
	}
	return streamID{ms: last.ms, seq: last.seq + 1}
}

// CompareIDs orders two stream ids. Unparseable ids compare as zero.
func CompareIDs(a, b string) int {
	ia, _ := parseID(a, false)
	ib, _ := parseID(b, false)
	switch {
	case ia.less(ib):
		return -1
	case ib.less(ia):
		return 1
	default:
		return 0
	}
}
