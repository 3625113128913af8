package domain

import (
	"fmt"
	"strings"
)

// Kind identifies one of the two feed kinds a source can provide.
type Kind string

const (
	KindPlaylist Kind = "playlist"
	KindGuide    Kind = "guide"
)

// KindInfo holds the per-kind behavior looked up by the pipeline.
type KindInfo struct {
	Label     string
	Extension string
	// Batch sizes used by the loader for the record types this kind produces.
	ChannelBatch int
	ProgramBatch int
}

var kindTable = map[Kind]KindInfo{
	KindPlaylist: {Label: "M3U playlist", Extension: ".m3u", ChannelBatch: 200},
	KindGuide:    {Label: "XMLTV guide", Extension: ".xml", ChannelBatch: 100, ProgramBatch: 500},
}

// Kinds lists every supported kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindPlaylist, KindGuide}
}

// ParseKind accepts the canonical names plus the legacy m3u/epg aliases.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "playlist", "m3u":
		return KindPlaylist, nil
	case "guide", "epg", "xmltv":
		return KindGuide, nil
	}
	return "", fmt.Errorf("unsupported feed kind %q", s)
}

// Info returns the behavior row for k. Unknown kinds get the zero value.
func (k Kind) Info() KindInfo {
	return kindTable[k]
}

func (k Kind) Valid() bool {
	_, ok := kindTable[k]
	return ok
}

func (k Kind) String() string {
	return string(k)
}
