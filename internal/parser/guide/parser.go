// Package guide parses XMLTV program guides.
//
// The document is read once into a Document; Channels and Programs are two
// independent validation passes over it, each producing its own Report.
//
// XMLTV date format: YYYYMMDDHHmmss +ZZZZ (e.g. "20260223140000 +0000").
package guide

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"iptv-ingest/internal/domain"
)

const (
	DateLayout       = "20060102150405 -0700"
	dateLayoutNoZone = "20060102150405"
)

// ErrUnexpectedRoot means the file is not an XMLTV document at all.
var ErrUnexpectedRoot = errors.New("unexpected root element")

var (
	knownRootAttrs = set("generator-info-name", "generator-info-url", "source-info-name",
		"source-info-url", "source-data-url", "date")
	knownChannelAttrs   = set("id")
	knownProgrammeAttrs = set("start", "stop", "start_timestamp", "stop_timestamp", "channel")
)

type rawElem struct {
	XMLName xml.Name
}

type icon struct {
	Src string `xml:"src,attr"`
}

// Children without a named field are collected in Other and tallied as unknown.
type xmlChannel struct {
	Attrs        []xml.Attr `xml:",any,attr"`
	DisplayNames []string   `xml:"display-name"`
	Icons        []icon     `xml:"icon"`
	URLs         []string   `xml:"url"`
	Other        []rawElem  `xml:",any"`
}

type xmlProgramme struct {
	Attrs      []xml.Attr `xml:",any,attr"`
	Titles     []string   `xml:"title"`
	Descs      []string   `xml:"desc"`
	Categories []string   `xml:"category"`
	Other      []rawElem  `xml:",any"`
}

type channelElem struct {
	line int
	xmlChannel
}

type programmeElem struct {
	line int
	xmlProgramme
}

// Report is the side log of one pass. Unknown* maps are keyed "element@attr"
// and "element/child".
type Report struct {
	Rejected          []domain.Rejection
	Duplicates        []domain.Rejection
	UnknownAttributes map[string]int
	UnknownTags       map[string]int
}

func newReport() Report {
	return Report{UnknownAttributes: map[string]int{}, UnknownTags: map[string]int{}}
}

// Document is a parsed guide file.
type Document struct {
	channels   []channelElem
	programmes []programmeElem
	// Structure tallies unexpected root attributes and top-level tags.
	Structure Report
}

func ParseFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open guide: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes an XMLTV document. A wrong root element or malformed XML is a
// structural error; everything below the root is validated lazily by the passes.
func Parse(r io.Reader) (*Document, error) {
	decoder := xml.NewDecoder(r)
	doc := &Document{Structure: newReport()}

	var sawRoot bool
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("xml token: %w", err)
		}

		el, ok := token.(xml.StartElement)
		if !ok {
			continue
		}
		if !sawRoot {
			if el.Name.Local != "tv" {
				return nil, fmt.Errorf("%w: <%s>, expected <tv>", ErrUnexpectedRoot, el.Name.Local)
			}
			sawRoot = true
			for _, a := range el.Attr {
				if _, known := knownRootAttrs[a.Name.Local]; !known {
					doc.Structure.UnknownAttributes["tv@"+a.Name.Local]++
				}
			}
			continue
		}

		line, _ := decoder.InputPos()
		switch el.Name.Local {
		case "channel":
			var raw xmlChannel
			if err := decoder.DecodeElement(&raw, &el); err != nil {
				return nil, fmt.Errorf("decode channel at line %d: %w", line, err)
			}
			doc.channels = append(doc.channels, channelElem{line: line, xmlChannel: raw})
		case "programme":
			var raw xmlProgramme
			if err := decoder.DecodeElement(&raw, &el); err != nil {
				return nil, fmt.Errorf("decode programme at line %d: %w", line, err)
			}
			doc.programmes = append(doc.programmes, programmeElem{line: line, xmlProgramme: raw})
		default:
			doc.Structure.UnknownTags["tv/"+el.Name.Local]++
			if err := decoder.Skip(); err != nil {
				return nil, fmt.Errorf("skip <%s>: %w", el.Name.Local, err)
			}
		}
	}
	if !sawRoot {
		return nil, fmt.Errorf("%w: empty document", ErrUnexpectedRoot)
	}
	return doc, nil
}

// Channels validates every <channel>. The first occurrence of an id is
// primary; later ones with a different display name are kept as alternates.
func (d *Document) Channels(source string) ([]domain.EpgChannel, Report) {
	report := newReport()
	seen := map[string]map[string]struct{}{}
	var out []domain.EpgChannel

	for _, el := range d.channels {
		attrs := attrMap(el.Attrs, "channel", knownChannelAttrs, report.UnknownAttributes)
		tallyChildren(el.Other, "channel", report.UnknownTags)

		id := attrs["id"]
		if id == "" {
			report.Rejected = append(report.Rejected, domain.Rejection{
				RecordType: "epg_channel", Line: el.line,
				Reason: domain.ReasonMissingAttribute, Field: "id",
			})
			continue
		}
		name := firstText(el.DisplayNames)
		if name == "" {
			report.Rejected = append(report.Rejected, domain.Rejection{
				RecordType: "epg_channel", RecordID: id, Line: el.line,
				Reason: domain.ReasonMissingDisplayName, Field: "display-name",
			})
			continue
		}

		names, known := seen[id]
		if known {
			dup := domain.Rejection{
				RecordType: "epg_channel", RecordID: id, Line: el.line,
				Reason: domain.ReasonDuplicateChannelID, Field: "display-name", Value: name,
			}
			if _, repeat := names[name]; repeat {
				dup.Detail = "exact repeat dropped"
				report.Duplicates = append(report.Duplicates, dup)
				continue
			}
			dup.Detail = "kept as alternate display name"
			report.Duplicates = append(report.Duplicates, dup)
		} else {
			names = map[string]struct{}{}
			seen[id] = names
		}
		names[name] = struct{}{}

		var iconURL string
		if len(el.Icons) > 0 {
			iconURL = strings.TrimSpace(el.Icons[0].Src)
		}
		out = append(out, domain.EpgChannel{
			Source:      source,
			ChannelID:   id,
			DisplayName: name,
			IconURL:     iconURL,
			IsPrimary:   !known,
		})
	}
	return out, report
}

// Programs validates every <programme>. A bad record is rejected alone.
func (d *Document) Programs(source string) ([]domain.Program, Report) {
	report := newReport()
	var out []domain.Program

	for _, el := range d.programmes {
		attrs := attrMap(el.Attrs, "programme", knownProgrammeAttrs, report.UnknownAttributes)
		tallyChildren(el.Other, "programme", report.UnknownTags)

		channelID, rawStart, rawStop := attrs["channel"], attrs["start"], attrs["stop"]
		reject := func(reason, field, value string) {
			report.Rejected = append(report.Rejected, domain.Rejection{
				RecordType: "program", RecordID: channelID + "@" + rawStart, Line: el.line,
				Reason: reason, Field: field, Value: value,
			})
		}

		if missing := firstMissing(attrs, "channel", "start", "stop"); missing != "" {
			reject(domain.ReasonMissingAttribute, missing, "")
			continue
		}
		title := firstText(el.Titles)
		if title == "" {
			reject(domain.ReasonMissingTitle, "title", "")
			continue
		}
		start, err := ParseDate(rawStart)
		if err != nil {
			reject(domain.ReasonBadDatetime, "start", rawStart)
			continue
		}
		stop, err := ParseDate(rawStop)
		if err != nil {
			reject(domain.ReasonBadDatetime, "stop", rawStop)
			continue
		}
		if !stop.After(start) {
			reject(domain.ReasonInvalidTimeRange, "stop", rawStop)
			continue
		}

		category := firstText(el.Categories)
		if category == "" {
			category = domain.UncategorizedCategory
		}
		out = append(out, domain.Program{
			Source:      source,
			ProgramID:   ProgramID(channelID, start),
			ChannelID:   channelID,
			StartTime:   start.UTC(),
			EndTime:     stop.UTC(),
			Title:       title,
			Description: firstText(el.Descs),
			Category:    category,
		})
	}
	return out, report
}

// ParseChannels reads path and runs the channel pass.
func ParseChannels(path, source string) ([]domain.EpgChannel, Report, error) {
	doc, err := ParseFile(path)
	if err != nil {
		return nil, Report{}, err
	}
	channels, report := doc.Channels(source)
	return channels, report, nil
}

// ParsePrograms reads path and runs the programme pass.
func ParsePrograms(path, source string) ([]domain.Program, Report, error) {
	doc, err := ParseFile(path)
	if err != nil {
		return nil, Report{}, err
	}
	programs, report := doc.Programs(source)
	return programs, report, nil
}

// ParseDate accepts the XMLTV offset form and the bare form (read as UTC).
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty date string")
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		t, err = time.Parse(dateLayoutNoZone, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse xmltv date %q: %w", s, err)
		}
	}
	return t, nil
}

// ProgramID derives the program key from its channel and start instant, so
// the same programme written with a different offset maps to the same id.
func ProgramID(channelID string, start time.Time) string {
	return channelID + "_" + start.UTC().Format(DateLayout)
}

func attrMap(attrs []xml.Attr, element string, known map[string]struct{}, unknown map[string]int) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, a := range attrs {
		out[a.Name.Local] = strings.TrimSpace(a.Value)
		if _, ok := known[a.Name.Local]; !ok {
			unknown[element+"@"+a.Name.Local]++
		}
	}
	return out
}

func tallyChildren(children []rawElem, element string, unknown map[string]int) {
	for _, c := range children {
		unknown[element+"/"+c.XMLName.Local]++
	}
}

func firstMissing(attrs map[string]string, names ...string) string {
	for _, n := range names {
		if attrs[n] == "" {
			return n
		}
	}
	return ""
}

func firstText(values []string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func set(values ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
