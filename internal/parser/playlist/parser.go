// Package playlist parses M3U playlists into channel records, cataloging
// entries it cannot use instead of aborting.
package playlist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"iptv-ingest/internal/domain"
)

const maxLineBytes = 1024 * 1024

var (
	attrRE   = regexp.MustCompile(`([\w-]+)=(?:"([^"]*)"|([^\s,"]+))`)
	tagRE    = regexp.MustCompile(`^(#[A-Za-z0-9-]+)`)
	schemeRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*://`)
)

var knownTags = map[string]struct{}{
	"#EXTM3U":             {},
	"#EXT-X-SESSION-DATA": {},
	"#EXTINF":             {},
}

var knownKeys = map[string]struct{}{
	"tvg-id":      {},
	"tvg-name":    {},
	"tvg-logo":    {},
	"group-title": {},
	"timeshift":   {},
}

// Report is the side log of a parse.
type Report struct {
	Blocks            int
	Rejected          []domain.Rejection
	UnhandledTags     map[string]int
	UnknownAttributes map[string]int
	// WithoutURL names the #EXTINF blocks dropped for lack of a stream line.
	WithoutURL []string
	OrphanURLs int
	// GuideURLs are announced by the #EXTM3U header (url-tvg / x-tvg-url).
	GuideURLs []string
}

type Result struct {
	Channels []domain.ParsedChannel
	Report   Report
}

type block struct {
	line  int
	attrs map[string]string
	name  string
}

func ParseFile(path, source string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open playlist: %w", err)
	}
	defer f.Close()
	return Parse(f, source)
}

// Parse reads an M3U document. Only I/O failures (including a line longer
// than 1 MiB) are returned as errors; malformed entries land in the report.
func Parse(r io.Reader, source string) (*Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	res := &Result{Report: Report{
		UnhandledTags:     map[string]int{},
		UnknownAttributes: map[string]int{},
	}}
	var pending *block
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			tag := line
			if m := tagRE.FindStringSubmatch(line); m != nil {
				tag = strings.ToUpper(m[1])
			}
			switch tag {
			case "#EXTINF":
				if pending != nil {
					res.Report.WithoutURL = append(res.Report.WithoutURL, pending.name)
				}
				pending = res.parseExtinf(line, lineNo)
				res.Report.Blocks++
			case "#EXTM3U":
				res.Report.GuideURLs = append(res.Report.GuideURLs, headerGuideURLs(line)...)
			default:
				if _, ok := knownTags[tag]; !ok {
					res.Report.UnhandledTags[tag]++
				}
			}
			continue
		}

		if !schemeRE.MatchString(line) {
			continue
		}
		if pending == nil {
			res.Report.OrphanURLs++
			continue
		}
		res.complete(pending, line, source)
		pending = nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan playlist: %w", err)
	}
	if pending != nil {
		res.Report.WithoutURL = append(res.Report.WithoutURL, pending.name)
	}
	return res, nil
}

func (res *Result) parseExtinf(line string, lineNo int) *block {
	body := line[strings.Index(line, ":")+1:]
	attrPart, name := body, ""
	if idx := lastUnquotedComma(body); idx >= 0 {
		attrPart, name = body[:idx], strings.TrimSpace(body[idx+1:])
	}

	attrs := map[string]string{}
	for _, m := range attrRE.FindAllStringSubmatch(attrPart, -1) {
		key := strings.ToLower(m[1])
		val := m[2]
		if val == "" {
			val = m[3]
		}
		attrs[key] = strings.TrimSpace(val)
		if _, ok := knownKeys[key]; !ok {
			res.Report.UnknownAttributes[key]++
		}
	}
	if name == "" {
		name = attrs["tvg-name"]
	}
	if name == "" {
		name = attrs["tvg-id"]
	}
	return &block{line: lineNo, attrs: attrs, name: name}
}

func (res *Result) complete(b *block, streamURL, source string) {
	id := b.attrs["tvg-id"]
	if id == "" {
		res.Report.Rejected = append(res.Report.Rejected, domain.Rejection{
			RecordType: "channel",
			RecordID:   b.name,
			Line:       b.line,
			Reason:     domain.ReasonMissingChannelID,
			Field:      "tvg-id",
			Detail:     streamURL,
		})
		return
	}
	res.Channels = append(res.Channels, domain.ParsedChannel{
		Source:      source,
		NaturalID:   id,
		DisplayName: b.name,
		StreamURL:   streamURL,
		LogoURL:     b.attrs["tvg-logo"],
		Group:       b.attrs["group-title"],
	})
}

func lastUnquotedComma(s string) int {
	idx, quoted := -1, false
	for i, r := range s {
		switch r {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				idx = i
			}
		}
	}
	return idx
}

func headerGuideURLs(line string) []string {
	var urls []string
	for _, m := range attrRE.FindAllStringSubmatch(line, -1) {
		key := strings.ToLower(m[1])
		if key != "url-tvg" && key != "x-tvg-url" {
			continue
		}
		val := m[2]
		if val == "" {
			val = m[3]
		}
		for _, u := range strings.Split(val, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
	}
	return urls
}
