package loader

import (
	"iptv-ingest/internal/domain"
	"iptv-ingest/internal/store"
)

// Record is one upsertable entity with its natural key.
type Record interface {
	RecordType() string
	RecordID() string
	Table() string
	Keys() []string
	Row() store.Row
}

type ChannelRecord struct{ domain.ParsedChannel }

func (r ChannelRecord) RecordType() string { return "channel" }
func (r ChannelRecord) RecordID() string   { return r.NaturalID }
func (r ChannelRecord) Table() string      { return store.TablePlaylistChannels }
func (r ChannelRecord) Keys() []string     { return []string{"source", "natural_id"} }

func (r ChannelRecord) Row() store.Row {
	return store.Row{
		{Name: "source", Value: r.Source},
		{Name: "natural_id", Value: r.NaturalID},
		{Name: "display_name", Value: r.DisplayName},
		{Name: "stream_url", Value: r.StreamURL},
		{Name: "logo_url", Value: r.LogoURL},
		{Name: "group_title", Value: r.Group},
	}
}

// EpgChannelRecord is keyed by display name too, so alternate names of one
// channel id are stored side by side.
type EpgChannelRecord struct{ domain.EpgChannel }

func (r EpgChannelRecord) RecordType() string { return "epg_channel" }
func (r EpgChannelRecord) RecordID() string   { return r.ChannelID + "/" + r.DisplayName }
func (r EpgChannelRecord) Table() string      { return store.TableEpgChannels }
func (r EpgChannelRecord) Keys() []string {
	return []string{"source", "channel_id", "display_name"}
}

func (r EpgChannelRecord) Row() store.Row {
	return store.Row{
		{Name: "source", Value: r.Source},
		{Name: "channel_id", Value: r.ChannelID},
		{Name: "display_name", Value: r.DisplayName},
		{Name: "icon_url", Value: r.IconURL},
		{Name: "is_primary", Value: r.IsPrimary},
	}
}

type ProgramRecord struct{ domain.Program }

func (r ProgramRecord) RecordType() string { return "program" }
func (r ProgramRecord) RecordID() string   { return r.ProgramID }
func (r ProgramRecord) Table() string      { return store.TablePrograms }
func (r ProgramRecord) Keys() []string     { return []string{"source", "program_id"} }

func (r ProgramRecord) Row() store.Row {
	return store.Row{
		{Name: "source", Value: r.Source},
		{Name: "program_id", Value: r.ProgramID},
		{Name: "channel_id", Value: r.ChannelID},
		{Name: "start_time", Value: r.StartTime.UTC()},
		{Name: "end_time", Value: r.EndTime.UTC()},
		{Name: "title", Value: r.Title},
		{Name: "description", Value: r.Description},
		{Name: "category", Value: r.Category},
	}
}

func Channels(in []domain.ParsedChannel) []Record {
	out := make([]Record, len(in))
	for i, c := range in {
		out[i] = ChannelRecord{c}
	}
	return out
}

func EpgChannels(in []domain.EpgChannel) []Record {
	out := make([]Record, len(in))
	for i, c := range in {
		out[i] = EpgChannelRecord{c}
	}
	return out
}

func Programs(in []domain.Program) []Record {
	out := make([]Record, len(in))
	for i, p := range in {
		out[i] = ProgramRecord{p}
	}
	return out
}
