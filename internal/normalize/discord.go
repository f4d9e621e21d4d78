package normalize

import (
	"strings"
	"time"

	"watchbot/internal/source"
)

// DiscordMessage is the subset of the Discord message object we read.
type DiscordMessage struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
	Type      int    `json:"type"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Author    struct {
		ID         string `json:"id"`
		Username   string `json:"username"`
		GlobalName string `json:"global_name"`
		Bot        bool   `json:"bot,omitempty"`
	} `json:"author"`
	Embeds []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		URL         string `json:"url"`
	} `json:"embeds"`
	Attachments []struct {
		URL      string `json:"url"`
		Filename string `json:"filename"`
	} `json:"attachments"`
}

// Message types that carry user content. Everything else (joins, pins,
// boosts, thread notices) is system chatter.
var discordContentTypes = map[int]bool{0: true, 19: true, 20: true, 23: true}

func (n Normalizer) Discord(m DiscordMessage, src source.Ref) (source.Item, bool) {
	id := strings.TrimSpace(m.ID)
	if !isSnowflake(id) {
		return source.Item{}, false
	}
	if !discordContentTypes[m.Type] {
		return source.Item{}, false
	}

	parts := make([]string, 0, 1+len(m.Embeds)+len(m.Attachments))
	if c := strings.TrimSpace(m.Content); c != "" {
		parts = append(parts, c)
	}
	for _, e := range m.Embeds {
		if t := strings.TrimSpace(e.Title); t != "" {
			parts = append(parts, t)
		}
		if d := strings.TrimSpace(e.Description); d != "" {
			parts = append(parts, d)
		}
	}
	for _, a := range m.Attachments {
		if u := strings.TrimSpace(a.URL); u != "" {
			parts = append(parts, u)
		}
	}
	text := CollapseText(strings.Join(parts, "\n"))
	if !n.acceptText(text) {
		return source.Item{}, false
	}

	author := strings.TrimSpace(m.Author.GlobalName)
	if author == "" {
		author = strings.TrimSpace(m.Author.Username)
	}

	var created time.Time
	if ts := strings.TrimSpace(m.Timestamp); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			created = t.UTC()
		}
	}
	if created.IsZero() {
		created = SnowflakeTime(id)
	}

	channel := m.ChannelID
	if channel == "" {
		_, channel = SplitDiscordIdentifier(src.Identifier)
	}
	guild := m.GuildID
	if guild == "" {
		guild, _ = SplitDiscordIdentifier(src.Identifier)
	}

	return source.Item{
		ID:        id,
		Source:    src,
		Author:    author,
		Text:      text,
		CreatedAt: created,
		URL:       DiscordPermalink(guild, channel, id),
	}, true
}

// SplitDiscordIdentifier splits "guild/channel" (or a bare "channel").
func SplitDiscordIdentifier(identifier string) (guild, channel string) {
	identifier = strings.Trim(strings.TrimSpace(identifier), "/")
	if i := strings.LastIndexByte(identifier, '/'); i >= 0 {
		return identifier[:i], identifier[i+1:]
	}
	return "", identifier
}

// DiscordPermalink builds the jump link for a message. Without a guild the
// DM-style "@me" path is used, which Discord redirects for members.
func DiscordPermalink(guild, channel, id string) string {
	if channel == "" || id == "" {
		return ""
	}
	if guild == "" {
		guild = "@me"
	}
	return "https://discord.com/channels/" + guild + "/" + channel + "/" + id
}

// discordEpoch is 2015-01-01T00:00:00Z in unix milliseconds.
const discordEpoch = 1420070400000

// SnowflakeTime extracts the creation time embedded in a snowflake id.
func SnowflakeTime(id string) time.Time {
	var v uint64
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c < '0' || c > '9' {
			return time.Time{}
		}
		v = v*10 + uint64(c-'0')
	}
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(v>>22) + discordEpoch).UTC()
}

func isSnowflake(id string) bool {
	if len(id) < 5 || len(id) > 20 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}
