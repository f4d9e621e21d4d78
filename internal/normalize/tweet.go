package normalize

import (
	"strings"
	"time"

	"watchbot/internal/source"
)

// Tweet is a GraphQL tweet_results.result node.
type Tweet struct {
	Typename string `json:"__typename"`
	RestID   string `json:"rest_id"`

	// Populated for __typename == "TweetWithVisibilityResults".
	Tweet *Tweet `json:"tweet,omitempty"`

	Core struct {
		UserResults struct {
			Result tweetUser `json:"result"`
		} `json:"user_results"`
	} `json:"core"`

	Legacy struct {
		IDStr     string `json:"id_str"`
		FullText  string `json:"full_text"`
		CreatedAt string `json:"created_at"`
	} `json:"legacy"`

	NoteTweet struct {
		NoteTweetResults struct {
			Result struct {
				Text string `json:"text"`
			} `json:"result"`
		} `json:"note_tweet_results"`
	} `json:"note_tweet"`
}

type tweetUser struct {
	Legacy struct {
		ScreenName string `json:"screen_name"`
		Name       string `json:"name"`
	} `json:"legacy"`
	// Newer responses moved the names under core.
	Core struct {
		ScreenName string `json:"screen_name"`
		Name       string `json:"name"`
	} `json:"core"`
}

func (u tweetUser) screenName() string {
	if s := strings.TrimSpace(u.Core.ScreenName); s != "" {
		return s
	}
	return strings.TrimSpace(u.Legacy.ScreenName)
}

// Unwrap returns the inner tweet for visibility wrappers.
func (t Tweet) Unwrap() Tweet {
	if t.Typename == "TweetWithVisibilityResults" && t.Tweet != nil {
		return t.Tweet.Unwrap()
	}
	return t
}

func (n Normalizer) Tweet(t Tweet, src source.Ref) (source.Item, bool) {
	t = t.Unwrap()
	if t.Typename != "" && t.Typename != "Tweet" {
		// TweetTombstone, TweetUnavailable, ...
		return source.Item{}, false
	}
	id := strings.TrimSpace(t.RestID)
	if id == "" {
		id = strings.TrimSpace(t.Legacy.IDStr)
	}
	if !isSnowflake(id) {
		return source.Item{}, false
	}

	text := t.NoteTweet.NoteTweetResults.Result.Text
	if strings.TrimSpace(text) == "" {
		text = t.Legacy.FullText
	}
	text = CollapseText(unescapeTweet(text))
	if !n.acceptText(text) {
		return source.Item{}, false
	}

	author := t.Core.UserResults.Result.screenName()
	if author == "" {
		author = src.Identifier
	}

	var created time.Time
	if ca := strings.TrimSpace(t.Legacy.CreatedAt); ca != "" {
		if ts, err := time.Parse(time.RubyDate, ca); err == nil {
			created = ts.UTC()
		}
	}

	return source.Item{
		ID:        id,
		Source:    src,
		Author:    author,
		Text:      text,
		CreatedAt: created,
		URL:       TweetPermalink(author, id),
	}, true
}

// TweetPermalink returns the canonical status URL.
func TweetPermalink(screenName, id string) string {
	if id == "" {
		return ""
	}
	if screenName == "" {
		screenName = "i/web"
	}
	return "https://x.com/" + screenName + "/status/" + id
}

var tweetEntities = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">")

func unescapeTweet(s string) string { return tweetEntities.Replace(s) }
