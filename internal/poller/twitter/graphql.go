package twitter

import (
	"encoding/json"

	"watchbot/internal/normalize"
)

// timelineResponse is the UserTweets payload. Older deployments use
// "timeline_v2", newer ones "timeline"; both are decoded.
type timelineResponse struct {
	Data struct {
		User struct {
			Result struct {
				Typename   string   `json:"__typename"`
				TimelineV2 timeline `json:"timeline_v2"`
				Timeline   timeline `json:"timeline"`
			} `json:"result"`
		} `json:"user"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

type timeline struct {
	Timeline struct {
		Instructions []instruction `json:"instructions"`
	} `json:"timeline"`
}

type instruction struct {
	Type    string  `json:"type"`
	Entries []entry `json:"entries"`
	Entry   *entry  `json:"entry"`
}

type entry struct {
	EntryID string `json:"entryId"`
	Content struct {
		EntryType   string       `json:"entryType"`
		ItemContent *itemContent `json:"itemContent"`
		Items       []struct {
			Item struct {
				ItemContent *itemContent `json:"itemContent"`
			} `json:"item"`
		} `json:"items"`
	} `json:"content"`
}

type itemContent struct {
	ItemType     string `json:"itemType"`
	TweetResults struct {
		Result *normalize.Tweet `json:"result"`
	} `json:"tweet_results"`
}

type graphQLError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// userResponse is the UserByScreenName payload.
type userResponse struct {
	Data struct {
		User struct {
			Result struct {
				Typename string `json:"__typename"`
				RestID   string `json:"rest_id"`
			} `json:"result"`
		} `json:"user"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

// walked is one timeline tweet; Pinned marks TimelinePinEntry.
type walked struct {
	Tweet  normalize.Tweet
	Pinned bool
}

// walkTimeline flattens instructions into tweets in timeline order.
// Entries without a tweet (cursors, who-to-follow, prompts) are dropped.
// Pinned tweets are reported separately so callers can keep them out of
// the newest-first ordering.
func walkTimeline(raw []byte) ([]walked, bool, error) {
	var resp timelineResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false, err
	}
	ins := resp.Data.User.Result.TimelineV2.Timeline.Instructions
	if len(ins) == 0 {
		ins = resp.Data.User.Result.Timeline.Timeline.Instructions
	}
	found := len(ins) > 0

	var out []walked
	add := func(ic *itemContent, pinned bool) {
		if ic == nil || ic.TweetResults.Result == nil {
			return
		}
		out = append(out, walked{Tweet: *ic.TweetResults.Result, Pinned: pinned})
	}
	addEntry := func(e entry, pinned bool) {
		add(e.Content.ItemContent, pinned)
		for _, it := range e.Content.Items {
			add(it.Item.ItemContent, pinned)
		}
	}
	for _, in := range ins {
		switch in.Type {
		case "TimelinePinEntry":
			if in.Entry != nil {
				addEntry(*in.Entry, true)
			}
		case "TimelineAddEntries", "":
			for _, e := range in.Entries {
				addEntry(e, false)
			}
		}
	}
	return out, found, nil
}
